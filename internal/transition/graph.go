package transition

import (
	"context"
	"fmt"
)

// Outcome results. GateRequired is an engine-level outcome only; the
// transition log records it as blocked with reason gate_required.
const (
	ResultAllowed       = "allowed"
	ResultBlocked       = "blocked"
	ResultGateRequired  = "gate_required"
	ResultGateCompleted = "gate_completed"
)

// Block reasons returned by Check.
const (
	ReasonNoSuchState  = "no_such_state"
	ReasonNotPermitted = "transition_not_permitted"
	ReasonGateRequired = "gate_required"
)

// Graph is a named directed state graph: each state maps to the set of
// states reachable from it. Terminal states carry an explicit empty edge
// set; a from-state missing from Edges blocks everything, it never panics.
type Graph struct {
	Name    string              `yaml:"name"`
	Default string              `yaml:"default"`
	Edges   map[string][]string `yaml:"edges"`
	// Gates maps a target state to the workflow record kinds that must
	// exist before a structurally allowed transition into it may commit.
	Gates map[string][]string `yaml:"gates"`
}

type Decision struct {
	Allowed bool
	Reason  string
}

// Gate reports the record kinds still missing for the entity. An empty
// slice means the gate holds.
type Gate func(ctx context.Context, entityID string) ([]string, error)

type Outcome struct {
	Result  string
	Reason  string
	Missing []string
}

// Committed reports whether the transition may be applied.
func (o Outcome) Committed() bool {
	return o.Result == ResultAllowed || o.Result == ResultGateCompleted
}

// Normalize substitutes the graph's default state for an empty or unknown
// current state, matching how entities with no recorded status are treated.
func (g *Graph) Normalize(from string) string {
	if from == "" {
		return g.Default
	}
	if _, ok := g.Edges[from]; !ok && g.Default != "" {
		return g.Default
	}
	return from
}

// Check decides whether from→to is structurally permitted. Unknown
// from-states yield Blocked with no_such_state: every state's outgoing
// edges must be enumerated explicitly.
func (g *Graph) Check(from, to string) Decision {
	next, ok := g.Edges[from]
	if !ok {
		return Decision{Allowed: false, Reason: ReasonNoSuchState}
	}
	for _, s := range next {
		if s == to {
			return Decision{Allowed: true}
		}
	}
	return Decision{Allowed: false, Reason: ReasonNotPermitted}
}

// Apply runs the structural check, then the gate where the target state has
// one. A gated transition that passes reports gate_completed so the log can
// distinguish it from a plain allow.
func (g *Graph) Apply(ctx context.Context, entityID, from, to string, gate Gate) (Outcome, error) {
	d := g.Check(from, to)
	if !d.Allowed {
		return Outcome{Result: ResultBlocked, Reason: d.Reason}, nil
	}
	if gate == nil || len(g.Gates[to]) == 0 {
		return Outcome{Result: ResultAllowed}, nil
	}
	missing, err := gate(ctx, entityID)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate gate for %s→%s: %w", from, to, err)
	}
	if len(missing) > 0 {
		return Outcome{Result: ResultGateRequired, Reason: ReasonGateRequired, Missing: missing}, nil
	}
	return Outcome{Result: ResultGateCompleted}, nil
}

// Registry holds the named graphs known to the system.
type Registry struct {
	graphs map[string]*Graph
}

func NewRegistry(graphs ...*Graph) *Registry {
	r := &Registry{graphs: make(map[string]*Graph, len(graphs))}
	for _, g := range graphs {
		r.graphs[g.Name] = g
	}
	return r
}

func (r *Registry) Register(g *Graph) {
	r.graphs[g.Name] = g
}

func (r *Registry) Get(name string) (*Graph, bool) {
	g, ok := r.graphs[name]
	return g, ok
}
