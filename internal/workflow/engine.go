package workflow

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/shopfloor/internal/audit"
	"github.com/example/shopfloor/internal/dispatch"
	"github.com/example/shopfloor/internal/observability"
	"github.com/example/shopfloor/internal/state"
	"github.com/example/shopfloor/internal/transition"
)

// Outcome is the caller-facing result of a business workflow transition.
type Outcome struct {
	Graph   string
	From    string
	To      string
	Result  string
	Reason  string
	Missing []string
}

// Engine drives the delivery status and pipeline stage workflows through
// their guard graphs. Current states persist in the Store; every attempt is
// appended to the transition log through the async sink.
type Engine struct {
	store    state.Store
	graphs   *transition.Registry
	sink     *audit.Sink
	pipeline string
}

func NewEngine(store state.Store, graphs *transition.Registry, sink *audit.Sink) *Engine {
	return &Engine{
		store:    store,
		graphs:   graphs,
		sink:     sink,
		pipeline: transition.GraphPipelineStage,
	}
}

// TransitionDelivery advances a delivery entity. Entities with no recorded
// status start from pending.
func (e *Engine) TransitionDelivery(ctx context.Context, actor dispatch.Actor, entityID, to string) (Outcome, error) {
	return e.transition(ctx, actor, transition.GraphDeliveryStatus, entityID, to, nil)
}

// TransitionPipeline advances a lead through the sales pipeline. Gated
// stages require the matching workflow records to exist at evaluation time.
func (e *Engine) TransitionPipeline(ctx context.Context, actor dispatch.Actor, entityID, to string) (Outcome, error) {
	return e.transition(ctx, actor, e.pipeline, entityID, to, e.pipelineGate)
}

func (e *Engine) pipelineGate(g *transition.Graph, to string) transition.Gate {
	kinds := g.Gates[to]
	if len(kinds) == 0 {
		return nil
	}
	return func(ctx context.Context, entityID string) ([]string, error) {
		var missing []string
		for _, kind := range kinds {
			ok, err := e.store.HasWorkflowRecord(ctx, entityID, kind)
			if err != nil {
				return nil, err
			}
			if !ok {
				missing = append(missing, kind)
			}
		}
		return missing, nil
	}
}

type gateFactory func(g *transition.Graph, to string) transition.Gate

func (e *Engine) transition(ctx context.Context, actor dispatch.Actor, graphName, entityID, to string, gates gateFactory) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		attribute.String("graph", graphName),
		attribute.String("entity.id", entityID),
		attribute.String("to", to),
	)
	defer span.End()

	if strings.TrimSpace(entityID) == "" {
		return Outcome{}, &dispatch.ValidationError{Field: "entityId", Reason: "required"}
	}
	if strings.TrimSpace(to) == "" {
		return Outcome{}, &dispatch.ValidationError{Field: "to", Reason: "required"}
	}
	g, ok := e.graphs.Get(graphName)
	if !ok {
		return Outcome{}, &dispatch.NotFound{Resource: "graph", ID: graphName}
	}

	from, _, err := e.store.GetWorkflowState(ctx, graphName, entityID)
	if err != nil {
		return Outcome{}, err
	}
	from = g.Normalize(from)

	var gate transition.Gate
	if gates != nil {
		gate = gates(g, to)
	}
	result, err := g.Apply(ctx, entityID, from, to, gate)
	if err != nil {
		return Outcome{}, err
	}
	e.log(actor, graphName, entityID, from, to, result)

	out := Outcome{Graph: graphName, From: from, To: to, Result: result.Result, Reason: result.Reason, Missing: result.Missing}
	if !result.Committed() {
		if result.Result == transition.ResultGateRequired {
			return out, &dispatch.GateRequired{Graph: graphName, To: to, Missing: result.Missing}
		}
		return out, nil
	}
	if err := e.store.SetWorkflowState(ctx, graphName, entityID, to); err != nil {
		return Outcome{}, err
	}
	observability.Default.IncCounter("workflow_transitions_total", map[string]string{"graph": graphName, "result": result.Result}, 1)
	return out, nil
}

func (e *Engine) log(actor dispatch.Actor, graphName, entityID, from, to string, o transition.Outcome) {
	entry := state.TransitionLogRecord{
		EntityID:    entityID,
		Tenant:      actor.Tenant,
		Graph:       graphName,
		FromState:   from,
		ToState:     to,
		TriggeredBy: actor.Role,
		UserID:      actor.ID,
		CreatedAt:   time.Now().UTC(),
	}
	switch o.Result {
	case transition.ResultGateRequired:
		entry.Result = transition.ResultBlocked
		entry.BlockReasonCode = transition.ReasonGateRequired
		entry.BlockReasonDetail = strings.Join(o.Missing, ",")
	case transition.ResultBlocked:
		entry.Result = transition.ResultBlocked
		entry.BlockReasonCode = o.Reason
	default:
		entry.Result = o.Result
	}
	e.sink.Record(entry)
}

// CompleteGate records the precondition record that unlocks a gated stage.
// Returns false when the record already existed.
func (e *Engine) CompleteGate(ctx context.Context, actor dispatch.Actor, entityID, kind string) (bool, error) {
	if strings.TrimSpace(entityID) == "" {
		return false, &dispatch.ValidationError{Field: "entityId", Reason: "required"}
	}
	switch kind {
	case transition.GateQualification, transition.GatePricing, transition.GateLoss, transition.GateOutcome:
	default:
		return false, &dispatch.ValidationError{Field: "kind", Reason: "unknown gate kind"}
	}
	created, err := e.store.AddWorkflowRecord(ctx, state.WorkflowRecord{
		EntityID:  entityID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if created {
		observability.Default.IncCounter("workflow_gates_completed_total", map[string]string{"kind": kind}, 1)
	}
	return created, nil
}
