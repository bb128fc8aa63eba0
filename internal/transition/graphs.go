package transition

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Graph names used across the dispatch core and business workflows.
const (
	GraphMachineRun     = "machine_run"
	GraphDeliveryStatus = "delivery_status"
	GraphPipelineStage  = "pipeline_stage"
)

// Gate record kinds for the pipeline stage graph.
const (
	GateQualification = "qualification"
	GatePricing       = "pricing"
	GateLoss          = "loss"
	GateOutcome       = "outcome"
)

// MachineRunGraph covers the lifecycle of a single machine run. Idle is the
// no-run state a start transitions out of. Completed is terminal; blocked
// clears only through operator intervention back to running.
func MachineRunGraph() *Graph {
	return &Graph{
		Name:    GraphMachineRun,
		Default: "idle",
		Edges: map[string][]string{
			"idle":      {"running"},
			"running":   {"paused", "blocked", "completed"},
			"paused":    {"running", "blocked"},
			"blocked":   {"running"},
			"completed": {},
		},
	}
}

// DeliveryStatusGraph is the delivery workflow. Entities with no recorded
// status default to pending before lookup.
func DeliveryStatusGraph() *Graph {
	return &Graph{
		Name:    GraphDeliveryStatus,
		Default: "pending",
		Edges: map[string][]string{
			"pending":               {"scheduled", "in-transit"},
			"scheduled":             {"in-transit", "pending"},
			"in-transit":            {"delivered", "completed", "completed_with_issues", "partial", "failed"},
			"partial":               {"in-transit", "completed_with_issues"},
			"delivered":             {"completed"},
			"completed":             {},
			"completed_with_issues": {},
			"failed":                {"pending"},
		},
	}
}

// DefaultPipelineGraph is the built-in sales pipeline used when no graph
// file is configured. Each gated stage names the record kind whose
// existence unlocks it.
func DefaultPipelineGraph() *Graph {
	return &Graph{
		Name:    GraphPipelineStage,
		Default: "new",
		Edges: map[string][]string{
			"new":       {"qualified", "lost"},
			"qualified": {"quoted", "lost"},
			"quoted":    {"won", "lost"},
			"won":       {},
			"lost":      {},
		},
		Gates: map[string][]string{
			"qualified": {GateQualification},
			"quoted":    {GatePricing},
			"won":       {GateOutcome},
			"lost":      {GateLoss},
		},
	}
}

// LoadPipelineGraphFromEnv reads the pipeline stage graph from the YAML file
// named by SHOPFLOOR_PIPELINE_GRAPH_FILE, falling back to the built-in
// default when unset.
func LoadPipelineGraphFromEnv() (*Graph, error) {
	path := strings.TrimSpace(os.Getenv("SHOPFLOOR_PIPELINE_GRAPH_FILE"))
	if path == "" {
		return DefaultPipelineGraph(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline graph file: %w", err)
	}
	return ParseGraph(b)
}

// ParseGraph decodes a YAML graph definition and validates that every edge
// target is itself an enumerated state.
func ParseGraph(b []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if strings.TrimSpace(g.Name) == "" {
		return nil, fmt.Errorf("graph name is required")
	}
	if len(g.Edges) == 0 {
		return nil, fmt.Errorf("graph %s has no edges", g.Name)
	}
	for from, next := range g.Edges {
		for _, to := range next {
			if _, ok := g.Edges[to]; !ok {
				return nil, fmt.Errorf("graph %s: state %s reaches unenumerated state %s", g.Name, from, to)
			}
		}
	}
	for gated := range g.Gates {
		if _, ok := g.Edges[gated]; !ok {
			return nil, fmt.Errorf("graph %s: gate on unenumerated state %s", g.Name, gated)
		}
	}
	return &g, nil
}
