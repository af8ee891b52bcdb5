package saga

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Plan is a directed acyclic graph of phase names. Edges express ordering:
// an edge from A to B means A must complete before B starts.
type Plan struct {
	SagaName string

	graph *simple.DirectedGraph
	names map[int64]PhaseName
	ids   map[PhaseName]int64
}

// NewPlan creates an empty plan.
func NewPlan(sagaName string) *Plan {
	return &Plan{
		SagaName: sagaName,
		graph:    simple.NewDirectedGraph(),
		names:    make(map[int64]PhaseName),
		ids:      make(map[PhaseName]int64),
	}
}

// Sequence builds a plan where the given phases run strictly one after
// another, in the order given.
func Sequence(sagaName string, phases ...PhaseName) (*Plan, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("plan has no phases")
	}

	plan := NewPlan(sagaName)
	for i, name := range phases {
		if err := plan.Add(name); err != nil {
			return nil, err
		}
		if i > 0 {
			if err := plan.DependsOn(name, phases[i-1]); err != nil {
				return nil, err
			}
		}
	}
	return plan, nil
}

// Add inserts a phase into the plan. Phase names must be unique within a
// plan.
func (p *Plan) Add(name PhaseName) error {
	if _, exists := p.ids[name]; exists {
		return fmt.Errorf("phase with name '%s' already exists in plan", name)
	}
	node := p.graph.NewNode()
	p.graph.AddNode(node)
	p.names[node.ID()] = name
	p.ids[name] = node.ID()
	return nil
}

// DependsOn records that phase `name` must run after phase `on`.
func (p *Plan) DependsOn(name, on PhaseName) error {
	toID, ok := p.ids[name]
	if !ok {
		return fmt.Errorf("phase '%s' does not exist in plan", name)
	}
	fromID, ok := p.ids[on]
	if !ok {
		return fmt.Errorf("phase '%s' does not exist in plan", on)
	}
	if fromID == toID {
		return fmt.Errorf("phase '%s' cannot depend on itself", name)
	}
	p.graph.SetEdge(simple.Edge{F: p.graph.Node(fromID), T: p.graph.Node(toID)})
	return nil
}

// Len returns the number of phases in the plan.
func (p *Plan) Len() int {
	return len(p.ids)
}

// Order returns the phases in execution order using a stabilized
// topological sort, with node IDs breaking ties so the order is
// deterministic across runs.
func (p *Plan) Order() ([]PhaseName, error) {
	sorted, err := topo.SortStabilized(p.graph, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}

	order := make([]PhaseName, len(sorted))
	for i, node := range sorted {
		order[i] = p.names[node.ID()]
	}
	return order, nil
}
