package workflow

import (
	"errors"
	"fmt"
)

// Node is one state of the graph.
type Node struct {
	Name   StateName
	Action Action
	Policy RetryPolicy
	// Compensation runs when Action exhausts its retries. When nil the
	// graph's catch-all compensation is used.
	Compensation Action
}

// Graph is a fixed linear sequence of nodes plus the catch-all compensation.
type Graph struct {
	Nodes              []Node
	Compensation       Action
	CompensationPolicy RetryPolicy
}

// Validate checks that the graph can be executed.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return errors.New("graph has no nodes")
	}
	var errs []error
	seen := make(map[StateName]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		switch {
		case n.Name == "":
			errs = append(errs, fmt.Errorf("node %d has no name", i))
		case n.Name == StateCompensation:
			errs = append(errs, fmt.Errorf("node %d uses reserved name %q", i, StateCompensation))
		case seen[n.Name]:
			errs = append(errs, fmt.Errorf("duplicate node %q", n.Name))
		}
		seen[n.Name] = true
		if n.Action == nil {
			errs = append(errs, fmt.Errorf("node %q has no action", n.Name))
		}
		if err := n.Policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %q policy: %w", n.Name, err))
		}
	}
	if g.Compensation != nil {
		if err := g.CompensationPolicy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("compensation policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// First returns the initial state.
func (g *Graph) First() StateName {
	return g.Nodes[0].Name
}

// States returns the node names in order.
func (g *Graph) States() []StateName {
	out := make([]StateName, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.Name
	}
	return out
}

func (g *Graph) index(name StateName) int {
	for i, n := range g.Nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// compensationFor returns the compensation for an exhausted state.
func (g *Graph) compensationFor(name StateName) Action {
	if i := g.index(name); i >= 0 && g.Nodes[i].Compensation != nil {
		return g.Nodes[i].Compensation
	}
	return g.Compensation
}

// Policies carries the default retry policy and per-state overrides.
type Policies struct {
	Default   RetryPolicy
	Overrides map[StateName]RetryPolicy
}

// For returns the policy for state.
func (p Policies) For(state StateName) RetryPolicy {
	if o, ok := p.Overrides[state]; ok {
		return o
	}
	return p.Default
}

// RemediationGraph builds CaptureConfirmed -> IsolateSubject -> Notify ->
// ReconcileStatus with FlagManualReview as the catch-all compensation.
func RemediationGraph(c Collaborators, p Policies) *Graph {
	return &Graph{
		Nodes: []Node{
			{Name: StateCaptureConfirmed, Action: CaptureConfirmed(c.Evidence), Policy: p.For(StateCaptureConfirmed)},
			{Name: StateIsolateSubject, Action: IsolateSubject(c.Subjects), Policy: p.For(StateIsolateSubject)},
			{Name: StateNotify, Action: EnqueueNotify(c.NotifyQueue, c.Notifier), Policy: p.For(StateNotify)},
			{Name: StateReconcileStatus, Action: EnqueueReconcile(c.ReconcileQueue, c.Registry), Policy: p.For(StateReconcileStatus)},
		},
		Compensation:       FlagManualReview(c.Subjects),
		CompensationPolicy: p.For(StateCompensation),
	}
}
