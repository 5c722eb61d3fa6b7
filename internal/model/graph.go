package model

import (
	"sort"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

// Graph is a read-only view of a campaign's steps keyed by id.
type Graph struct {
	steps map[string]*Step
	entry *Step
}

// NewGraph indexes steps. It does not validate them.
func NewGraph(steps []*Step) *Graph {
	g := &Graph{steps: make(map[string]*Step, len(steps))}
	for _, s := range steps {
		g.steps[s.ID] = s
		if s.Order == 1 {
			g.entry = s
		}
	}
	return g
}

func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Entry is the step with order 1, or nil when the graph is empty.
func (g *Graph) Entry() *Step {
	return g.entry
}

func (g *Graph) Len() int {
	return len(g.steps)
}

// Validate checks the structural invariants required before activation:
// contiguous 1..N orders, an entry step, resolvable edges and no cycles.
func (g *Graph) Validate() error {
	if len(g.steps) == 0 {
		return appErrors.New(appErrors.CodeNoSteps, "campaign has no steps")
	}
	if err := CheckContiguous(g.sorted()); err != nil {
		return err
	}
	if g.entry == nil {
		return appErrors.New(appErrors.CodeInvalidStepOrder, "campaign has no entry step with order 1")
	}
	for _, s := range g.sorted() {
		for _, target := range s.Targets() {
			if _, ok := g.steps[target]; !ok {
				return appErrors.New(appErrors.CodeUnknownStepReference, "step %s points at unknown step %s", s.ID, target)
			}
		}
	}
	return g.checkAcyclic()
}

func (g *Graph) sorted() []*Step {
	out := make([]*Step, 0, len(g.steps))
	for _, s := range g.steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

const (
	unvisited = iota
	visiting
	done
)

func (g *Graph) checkAcyclic() error {
	state := make(map[string]int, len(g.steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return appErrors.New(appErrors.CodeGraphCycle, "step %s is part of a cycle", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range g.steps[id].Targets() {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range g.sorted() {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// CheckContiguous verifies that the orders of steps, sorted ascending, are exactly 1..N.
func CheckContiguous(sorted []*Step) error {
	for i, s := range sorted {
		if s.Order != i+1 {
			return appErrors.New(appErrors.CodeInvalidStepOrder, "step %s has order %d, expected %d", s.ID, s.Order, i+1)
		}
	}
	return nil
}
