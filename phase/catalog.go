// Package phase is the engine's Phase Engine: the declarative
// phase catalog and the ticket state machine driving progression through
// it, including gate evaluation, auto-transition, and regression.
package phase

import (
	"sort"

	"github.com/rivergate/foreman/domain"
)

// Catalog is the engine's static phase configuration, held in memory and
// mirrored into the Store at startup so tasks/tickets' phase_id foreign
// keys resolve. Catalog is configuration data, never mutated at runtime.
type Catalog struct {
	phases map[string]domain.Phase
}

// NewCatalog builds a Catalog from an ordered phase list.
func NewCatalog(phases []domain.Phase) *Catalog {
	c := &Catalog{phases: make(map[string]domain.Phase, len(phases))}
	for _, p := range phases {
		c.phases[p.ID] = p
	}
	return c
}

// Get returns a phase by id.
func (c *Catalog) Get(id string) (domain.Phase, bool) {
	p, ok := c.phases[id]
	return p, ok
}

// All returns every phase ordered by sequence_order.
func (c *Catalog) All() []domain.Phase {
	out := make([]domain.Phase, 0, len(c.phases))
	for _, p := range c.phases {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out
}

// Initial returns the phase with the minimum sequence_order, the phase a
// newly created ticket starts in.
func (c *Catalog) Initial() (domain.Phase, bool) {
	all := c.All()
	if len(all) == 0 {
		return domain.Phase{}, false
	}
	return all[0], true
}

// CanTransition reports whether fromPhaseID allows a transition to toPhaseID.
func (c *Catalog) CanTransition(fromPhaseID, toPhaseID string) bool {
	p, ok := c.phases[fromPhaseID]
	if !ok {
		return false
	}
	for _, t := range p.AllowedTransitions {
		if t == toPhaseID {
			return true
		}
	}
	return false
}

// IsRegression reports whether toPhaseID has a strictly lower
// sequence_order than fromPhaseID — regression is only ever allowed to a
// phase with a lower sequence_order.
func (c *Catalog) IsRegression(fromPhaseID, toPhaseID string) bool {
	from, okFrom := c.phases[fromPhaseID]
	to, okTo := c.phases[toPhaseID]
	if !okFrom || !okTo {
		return false
	}
	return to.SequenceOrder < from.SequenceOrder
}

// DefaultCatalog returns the engine's built-in requirements → design →
// implementation → testing → done pipeline, used when no external
// configuration supplies a catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog([]domain.Phase{
		{
			ID: "requirements", Name: "Requirements", SequenceOrder: 0,
			AllowedTransitions: []string{"design"},
			DoneDefinitions:    []string{"requirements document approved"},
			ExpectedOutputs:    []string{"requirements_doc"},
			SeedTaskType:       "gather_requirements",
			RequiresReview:     true,
		},
		{
			ID: "design", Name: "Design", SequenceOrder: 1,
			AllowedTransitions: []string{"implementation", "requirements"},
			DoneDefinitions:    []string{"design document approved"},
			ExpectedOutputs:    []string{"design_doc"},
			SeedTaskType:       "produce_design",
			RequiresReview:     true,
		},
		{
			ID: "implementation", Name: "Implementation", SequenceOrder: 2,
			AllowedTransitions: []string{"testing", "design"},
			DoneDefinitions:    []string{"implementation complete"},
			ExpectedOutputs:    []string{"code_diff"},
			SeedTaskType:       "implement",
			RequiresReview:     true,
		},
		{
			ID: "testing", Name: "Testing", SequenceOrder: 3,
			AllowedTransitions: []string{"done", "implementation"},
			DoneDefinitions:    []string{"tests pass"},
			ExpectedOutputs:    []string{"test_report"},
			SeedTaskType:       "run_tests",
			RequiresReview:     true,
		},
		{
			ID: "done", Name: "Done", SequenceOrder: 4,
			IsTerminal: true,
		},
	})
}
