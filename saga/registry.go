package saga

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the phases available to a saga, keyed by PhaseName.
//
// Plans refer to phases only by name. Keeping the concrete Phase values in
// a registry lets the same phase appear in several plans, and lets a run be
// reconstructed from a journal where only names survive serialization.
type Registry struct {
	phases *xsync.MapOf[PhaseName, Phase]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		phases: xsync.NewMapOf[PhaseName, Phase](),
	}
}

// Register adds a phase to the registry.
func (r *Registry) Register(phase Phase) error {
	if _, ok := r.phases.Load(phase.Name()); ok {
		return fmt.Errorf("phase with name '%s' already registered", phase.Name())
	}
	r.phases.Store(phase.Name(), phase)
	return nil
}

// Get retrieves a phase from the registry by its name.
func (r *Registry) Get(name PhaseName) (Phase, error) {
	phase, ok := r.phases.Load(name)
	if !ok {
		return nil, fmt.Errorf("phase not found: %s", name)
	}
	return phase, nil
}
