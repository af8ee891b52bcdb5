package saga

import (
	"context"
	"fmt"

	"github.com/tidwall/btree"
)

// PhaseName is a unique name for a saga phase.
type PhaseName string

// String returns the string representation of the PhaseName.
func (n PhaseName) String() string {
	return string(n)
}

// Phase is the building block of a saga: one ordered step with a matching
// compensation that semantically undoes it.
type Phase interface {
	// Execute performs the phase's forward action. The returned output is
	// recorded on the Run and is visible to later phases and to every
	// compensation.
	Execute(ctx context.Context, run *Run) (any, error)
	// Compensate undoes a previously completed Execute. It is only invoked
	// for phases that completed before a later phase failed.
	Compensate(ctx context.Context, run *Run) error
	Name() PhaseName
}

// Run carries the mutable state of a single saga execution: the outputs
// recorded by completed phases and, once unwinding, the failure that
// triggered compensation.
type Run struct {
	ID      string
	outputs *btree.Map[PhaseName, any]
	cause   *PhaseError
}

// NewRun creates an empty Run with the given id.
func NewRun(id string) *Run {
	return &Run{
		ID:      id,
		outputs: btree.NewMap[PhaseName, any](8),
	}
}

// Lookup retrieves the output recorded by a completed phase.
func (r *Run) Lookup(name PhaseName) (any, bool) {
	if r.outputs == nil {
		return nil, false
	}
	return r.outputs.Get(name)
}

// Cause returns the phase failure that triggered compensation, or nil if
// the run is not unwinding. Compensations use this to decide how they
// record the reason for the undo.
func (r *Run) Cause() error {
	if r.cause == nil {
		return nil
	}
	return r.cause.Err
}

// CausePhase returns the name of the phase whose failure triggered
// compensation, or the empty name if the run is not unwinding.
func (r *Run) CausePhase() PhaseName {
	if r.cause == nil {
		return ""
	}
	return r.cause.Phase
}

func (r *Run) record(name PhaseName, output any) {
	r.outputs.Set(name, output)
}

// Output retrieves the output of a completed phase with a type assertion.
// Returns the zero value and false if the phase has not recorded an output
// or the output is of a different type.
func Output[T any](r *Run, name PhaseName) (T, bool) {
	var zero T
	value, found := r.Lookup(name)
	if !found {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// ExecuteFunc is the forward half of a phase built from plain functions.
type ExecuteFunc func(ctx context.Context, run *Run) (any, error)

// CompensateFunc is the undo half of a phase built from plain functions.
type CompensateFunc func(ctx context.Context, run *Run) error

// PhaseFunc is an implementation of Phase that uses ordinary functions.
type PhaseFunc struct {
	name       PhaseName
	execute    ExecuteFunc
	compensate CompensateFunc
}

// NewPhase constructs a Phase from a pair of functions.
func NewPhase(name PhaseName, execute ExecuteFunc, compensate CompensateFunc) *PhaseFunc {
	return &PhaseFunc{
		name:       name,
		execute:    execute,
		compensate: compensate,
	}
}

// NoCompensation is a compensation that does nothing. Phases whose forward
// action has no lasting effect (pure reads, validations) use this.
func NoCompensation(_ context.Context, _ *Run) error {
	return nil
}

// NewPhaseNoCompensate constructs a Phase with a no-op compensation.
func NewPhaseNoCompensate(name PhaseName, execute ExecuteFunc) *PhaseFunc {
	return NewPhase(name, execute, NoCompensation)
}

// Execute implements the Phase interface for PhaseFunc.
func (p *PhaseFunc) Execute(ctx context.Context, run *Run) (any, error) {
	return p.execute(ctx, run)
}

// Compensate implements the Phase interface for PhaseFunc.
func (p *PhaseFunc) Compensate(ctx context.Context, run *Run) error {
	return p.compensate(ctx, run)
}

// Name implements the Phase interface for PhaseFunc.
func (p *PhaseFunc) Name() PhaseName {
	return p.name
}

// String implements the fmt.Stringer interface for PhaseFunc.
func (p *PhaseFunc) String() string {
	return fmt.Sprintf("PhaseFunc[%s]", p.name)
}
