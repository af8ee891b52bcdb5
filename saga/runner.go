package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner executes the phases of a plan in topological order, journaling
// progress after every phase, and compensates completed phases in reverse
// order when a later phase fails.
type Runner struct {
	plan     *Plan
	registry *Registry
	journal  Journal
	log      *zap.SugaredLogger

	runID     string
	startedAt time.Time
	completed []PhaseName
	finished  map[PhaseName]time.Time
}

// NewRunner creates a runner for one execution of the plan. A Runner is
// single-use: create a fresh one per run.
func NewRunner(plan *Plan, registry *Registry, journal Journal, log *zap.SugaredLogger) *Runner {
	return &Runner{
		plan:      plan,
		registry:  registry,
		journal:   journal,
		log:       log,
		runID:     uuid.NewString(),
		startedAt: time.Now(),
		completed: make([]PhaseName, 0, plan.Len()),
		finished:  make(map[PhaseName]time.Time),
	}
}

// RunID returns the identifier assigned to this execution.
func (r *Runner) RunID() string {
	return r.runID
}

// Execute runs the saga. On success it returns the Run with every phase's
// output recorded and a nil error. On a phase failure it compensates the
// completed phases in reverse order and returns a *PhaseError whose
// Compensated flag reports whether the unwind fully succeeded; if a
// compensation itself fails it returns a *CompensationError instead.
func (r *Runner) Execute(ctx context.Context) (*Run, error) {
	run := NewRun(r.runID)

	if err := r.persist(ctx, run, StatusRunning); err != nil {
		return run, fmt.Errorf("failed to journal initial state: %w", err)
	}

	order, err := r.plan.Order()
	if err != nil {
		return run, fmt.Errorf("failed to get execution order: %w", err)
	}

	for _, name := range order {
		phase, err := r.registry.Get(name)
		if err != nil {
			return run, err
		}

		output, err := phase.Execute(ctx, run)
		if err != nil {
			perr := &PhaseError{Phase: name, Err: err}
			run.cause = perr
			r.log.Warnw("saga phase failed, unwinding",
				"saga", r.plan.SagaName, "run_id", r.runID, "phase", name, "error", err)

			if jerr := r.persist(ctx, run, StatusFailed); jerr != nil {
				r.log.Warnw("failed to journal failure state", "run_id", r.runID, "error", jerr)
			}

			if cerr := r.compensate(ctx, run, perr); cerr != nil {
				return run, cerr
			}
			perr.Compensated = true
			return run, perr
		}

		run.record(name, output)
		r.completed = append(r.completed, name)
		r.finished[name] = time.Now()

		if jerr := r.persist(ctx, run, StatusRunning); jerr != nil {
			r.log.Warnw("failed to journal execution state", "run_id", r.runID, "error", jerr)
		}
	}

	if jerr := r.persist(ctx, run, StatusCompleted); jerr != nil {
		r.log.Warnw("failed to journal completion state", "run_id", r.runID, "error", jerr)
	}

	return run, nil
}

// compensate undoes completed phases in reverse order. It returns a
// *CompensationError as soon as any compensation fails.
func (r *Runner) compensate(ctx context.Context, run *Run, cause *PhaseError) error {
	if jerr := r.persist(ctx, run, StatusRollingBack); jerr != nil {
		r.log.Warnw("failed to journal rollback state", "run_id", r.runID, "error", jerr)
	}

	for i := len(r.completed) - 1; i >= 0; i-- {
		name := r.completed[i]
		phase, err := r.registry.Get(name)
		if err != nil {
			return &CompensationError{Phase: name, Cause: cause, Err: err}
		}
		if err := phase.Compensate(ctx, run); err != nil {
			r.log.Errorw("saga compensation failed",
				"saga", r.plan.SagaName, "run_id", r.runID, "phase", name, "error", err)
			if jerr := r.persist(ctx, run, StatusFailed); jerr != nil {
				r.log.Warnw("failed to journal failure state", "run_id", r.runID, "error", jerr)
			}
			return &CompensationError{Phase: name, Cause: cause, Err: err}
		}
	}

	if jerr := r.persist(ctx, run, StatusRolledBack); jerr != nil {
		r.log.Warnw("failed to journal rolled-back state", "run_id", r.runID, "error", jerr)
	}
	return nil
}

// persist saves the current execution state to the journal.
func (r *Runner) persist(ctx context.Context, run *Run, status string) error {
	completedPhases := make([]CompletedPhase, 0, len(r.completed))
	for _, name := range r.completed {
		cp := CompletedPhase{
			Name:       string(name),
			FinishedAt: r.finished[name],
		}
		// Outputs that do not serialize are journaled without a payload;
		// the journal tracks progress, it is not the recovery point.
		if output, ok := run.Lookup(name); ok {
			cp.Output = marshalOutput(output)
		}
		completedPhases = append(completedPhases, cp)
	}

	state := RunState{
		RunID:     r.runID,
		SagaName:  r.plan.SagaName,
		Status:    status,
		Completed: completedPhases,
		CreatedAt: r.startedAt,
		UpdatedAt: time.Now(),
	}

	return r.journal.Save(ctx, r.runID, state)
}

// marshalOutput serializes a phase output for the journal, or returns nil
// when the output has no JSON representation.
func marshalOutput(output any) json.RawMessage {
	if output == nil {
		return nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil
	}
	return data
}
