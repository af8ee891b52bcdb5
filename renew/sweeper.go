package renew

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sweeper reconciles attempts stranded in pending by a crash between the
// debit and the on-chain confirmation. It is the same consistency pattern
// as the saga's own rollback, driven from the attempt row instead of an
// in-flight run.
type Sweeper struct {
	cfg  Config
	deps Deps
	log  *zap.SugaredLogger

	// StaleAfter is how old a pending attempt must be before the sweep
	// touches it. Fresh pending rows belong to live runs.
	StaleAfter time.Duration
}

// NewSweeper creates a sweeper over the same collaborators as the
// orchestrator.
func NewSweeper(cfg Config, deps Deps, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Log.With("component", "sweeper"),
		StaleAfter: staleAfter,
	}
}

// Sweep reconciles every stale pending attempt and returns how many it
// finalized. Attempts it cannot resolve are left for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.StaleAfter)
	stale, err := s.deps.Attempts.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, attempt := range stale {
		if err := s.reconcile(ctx, attempt); err != nil {
			s.log.Warnw("failed to reconcile attempt; will retry next sweep",
				"attempt_id", attempt.ID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// reconcile resolves one stranded attempt from its evidence fields.
func (s *Sweeper) reconcile(ctx context.Context, attempt *Attempt) error {
	// No transaction reference: the extension was never submitted, so any
	// recorded debit is provably unredeemed.
	if attempt.TxHash == nil {
		return s.restore(ctx, attempt, "reconciled: stale pending, no submission")
	}

	// A submission exists: trust only the chain. If the key carries the
	// expected expiration the renewal succeeded and only persistence was
	// lost; otherwise the extension never landed.
	actual, err := s.deps.Chain.KeyExpiration(ctx, attempt.TokenID)
	if err != nil {
		return err
	}

	if !actual.Before(attempt.ExpectedExpiration) {
		return s.finalizeSuccess(ctx, attempt, actual)
	}
	return s.restore(ctx, attempt, "reconciled: extension not observed on chain")
}

// restore reverses the attempt's debit, if one was recorded, and finalizes
// the row.
func (s *Sweeper) restore(ctx context.Context, attempt *Attempt, reason string) error {
	restored, err := s.deps.Ledger.Rollback(ctx, attempt.ID, reason)
	switch {
	case err == nil:
		s.log.Infow("reconciliation restored debit",
			"attempt_id", attempt.ID,
			"restored_principal", restored.Principal,
			"restored_fee", restored.Fee)
	case errors.Is(err, ErrAlreadyRolledBack):
		// The run's own compensation got there first; only the row update
		// was lost.
	case errors.Is(err, ErrNoLedgerEntry):
		// Crashed before the debit: nothing to restore.
		return s.deps.Attempts.MarkFailed(ctx, attempt.ID, "reconciled: no debit recorded")
	default:
		return err
	}

	return s.deps.Attempts.MarkRolledBack(ctx, attempt.ID, reason)
}

// finalizeSuccess replays the persistence the crashed run never reached.
// AddFee is idempotent per attempt id, so replaying a run that already
// accrued its fee leaves the treasury untouched, and the fee must land
// before the status transition: once the attempt is terminal the sweeper
// never revisits it.
func (s *Sweeper) finalizeSuccess(ctx context.Context, attempt *Attempt, actual time.Time) error {
	txHash := ""
	if attempt.TxHash != nil {
		txHash = *attempt.TxHash
	}

	if _, err := s.deps.Treasury.AddFee(ctx, attempt.ID, attempt.Fee); err != nil {
		return fmt.Errorf("failed to accumulate treasury fee: %w", err)
	}

	if err := s.deps.Attempts.MarkSuccess(ctx, attempt.ID, actual, txHash); err != nil {
		return err
	}

	if err := s.deps.Grants.Upsert(ctx, Grant{
		UserID:      attempt.UserID,
		LockAddress: attempt.LockAddress,
		TokenID:     attempt.TokenID,
		Expiration:  actual,
		AttemptID:   attempt.ID,
	}); err != nil {
		s.log.Errorw("failed to update grant mirror during reconciliation",
			"attempt_id", attempt.ID, "error", err)
	}

	if err := s.deps.Activity.Append(ctx, Activity{
		UserID:    attempt.UserID,
		AttemptID: attempt.ID,
		Kind:      "key_renewed",
		Detail:    "reconciled after interrupted run",
	}); err != nil {
		s.log.Errorw("failed to append activity entry during reconciliation",
			"attempt_id", attempt.ID, "error", err)
	}

	s.log.Infow("reconciliation finalized interrupted renewal",
		"attempt_id", attempt.ID, "actual_expiration", actual)
	return nil
}
