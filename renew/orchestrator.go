package renew

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keygrid/renewd/saga"
)

// SagaName identifies renewal runs in the saga journal.
const SagaName = "xp_renewal"

// The renewal saga's phases, in execution order.
const (
	PhaseValidate           saga.PhaseName = "validate"
	PhaseCreateAttempt      saga.PhaseName = "create_attempt"
	PhaseDebitLedger        saga.PhaseName = "debit_ledger"
	PhaseCheckAuthorization saga.PhaseName = "check_authorization"
	PhaseExtendKey          saga.PhaseName = "extend_key"
	PhaseConfirmExtension   saga.PhaseName = "confirm_extension"
	PhasePersistSuccess     saga.PhaseName = "persist_success"
)

// Config carries the deployment facts the orchestrator needs.
type Config struct {
	// LockAddress is the lock contract whose keys are renewed.
	LockAddress string
	// ServiceWallet is the address that submits extensions. It must hold
	// manager authority over the lock.
	ServiceWallet string
	// FeePercent is the service fee taken on top of the base cost,
	// e.g. 0.10 for 10%.
	FeePercent float64
}

// Deps are the collaborators the orchestrator coordinates.
type Deps struct {
	Ledger   LedgerPort
	Chain    OnChainPort
	Attempts AttemptStore
	Wallets  WalletResolver
	Grants   GrantMirror
	Treasury Treasury
	Activity ActivityLog
	Notifier Notifier
	Journal  saga.Journal
	Log      *zap.SugaredLogger
}

// Orchestrator runs the renewal saga: it validates a request, computes the
// cost, atomically debits the ledger, extends the key on chain, confirms
// the extension, and persists success, rolling the debit back when the
// chain half fails. The ledger and the chain cannot share a commit, so the
// attempt row created before the debit is the durable recovery point for
// every partial-failure case.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.SugaredLogger
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With("saga", SagaName),
	}
}

// runState is the mutable state threaded through one saga run.
type runState struct {
	userID string
	class  DurationClass

	wallet       string
	quote        Quote
	tokenID      uint64
	addedSeconds int64
	currentExp   time.Time
	expectedExp  time.Time

	attempt       *Attempt
	newBalance    int64
	txHash        string
	actualExp     time.Time
	treasuryAfter int64
}

// Renew runs one renewal saga for the user. It always returns a Result;
// the Err and Recovery fields carry the failure taxonomy and the safe next
// step for the caller.
func (o *Orchestrator) Renew(ctx context.Context, userID string, class DurationClass) Result {
	state := &runState{userID: userID, class: class}

	registry := saga.NewRegistry()
	for _, phase := range o.phases(state) {
		if err := registry.Register(phase); err != nil {
			return Result{Err: err, Recovery: &Recovery{Action: RecoveryManualReview}}
		}
	}

	plan, err := saga.Sequence(SagaName,
		PhaseValidate,
		PhaseCreateAttempt,
		PhaseDebitLedger,
		PhaseCheckAuthorization,
		PhaseExtendKey,
		PhaseConfirmExtension,
		PhasePersistSuccess,
	)
	if err != nil {
		return Result{Err: err, Recovery: &Recovery{Action: RecoveryManualReview}}
	}

	runner := saga.NewRunner(plan, registry, o.deps.Journal, o.log)
	_, runErr := runner.Execute(ctx)
	if runErr == nil {
		return Result{
			Success: true,
			Receipt: &Receipt{
				BaseCostXP:       state.quote.BaseCost,
				ServiceFeeXP:     state.quote.Fee,
				TotalXPDeducted:  state.quote.Total,
				NewExpiration:    state.actualExp,
				TransactionHash:  state.txHash,
				TreasuryAfterFee: state.treasuryAfter,
			},
		}
	}

	return o.failureResult(ctx, state, runErr)
}

// phases builds the saga's phase commands over the shared run state.
func (o *Orchestrator) phases(state *runState) []saga.Phase {
	return []saga.Phase{
		saga.NewPhaseNoCompensate(PhaseValidate, func(ctx context.Context, _ *saga.Run) (any, error) {
			return o.validate(ctx, state)
		}),
		saga.NewPhaseNoCompensate(PhaseCreateAttempt, func(ctx context.Context, _ *saga.Run) (any, error) {
			return o.createAttempt(ctx, state)
		}),
		saga.NewPhase(PhaseDebitLedger,
			func(ctx context.Context, _ *saga.Run) (any, error) {
				return o.debit(ctx, state)
			},
			func(ctx context.Context, run *saga.Run) error {
				return o.rollbackDebit(ctx, state, run.Cause())
			},
		),
		saga.NewPhaseNoCompensate(PhaseCheckAuthorization, func(ctx context.Context, _ *saga.Run) (any, error) {
			return o.checkAuthorization(ctx)
		}),
		saga.NewPhaseNoCompensate(PhaseExtendKey, func(ctx context.Context, _ *saga.Run) (any, error) {
			return o.extendKey(ctx, state)
		}),
		saga.NewPhaseNoCompensate(PhaseConfirmExtension, func(ctx context.Context, _ *saga.Run) (any, error) {
			return o.confirmExtension(ctx, state)
		}),
		saga.NewPhaseNoCompensate(PhasePersistSuccess, func(ctx context.Context, _ *saga.Run) (any, error) {
			return o.persistSuccess(ctx, state)
		}),
	}
}

// validate prices the renewal and confirms eligibility. Everything here is
// a read: a failure is terminal with no side effects.
func (o *Orchestrator) validate(ctx context.Context, state *runState) (any, error) {
	if !state.class.Valid() {
		return nil, Validationf("unsupported duration class: %d", state.class)
	}

	wallet, err := o.deps.Wallets.WalletOf(ctx, state.userID)
	if err != nil {
		return nil, err
	}
	state.wallet = wallet

	keyPrice, err := o.deps.Chain.KeyPrice(ctx)
	if err != nil {
		return nil, &OnChainExecutionError{Stage: "read", Err: err}
	}

	quote, err := NewQuote(keyPrice, o.cfg.FeePercent, state.class)
	if err != nil {
		return nil, err
	}
	state.quote = quote

	tokenID, err := o.deps.Chain.KeyOf(ctx, wallet)
	if err != nil {
		if errors.Is(err, ErrNoKey) {
			return nil, Validationf("user %s owns no key on lock %s", state.userID, o.cfg.LockAddress)
		}
		return nil, &OnChainExecutionError{Stage: "read", Err: err}
	}
	state.tokenID = tokenID

	balance, err := o.deps.Ledger.Balance(ctx, state.userID)
	if err != nil {
		return nil, LedgerFailed(err)
	}
	if balance < quote.Total {
		return nil, &InsufficientBalanceError{Balance: balance, Required: quote.Total}
	}

	currentExp, err := o.deps.Chain.KeyExpiration(ctx, tokenID)
	if err != nil {
		return nil, &OnChainExecutionError{Stage: "read", Err: err}
	}
	state.currentExp = currentExp

	baseSeconds, err := o.deps.Chain.ExpirationDuration(ctx)
	if err != nil {
		return nil, &OnChainExecutionError{Stage: "read", Err: err}
	}
	added, err := AddedDuration(baseSeconds, state.class)
	if err != nil {
		return nil, err
	}
	state.addedSeconds = added
	expected, err := ExpectedExpiration(currentExp, baseSeconds, state.class)
	if err != nil {
		return nil, err
	}
	state.expectedExp = expected

	return quote, nil
}

// createAttempt writes the durable recovery point. From here on, every
// failure is reconcilable from the attempt row alone.
func (o *Orchestrator) createAttempt(ctx context.Context, state *runState) (any, error) {
	attempt := &Attempt{
		ID:                 uuid.NewString(),
		UserID:             state.userID,
		LockAddress:        o.cfg.LockAddress,
		TokenID:            state.tokenID,
		Method:             MethodXPRenewal,
		BaseCost:           state.quote.BaseCost,
		Fee:                state.quote.Fee,
		FeePercent:         state.quote.FeePercent,
		DurationClass:      state.class,
		ExpectedExpiration: state.expectedExp,
	}
	if err := o.deps.Attempts.Create(ctx, attempt); err != nil {
		return nil, err
	}
	state.attempt = attempt
	return attempt.ID, nil
}

// debit spends the quoted total against the attempt id. The ledger's
// atomicity is the only synchronization between concurrent renewals.
func (o *Orchestrator) debit(ctx context.Context, state *runState) (any, error) {
	result, err := o.deps.Ledger.Debit(ctx, state.userID, state.attempt.ID, state.quote.BaseCost, state.quote.Fee)
	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			return nil, err
		}
		return nil, LedgerFailed(err)
	}
	state.newBalance = result.NewBalance
	return result, nil
}

// rollbackDebit is the debit's compensation: restore principal and fee in
// one step and finalize the attempt as rolled back. The cause of the
// unwind decides the recorded reason.
func (o *Orchestrator) rollbackDebit(ctx context.Context, state *runState, cause error) error {
	ctx = context.WithoutCancel(ctx)
	reason := rollbackReason(cause)

	restored, err := o.deps.Ledger.Rollback(ctx, state.attempt.ID, reason)
	if err != nil && !errors.Is(err, ErrAlreadyRolledBack) {
		return err
	}

	if err := o.deps.Attempts.MarkRolledBack(ctx, state.attempt.ID, reason); err != nil {
		// The funds are restored; a stale pending row is reconciled by the
		// sweeper, which tolerates the already-reversed ledger entry.
		o.log.Warnw("failed to mark attempt rolled back",
			"attempt_id", state.attempt.ID, "error", err)
	}

	o.log.Infow("ledger debit rolled back",
		"attempt_id", state.attempt.ID,
		"reason", reason,
		"restored_principal", restored.Principal,
		"restored_fee", restored.Fee)
	return nil
}

// rollbackReason maps the failure that triggered the unwind to the reason
// recorded with the reversal.
func rollbackReason(cause error) string {
	var authErr *AuthorizationConfigError
	if errors.As(cause, &authErr) {
		return "not_authorized"
	}
	var chainErr *OnChainExecutionError
	if errors.As(cause, &chainErr) {
		return "on_chain_failed"
	}
	return "saga_failed"
}

// checkAuthorization verifies the service wallet still holds manager
// authority, before any transaction is submitted.
func (o *Orchestrator) checkAuthorization(ctx context.Context) (any, error) {
	// Past the debit, the saga must reach a terminal state; client
	// cancellation no longer applies.
	ctx = context.WithoutCancel(ctx)

	ok, err := o.deps.Chain.IsLockManager(ctx, o.cfg.ServiceWallet)
	if err != nil {
		return nil, &OnChainExecutionError{Stage: "read", Err: err}
	}
	if !ok {
		return nil, &AuthorizationConfigError{Wallet: o.cfg.ServiceWallet, Lock: o.cfg.LockAddress}
	}
	return true, nil
}

// extendKey submits the extension and persists the transaction reference
// before confirmation so it is recoverable.
func (o *Orchestrator) extendKey(ctx context.Context, state *runState) (any, error) {
	ctx = context.WithoutCancel(ctx)

	txHash, err := o.deps.Chain.ExtendKey(ctx, state.tokenID, state.addedSeconds)
	if err != nil {
		return nil, &OnChainExecutionError{Stage: "submit", Err: err}
	}
	state.txHash = txHash

	if err := o.deps.Attempts.RecordTxHash(ctx, state.attempt.ID, txHash); err != nil {
		o.log.Warnw("failed to record tx hash on attempt",
			"attempt_id", state.attempt.ID, "tx_hash", txHash, "error", err)
	}
	return txHash, nil
}

// confirmExtension waits for the transaction and independently re-reads the
// key's expiration; the submitted value is never trusted.
func (o *Orchestrator) confirmExtension(ctx context.Context, state *runState) (any, error) {
	ctx = context.WithoutCancel(ctx)

	if err := o.deps.Chain.WaitExtended(ctx, state.txHash); err != nil {
		return nil, &OnChainExecutionError{Stage: "confirm", Err: err}
	}

	actual, err := o.deps.Chain.KeyExpiration(ctx, state.tokenID)
	if err != nil {
		return nil, &OnChainExecutionError{Stage: "verify", Err: err}
	}
	if actual.Before(state.expectedExp) {
		return nil, &OnChainExecutionError{
			Stage: "verify",
			Err:   Validationf("expiration %s below expected %s", actual, state.expectedExp),
		}
	}
	state.actualExp = actual
	return actual, nil
}

// persistSuccess finalizes the saga. The on-chain benefit is already
// delivered, so nothing here may trigger a ledger rollback: persistence
// faults are logged and the attempt stays pending for the reconciliation
// sweep, and notification is fire and forget.
//
// Ordering matters here. The fee accrues before the status transition so a
// terminal-success attempt always has its fee counted, and the activity
// entry is appended only after the transition lands so a sweeper replay
// never duplicates it. AddFee is idempotent per attempt id, which makes the
// replay of a run that crashed between accrual and transition safe.
func (o *Orchestrator) persistSuccess(ctx context.Context, state *runState) (any, error) {
	ctx = context.WithoutCancel(ctx)
	attemptID := state.attempt.ID

	if err := o.deps.Grants.Upsert(ctx, Grant{
		UserID:      state.userID,
		LockAddress: o.cfg.LockAddress,
		TokenID:     state.tokenID,
		Expiration:  state.actualExp,
		AttemptID:   attemptID,
	}); err != nil {
		o.log.Errorw("failed to update activation grant mirror",
			"attempt_id", attemptID, "error", err)
	}

	total, feeErr := o.deps.Treasury.AddFee(ctx, attemptID, state.quote.Fee)
	if feeErr != nil {
		o.log.Errorw("failed to accumulate treasury fee; sweeper will reconcile",
			"attempt_id", attemptID, "fee", state.quote.Fee, "error", feeErr)
	} else {
		state.treasuryAfter = total
	}

	if feeErr == nil {
		if err := o.deps.Attempts.MarkSuccess(ctx, attemptID, state.actualExp, state.txHash); err != nil {
			o.log.Errorw("failed to mark attempt success; sweeper will reconcile",
				"attempt_id", attemptID, "error", err)
		} else if err := o.deps.Activity.Append(ctx, Activity{
			UserID:    state.userID,
			AttemptID: attemptID,
			Kind:      "key_renewed",
			Detail:    state.actualExp.UTC().Format(time.RFC3339),
		}); err != nil {
			o.log.Errorw("failed to append activity entry",
				"attempt_id", attemptID, "error", err)
		}
	}

	if err := o.deps.Notifier.RenewalCompleted(ctx, Notification{
		UserID:        state.userID,
		AttemptID:     attemptID,
		NewExpiration: state.actualExp,
		TotalDeducted: state.quote.Total,
	}); err != nil {
		o.log.Warnw("renewal notification failed",
			"attempt_id", attemptID, "error", err)
	}

	return attemptID, nil
}

// failureResult maps a saga failure onto the client-facing taxonomy and
// recovery action. Every branch logs the attempt id when one exists so
// ledger and chain state can be cross-checked independently of the
// response.
func (o *Orchestrator) failureResult(ctx context.Context, state *runState, runErr error) Result {
	attemptID := ""
	if state.attempt != nil {
		attemptID = state.attempt.ID
	}

	var compErr *saga.CompensationError
	if errors.As(runErr, &compErr) {
		err := &RollbackFailureError{
			AttemptID:   attemptID,
			Cause:       compErr.Cause.Err,
			RollbackErr: compErr.Err,
		}
		o.log.Errorw("rollback failed; manual review required",
			"attempt_id", attemptID, "cause", compErr.Cause.Err, "error", compErr.Err)
		return Result{
			Err: err,
			Recovery: &Recovery{
				Action:    RecoveryManualReview,
				Message:   "funds could not be restored automatically; support has been flagged",
				AttemptID: attemptID,
			},
		}
	}

	var phaseErr *saga.PhaseError
	if !errors.As(runErr, &phaseErr) {
		o.log.Errorw("renewal failed", "attempt_id", attemptID, "error", runErr)
		return Result{
			Err:      runErr,
			Recovery: &Recovery{Action: RecoveryManualReview, AttemptID: attemptID},
		}
	}

	cause := phaseErr.Err
	switch phaseErr.Phase {
	case PhaseValidate:
		return Result{Err: cause}

	case PhaseCreateAttempt:
		o.log.Errorw("failed to create attempt record", "user_id", state.userID, "error", cause)
		return Result{
			Err: cause,
			Recovery: &Recovery{
				Action:  RecoveryRetry,
				Message: "no funds were deducted; safe to retry",
			},
		}

	case PhaseDebitLedger:
		// The debit itself failed: nothing to reverse, but the cause is
		// ambiguous between client and system error, so route to review.
		if err := o.deps.Attempts.MarkFailed(context.WithoutCancel(ctx), attemptID, cause.Error()); err != nil {
			o.log.Warnw("failed to mark attempt failed", "attempt_id", attemptID, "error", err)
		}
		o.log.Errorw("ledger debit failed", "attempt_id", attemptID, "error", cause)
		return Result{
			Err: cause,
			Recovery: &Recovery{
				Action:    RecoveryManualReview,
				Message:   "the deduction could not be completed",
				AttemptID: attemptID,
			},
		}

	case PhaseCheckAuthorization:
		o.log.Errorw("service wallet not authorized; debit rolled back",
			"attempt_id", attemptID, "error", cause)
		return Result{
			Err: cause,
			Recovery: &Recovery{
				Action:    RecoveryManualReview,
				Message:   "service configuration fault; funds fully restored",
				AttemptID: attemptID,
			},
		}

	default:
		o.log.Errorw("on-chain extension failed; debit rolled back",
			"attempt_id", attemptID, "phase", phaseErr.Phase, "error", cause)
		return Result{
			Err: cause,
			Recovery: &Recovery{
				Action:    RecoveryRetry,
				Message:   "funds fully restored; safe to retry",
				AttemptID: attemptID,
			},
		}
	}
}
