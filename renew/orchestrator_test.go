package renew

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keygrid/renewd/saga"
)

// Test scenario: a user renews a membership key funded by their XP balance.
// Lock price 100 XP, 10% service fee, base period one month.

const (
	testUser    = "user-1"
	testWallet  = "0x1111111111111111111111111111111111111111"
	testService = "0x2222222222222222222222222222222222222222"
	testLock    = "0x3333333333333333333333333333333333333333"

	monthSeconds = int64(2_592_000)
)

type harness struct {
	ledger   *MemoryLedger
	chain    *MemoryLock
	attempts *MemoryAttemptStore
	mirror   *MemoryMirror
	treasury *MemoryTreasury
	activity *MemoryActivityLog

	baseExpiration time.Time
	orch           *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		ledger:         NewMemoryLedger(),
		chain:          NewMemoryLock(100, monthSeconds),
		attempts:       NewMemoryAttemptStore(),
		mirror:         NewMemoryMirror(),
		treasury:       NewMemoryTreasury(),
		activity:       NewMemoryActivityLog(),
		baseExpiration: time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}

	h.ledger.Credit(testUser, 1000)
	h.chain.AddManager(testService)
	h.chain.GrantKey(testWallet, 7, h.baseExpiration)

	log := zap.NewNop().Sugar()
	h.orch = New(
		Config{LockAddress: testLock, ServiceWallet: testService, FeePercent: 0.10},
		Deps{
			Ledger:   h.ledger,
			Chain:    h.chain,
			Attempts: h.attempts,
			Wallets:  StaticWallets{testUser: testWallet},
			Grants:   h.mirror,
			Treasury: h.treasury,
			Activity: h.activity,
			Notifier: NewLogNotifier(log),
			Journal:  saga.NewMemoryJournal(),
			Log:      log,
		},
	)
	return h
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := h.ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	return balance
}

func (h *harness) attempt(t *testing.T, id string) *Attempt {
	t.Helper()
	attempt, err := h.attempts.Get(context.Background(), id)
	require.NoError(t, err)
	return attempt
}

func TestRenewHappyPath(t *testing.T) {
	h := newHarness(t)

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.True(t, result.Success, "renewal should succeed: %v", result.Err)
	require.NotNil(t, result.Receipt)

	receipt := result.Receipt
	assert.EqualValues(t, 100, receipt.BaseCostXP)
	assert.EqualValues(t, 10, receipt.ServiceFeeXP)
	assert.EqualValues(t, 110, receipt.TotalXPDeducted)
	assert.EqualValues(t, 10, receipt.TreasuryAfterFee)
	assert.NotEmpty(t, receipt.TransactionHash)

	wantExpiration := h.baseExpiration.Add(time.Duration(monthSeconds) * time.Second)
	assert.False(t, receipt.NewExpiration.Before(wantExpiration),
		"new expiration must not be below the expected one")

	assert.EqualValues(t, 890, h.balance(t), "1000 - (100 + 10)")

	// The attempt row carries the full audit record.
	pending, err := h.attempts.ListPendingBefore(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending, "no attempt may remain pending")

	grant, err := h.mirror.GetGrant(context.Background(), testUser, testLock)
	require.NoError(t, err)
	assert.EqualValues(t, 7, grant.TokenID)
	assert.Equal(t, receipt.NewExpiration, grant.Expiration)

	entries := h.activity.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "key_renewed", entries[0].Kind)
	assert.Equal(t, grant.AttemptID, entries[0].AttemptID)

	stored := h.attempt(t, grant.AttemptID)
	assert.Equal(t, AttemptSuccess, stored.Status)
	assert.Equal(t, MethodXPRenewal, stored.Method)
	assert.EqualValues(t, 100, stored.BaseCost)
	assert.EqualValues(t, 10, stored.Fee)
	assert.InDelta(t, 0.10, stored.FeePercent, 1e-9)
	assert.Equal(t, Duration30, stored.DurationClass)
	require.NotNil(t, stored.TxHash)
	assert.Equal(t, receipt.TransactionHash, *stored.TxHash)
	require.NotNil(t, stored.ActualExpiration)
	require.NotNil(t, stored.CompletedAt)
}

func TestRenewTreasuryFaultLeavesAttemptPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// When the fee cannot be accrued the attempt must stay pending so the
	// sweep can finish the accounting; going terminal here would lose the
	// fee for good.
	h.treasury.FailAddFee = true
	result := h.orch.Renew(ctx, testUser, Duration30)
	require.True(t, result.Success, "the benefit was delivered: %v", result.Err)

	pending, err := h.attempts.ListPendingBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, AttemptPending, pending[0].Status)

	total, err := h.treasury.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, h.activity.Entries(), "audit entry waits for the success row")
}

func TestRenewLongerClassesScaleCostAndDuration(t *testing.T) {
	h := newHarness(t)
	h.ledger.Credit(testUser, 10_000)

	result := h.orch.Renew(context.Background(), testUser, Duration365)
	require.True(t, result.Success, "renewal should succeed: %v", result.Err)

	assert.EqualValues(t, 1200, result.Receipt.BaseCostXP)
	assert.EqualValues(t, 120, result.Receipt.ServiceFeeXP)

	wantExpiration := h.baseExpiration.Add(time.Duration(12*monthSeconds) * time.Second)
	assert.False(t, result.Receipt.NewExpiration.Before(wantExpiration))
}

func TestRenewRejectsUnknownDurationClass(t *testing.T) {
	h := newHarness(t)

	result := h.orch.Renew(context.Background(), testUser, DurationClass(45))
	require.False(t, result.Success)

	var verr *ValidationError
	assert.ErrorAs(t, result.Err, &verr)
	assert.Nil(t, result.Recovery, "validation failures have no recovery step")
	assert.EqualValues(t, 1000, h.balance(t), "no side effects before the debit")
}

func TestRenewRejectsUserWithoutKey(t *testing.T) {
	h := newHarness(t)

	orphanWallet := "0x4444444444444444444444444444444444444444"
	h.orch.deps.Wallets = StaticWallets{testUser: orphanWallet}

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)

	var verr *ValidationError
	assert.ErrorAs(t, result.Err, &verr)
	assert.EqualValues(t, 1000, h.balance(t))
}

func TestRenewRejectsInsufficientBalanceBeforeSideEffects(t *testing.T) {
	h := newHarness(t)
	ledger := NewMemoryLedger()
	ledger.Credit(testUser, 50)
	h.orch.deps.Ledger = ledger

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, result.Err, &insufficient)
	assert.EqualValues(t, 50, insufficient.Balance)
	assert.EqualValues(t, 110, insufficient.Required)

	balance, err := ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)

	pending, err := h.attempts.ListPendingBefore(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending, "no attempt record before the quote clears")
}

func TestRenewAttemptCreateFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.attempts.FailCreate = true

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)
	require.NotNil(t, result.Recovery)
	assert.Equal(t, RecoveryRetry, result.Recovery.Action)
	assert.Empty(t, result.Recovery.AttemptID)
	assert.EqualValues(t, 1000, h.balance(t), "no funds deducted")
}

func TestRenewDebitFaultGoesToManualReview(t *testing.T) {
	h := newHarness(t)
	h.ledger.FailDebit = true

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)

	var lerr *LedgerError
	assert.ErrorAs(t, result.Err, &lerr)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, RecoveryManualReview, result.Recovery.Action)
	require.NotEmpty(t, result.Recovery.AttemptID)

	stored := h.attempt(t, result.Recovery.AttemptID)
	assert.Equal(t, AttemptFailed, stored.Status)
	assert.EqualValues(t, 1000, h.balance(t))
}

func TestRenewAuthorizationFaultRollsBackAndFlagsReview(t *testing.T) {
	h := newHarness(t)
	h.chain = NewMemoryLock(100, monthSeconds) // no manager grant
	h.chain.GrantKey(testWallet, 7, h.baseExpiration)
	h.orch.deps.Chain = h.chain

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)

	var authErr *AuthorizationConfigError
	require.ErrorAs(t, result.Err, &authErr)
	assert.Equal(t, testService, authErr.Wallet)
	assert.Equal(t, testLock, authErr.Lock)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, RecoveryManualReview, result.Recovery.Action)
	require.NotEmpty(t, result.Recovery.AttemptID, "the attempt id is always surfaced for review")

	assert.EqualValues(t, 1000, h.balance(t), "principal and fee fully restored")

	stored := h.attempt(t, result.Recovery.AttemptID)
	assert.Equal(t, AttemptRolledBack, stored.Status)
	assert.Equal(t, "not_authorized", stored.FailureReason)

	total, err := h.treasury.Total(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total, "rollbacks never reach the treasury")
}

func TestRenewSubmitFailureRollsBackAndIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.chain.FailSubmit = true

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)

	var chainErr *OnChainExecutionError
	require.ErrorAs(t, result.Err, &chainErr)
	assert.Equal(t, "submit", chainErr.Stage)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, RecoveryRetry, result.Recovery.Action)
	assert.EqualValues(t, 1000, h.balance(t))

	stored := h.attempt(t, result.Recovery.AttemptID)
	assert.Equal(t, AttemptRolledBack, stored.Status)
	assert.Equal(t, "on_chain_failed", stored.FailureReason)
	assert.Nil(t, stored.TxHash, "nothing was submitted")
}

func TestRenewRevertRollsBackFullAmount(t *testing.T) {
	h := newHarness(t)
	h.chain.FailConfirm = true

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)

	var chainErr *OnChainExecutionError
	require.ErrorAs(t, result.Err, &chainErr)
	assert.Equal(t, "confirm", chainErr.Stage)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, RecoveryRetry, result.Recovery.Action)

	assert.EqualValues(t, 1000, h.balance(t), "the full 110, fee included, is restored")

	// The key was never extended.
	expiration, err := h.chain.KeyExpiration(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, expiration.Equal(h.baseExpiration))

	stored := h.attempt(t, result.Recovery.AttemptID)
	assert.Equal(t, AttemptRolledBack, stored.Status)
	require.NotNil(t, stored.TxHash, "the submitted hash survives for reconciliation")
}

func TestRenewRollbackFailureRequiresManualReview(t *testing.T) {
	h := newHarness(t)
	h.chain.FailConfirm = true
	h.ledger.FailRollback = true

	result := h.orch.Renew(context.Background(), testUser, Duration30)
	require.False(t, result.Success)

	var rollbackErr *RollbackFailureError
	require.ErrorAs(t, result.Err, &rollbackErr)
	require.NotEmpty(t, rollbackErr.AttemptID)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, RecoveryManualReview, result.Recovery.Action)
	assert.Equal(t, rollbackErr.AttemptID, result.Recovery.AttemptID)

	// The debit stands until a human intervenes; nothing silently repairs
	// or re-spends it.
	assert.EqualValues(t, 890, h.balance(t))
}

func TestRenewConcurrentRunsNeverOverspend(t *testing.T) {
	h := newHarness(t)
	ledger := NewMemoryLedger()
	ledger.Credit(testUser, 150) // covers one renewal at 110, not two
	h.orch.deps.Ledger = ledger

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.Renew(context.Background(), testUser, Duration30)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, result := range results {
		if result.Success {
			successes++
		}
	}
	assert.LessOrEqual(t, successes, 1, "the balance covers at most one renewal")

	balance, err := ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	assert.EqualValues(t, 150-int64(successes)*110, balance,
		"every debit is matched by a benefit or a full restoration")
}

func TestRollbackIsIdempotent(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Credit(testUser, 1000)
	ctx := context.Background()

	_, err := ledger.Debit(ctx, testUser, "attempt-1", 100, 10)
	require.NoError(t, err)

	restored, err := ledger.Rollback(ctx, "attempt-1", "on_chain_failed")
	require.NoError(t, err)
	assert.EqualValues(t, 100, restored.Principal)
	assert.EqualValues(t, 10, restored.Fee)

	_, err = ledger.Rollback(ctx, "attempt-1", "on_chain_failed")
	require.ErrorIs(t, err, ErrAlreadyRolledBack)

	balance, err := ledger.Balance(ctx, testUser)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, balance, "a second rollback is never a second credit")
}

func TestDebitIsIdempotentPerAttempt(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Credit(testUser, 1000)
	ctx := context.Background()

	first, err := ledger.Debit(ctx, testUser, "attempt-1", 100, 10)
	require.NoError(t, err)

	replay, err := ledger.Debit(ctx, testUser, "attempt-1", 100, 10)
	require.NoError(t, err)
	assert.Equal(t, first, replay)

	balance, err := ledger.Balance(ctx, testUser)
	require.NoError(t, err)
	assert.EqualValues(t, 890, balance, "replays never debit twice")
}

func TestRollbackWithoutDebitReportsNoEntry(t *testing.T) {
	ledger := NewMemoryLedger()
	_, err := ledger.Rollback(context.Background(), "never-debited", "saga_failed")
	require.ErrorIs(t, err, ErrNoLedgerEntry)
}

func TestTerminalAttemptsAreImmutable(t *testing.T) {
	store := NewMemoryAttemptStore()
	ctx := context.Background()

	attempt := &Attempt{ID: "attempt-1", UserID: testUser, Status: AttemptPending}
	require.NoError(t, store.Create(ctx, attempt))
	require.NoError(t, store.MarkRolledBack(ctx, "attempt-1", "on_chain_failed"))

	err := store.MarkSuccess(ctx, "attempt-1", time.Now(), "0xabc")
	require.Error(t, err, "terminal states never regress")

	err = store.MarkFailed(ctx, "attempt-1", "later failure")
	require.Error(t, err)
}
