package renew

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyRolledBack is returned by LedgerPort.Rollback when the debit
// tied to the attempt id has already been reversed. A second rollback is
// never a second credit.
var ErrAlreadyRolledBack = errors.New("ledger entry already rolled back")

// ErrNoLedgerEntry is returned by LedgerPort.Rollback when no debit was
// ever recorded for the attempt id.
var ErrNoLedgerEntry = errors.New("no ledger entry for attempt")

// DebitResult is the outcome of a successful debit.
type DebitResult struct {
	NewBalance int64
}

// Restored is the outcome of a successful rollback.
type Restored struct {
	Principal int64
	Fee       int64
}

// LedgerPort mutates the per-user experience-point balance. Every mutation
// is scoped to exactly one attempt id.
//
// Debit must be a single atomic operation at the data layer, not a
// read-then-write sequence: it is the sole synchronization point between
// concurrent renewals from the same user. It must also be idempotent per
// attempt id: a replay returns the originally recorded result without
// debiting again.
//
// Rollback must restore principal and fee in one atomic step, at most once
// per attempt id.
type LedgerPort interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, userID, attemptID string, principal, fee int64) (DebitResult, error)
	Rollback(ctx context.Context, attemptID, reason string) (Restored, error)
}

type ledgerEntry struct {
	userID    string
	principal int64
	fee       int64
	reversed  bool
	reason    string
	result    DebitResult
}

// MemoryLedger provides an in-memory implementation of LedgerPort for
// testing. A single mutex stands in for the data layer's atomicity.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]int64
	entries  map[string]*ledgerEntry

	// FailDebit and FailRollback force the corresponding operation to
	// error, for exercising the ledger-fault branches.
	FailDebit    bool
	FailRollback bool
}

// NewMemoryLedger creates an in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		entries:  make(map[string]*ledgerEntry),
	}
}

// Credit seeds a user's balance. Test setup only.
func (m *MemoryLedger) Credit(userID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
}

// Balance returns the user's current balance.
func (m *MemoryLedger) Balance(ctx context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[userID], nil
}

// Debit atomically removes principal+fee from the user's balance, recording
// the movement against the attempt id. Replays with the same attempt id
// return the recorded result without a second debit.
func (m *MemoryLedger) Debit(ctx context.Context, userID, attemptID string, principal, fee int64) (DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailDebit {
		return DebitResult{}, fmt.Errorf("ledger unavailable")
	}

	if entry, exists := m.entries[attemptID]; exists {
		return entry.result, nil
	}

	total := principal + fee
	balance := m.balances[userID]
	if balance < total {
		return DebitResult{}, &InsufficientBalanceError{Balance: balance, Required: total}
	}

	m.balances[userID] = balance - total
	m.entries[attemptID] = &ledgerEntry{
		userID:    userID,
		principal: principal,
		fee:       fee,
		result:    DebitResult{NewBalance: balance - total},
	}
	return DebitResult{NewBalance: balance - total}, nil
}

// Rollback atomically restores the full debit (principal and fee) recorded
// for the attempt id.
func (m *MemoryLedger) Rollback(ctx context.Context, attemptID, reason string) (Restored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailRollback {
		return Restored{}, fmt.Errorf("ledger unavailable")
	}

	entry, exists := m.entries[attemptID]
	if !exists {
		return Restored{}, fmt.Errorf("%w: %s", ErrNoLedgerEntry, attemptID)
	}
	if entry.reversed {
		return Restored{}, ErrAlreadyRolledBack
	}

	entry.reversed = true
	entry.reason = reason
	m.balances[entry.userID] += entry.principal + entry.fee
	return Restored{Principal: entry.principal, Fee: entry.fee}, nil
}
