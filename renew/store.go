package renew

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AttemptStore persists renewal attempts. Implementations must enforce the
// monotonic status lifecycle: a terminal attempt is never modified again.
type AttemptStore interface {
	// Create persists a new attempt with status pending.
	Create(ctx context.Context, attempt *Attempt) error

	// Get retrieves an attempt by id.
	Get(ctx context.Context, id string) (*Attempt, error)

	// RecordTxHash stores the transaction reference as soon as the
	// extension is submitted, before confirmation, so a crashed run can
	// still be reconciled against the chain.
	RecordTxHash(ctx context.Context, id, txHash string) error

	// MarkSuccess finalizes the attempt with the expiration read back from
	// the chain.
	MarkSuccess(ctx context.Context, id string, actualExpiration time.Time, txHash string) error

	// MarkFailed finalizes the attempt without a ledger reversal. Used when
	// the debit itself failed.
	MarkFailed(ctx context.Context, id, reason string) error

	// MarkRolledBack finalizes the attempt after its debit has been fully
	// reversed, recording why.
	MarkRolledBack(ctx context.Context, id, reason string) error

	// ListPendingBefore returns attempts still pending that were created
	// before the cutoff. The reconciliation sweep uses this to find runs
	// stranded by a crash.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Attempt, error)
}

// MemoryAttemptStore provides an in-memory implementation of AttemptStore
// for testing.
type MemoryAttemptStore struct {
	attempts map[string]*Attempt
	mu       sync.RWMutex

	// FailCreate makes Create return an error, for exercising the
	// attempt-create failure branch.
	FailCreate bool

	// FailMarkSuccess makes MarkSuccess return an error, stranding the
	// attempt in pending for the reconciliation sweep to finalize.
	FailMarkSuccess bool
}

// NewMemoryAttemptStore creates a new in-memory attempt store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		attempts: make(map[string]*Attempt),
	}
}

// Create stores a new pending attempt.
func (m *MemoryAttemptStore) Create(ctx context.Context, attempt *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate {
		return fmt.Errorf("attempt store unavailable")
	}
	if _, exists := m.attempts[attempt.ID]; exists {
		return fmt.Errorf("attempt %s already exists", attempt.ID)
	}

	stored := *attempt
	stored.Status = AttemptPending
	stored.CreatedAt = time.Now()
	m.attempts[attempt.ID] = &stored
	attempt.Status = stored.Status
	attempt.CreatedAt = stored.CreatedAt
	return nil
}

// Get retrieves a copy of the attempt.
func (m *MemoryAttemptStore) Get(ctx context.Context, id string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempt, exists := m.attempts[id]
	if !exists {
		return nil, fmt.Errorf("attempt %s not found", id)
	}
	cp := *attempt
	return &cp, nil
}

// RecordTxHash stores the transaction reference on a live attempt.
func (m *MemoryAttemptStore) RecordTxHash(ctx context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, exists := m.attempts[id]
	if !exists {
		return fmt.Errorf("attempt %s not found", id)
	}
	if attempt.Status.Terminal() {
		return fmt.Errorf("attempt %s is already %s", id, attempt.Status)
	}
	attempt.TxHash = &txHash
	return nil
}

// MarkSuccess finalizes the attempt as successful.
func (m *MemoryAttemptStore) MarkSuccess(ctx context.Context, id string, actualExpiration time.Time, txHash string) error {
	m.mu.Lock()
	if m.FailMarkSuccess {
		m.mu.Unlock()
		return fmt.Errorf("attempt store unavailable")
	}
	m.mu.Unlock()
	return m.finalize(id, AttemptSuccess, "", func(a *Attempt) {
		a.ActualExpiration = &actualExpiration
		a.TxHash = &txHash
	})
}

// MarkFailed finalizes the attempt as failed.
func (m *MemoryAttemptStore) MarkFailed(ctx context.Context, id, reason string) error {
	return m.finalize(id, AttemptFailed, reason, nil)
}

// MarkRolledBack finalizes the attempt as rolled back.
func (m *MemoryAttemptStore) MarkRolledBack(ctx context.Context, id, reason string) error {
	return m.finalize(id, AttemptRolledBack, reason, nil)
}

// ListPendingBefore returns copies of pending attempts older than cutoff.
func (m *MemoryAttemptStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*Attempt
	for _, attempt := range m.attempts {
		if attempt.Status == AttemptPending && attempt.CreatedAt.Before(cutoff) {
			cp := *attempt
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (m *MemoryAttemptStore) finalize(id string, status AttemptStatus, reason string, update func(*Attempt)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, exists := m.attempts[id]
	if !exists {
		return fmt.Errorf("attempt %s not found", id)
	}
	if attempt.Status.Terminal() {
		return fmt.Errorf("attempt %s is already %s, cannot move to %s", id, attempt.Status, status)
	}

	if update != nil {
		update(attempt)
	}
	attempt.Status = status
	attempt.FailureReason = reason
	now := time.Now()
	attempt.CompletedAt = &now
	return nil
}
