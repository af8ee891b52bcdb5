package renew

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoKey is returned by KeyOf when the owner holds no key on the lock.
var ErrNoKey = errors.New("owner holds no key on this lock")

// OnChainPort is the contract surface the saga consumes: reads of the
// lock's pricing and key state, plus the key-extension write from the
// service wallet.
//
// ExtendKey returns the transaction reference immediately, before
// confirmation, so it can be persisted and recovered. WaitExtended blocks
// until the transaction is mined or reverts; after it returns, callers must
// independently re-read the key's expiration rather than trusting the
// submitted value.
//
// Implementations must serialize submissions from the service wallet: one
// in-flight extension at a time, so concurrent renewals do not race on the
// wallet's transaction ordering.
type OnChainPort interface {
	// KeyPrice returns the lock's current unit price in the smallest unit.
	KeyPrice(ctx context.Context) (int64, error)

	// ExpirationDuration returns the lock's base renewal period in seconds.
	ExpirationDuration(ctx context.Context) (int64, error)

	// IsLockManager reports whether the address holds manager authority
	// over the lock.
	IsLockManager(ctx context.Context, address string) (bool, error)

	// KeyOf resolves the token currently owned by the wallet, or ErrNoKey.
	KeyOf(ctx context.Context, owner string) (uint64, error)

	// KeyExpiration reads the token's expiration timestamp.
	KeyExpiration(ctx context.Context, tokenID uint64) (time.Time, error)

	// ExtendKey submits the key extension from the service wallet and
	// returns the transaction hash without waiting for confirmation.
	ExtendKey(ctx context.Context, tokenID uint64, durationSeconds int64) (string, error)

	// WaitExtended blocks until the submitted transaction is mined, and
	// errors if it reverted.
	WaitExtended(ctx context.Context, txHash string) error
}

// MemoryLock is an in-memory lock contract for testing. Extensions are
// applied at confirmation time so a forced revert leaves the key untouched,
// matching a real chain.
type MemoryLock struct {
	mu sync.Mutex

	keyPrice     int64
	baseDuration int64
	managers     map[string]bool
	keys         map[string]uint64    // owner -> token id
	expirations  map[uint64]time.Time // token id -> expiration
	pending      map[string]pendingExtension
	nextTx       int

	// FailSubmit and FailConfirm force the corresponding stage to error.
	FailSubmit  bool
	FailConfirm bool
}

type pendingExtension struct {
	tokenID uint64
	seconds int64
}

// NewMemoryLock creates an in-memory lock with the given pricing.
func NewMemoryLock(keyPrice, baseDurationSeconds int64) *MemoryLock {
	return &MemoryLock{
		keyPrice:     keyPrice,
		baseDuration: baseDurationSeconds,
		managers:     make(map[string]bool),
		keys:         make(map[string]uint64),
		expirations:  make(map[uint64]time.Time),
		pending:      make(map[string]pendingExtension),
	}
}

// AddManager grants manager authority to an address.
func (m *MemoryLock) AddManager(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managers[address] = true
}

// GrantKey mints a key for the owner with the given expiration. Test setup
// only; the saga never creates keys.
func (m *MemoryLock) GrantKey(owner string, tokenID uint64, expiration time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[owner] = tokenID
	m.expirations[tokenID] = expiration
}

// KeyPrice returns the configured unit price.
func (m *MemoryLock) KeyPrice(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyPrice, nil
}

// ExpirationDuration returns the configured base renewal period.
func (m *MemoryLock) ExpirationDuration(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseDuration, nil
}

// IsLockManager reports whether the address was added as a manager.
func (m *MemoryLock) IsLockManager(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.managers[address], nil
}

// KeyOf resolves the owner's token.
func (m *MemoryLock) KeyOf(ctx context.Context, owner string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokenID, ok := m.keys[owner]
	if !ok {
		return 0, ErrNoKey
	}
	return tokenID, nil
}

// KeyExpiration reads the token's expiration.
func (m *MemoryLock) KeyExpiration(ctx context.Context, tokenID uint64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiration, ok := m.expirations[tokenID]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown token id %d", tokenID)
	}
	return expiration, nil
}

// ExtendKey records a pending extension and returns its transaction hash.
func (m *MemoryLock) ExtendKey(ctx context.Context, tokenID uint64, durationSeconds int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSubmit {
		return "", fmt.Errorf("transaction submission rejected")
	}
	if _, ok := m.expirations[tokenID]; !ok {
		return "", fmt.Errorf("unknown token id %d", tokenID)
	}

	m.nextTx++
	txHash := fmt.Sprintf("0xmem%08d", m.nextTx)
	m.pending[txHash] = pendingExtension{tokenID: tokenID, seconds: durationSeconds}
	return txHash, nil
}

// WaitExtended confirms a pending extension, applying it to the key. A
// forced confirmation failure simulates a revert: the extension is dropped
// without touching the key.
func (m *MemoryLock) WaitExtended(ctx context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ext, ok := m.pending[txHash]
	if !ok {
		return fmt.Errorf("unknown transaction %s", txHash)
	}
	delete(m.pending, txHash)

	if m.FailConfirm {
		return fmt.Errorf("transaction %s reverted", txHash)
	}

	m.expirations[ext.tokenID] = m.expirations[ext.tokenID].Add(time.Duration(ext.seconds) * time.Second)
	return nil
}
