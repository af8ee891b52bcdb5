package renew

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WalletResolver maps a platform user to their linked wallet address.
type WalletResolver interface {
	WalletOf(ctx context.Context, userID string) (string, error)
}

// StaticWallets is a fixed user-to-wallet mapping for testing and tooling.
type StaticWallets map[string]string

// WalletOf returns the wallet linked to the user.
func (s StaticWallets) WalletOf(ctx context.Context, userID string) (string, error) {
	wallet, ok := s[userID]
	if !ok {
		return "", Validationf("user %s has no linked wallet", userID)
	}
	return wallet, nil
}

// Grant is the off-chain, read-optimized mirror of a key's expiration,
// updated only after on-chain confirmation and carrying a back-reference to
// the attempt that produced it.
type Grant struct {
	UserID      string
	LockAddress string
	TokenID     uint64
	Expiration  time.Time
	AttemptID   string
	UpdatedAt   time.Time
}

// GrantMirror stores activation grants.
type GrantMirror interface {
	Upsert(ctx context.Context, grant Grant) error
	GetGrant(ctx context.Context, userID, lockAddress string) (*Grant, error)
}

// Treasury accumulates the fees retained from successful renewals only;
// rollbacks never reach it. Accrual is keyed by attempt id: replaying an
// attempt that already contributed is a no-op, so a crashed run and the
// reconciliation sweep can both call AddFee without double-counting.
type Treasury interface {
	AddFee(ctx context.Context, attemptID string, fee int64) (total int64, err error)
	Total(ctx context.Context) (int64, error)
}

// Activity is one audit entry appended after a completed saga.
type Activity struct {
	UserID    string
	AttemptID string
	Kind      string
	Detail    string
	At        time.Time
}

// ActivityLog appends audit entries.
type ActivityLog interface {
	Append(ctx context.Context, activity Activity) error
}

// Notification is the user-facing message sent after a successful renewal.
type Notification struct {
	UserID        string
	AttemptID     string
	NewExpiration time.Time
	TotalDeducted int64
}

// Notifier delivers renewal notifications. Delivery is best effort: the
// saga logs failures and never reverts because of one.
type Notifier interface {
	RenewalCompleted(ctx context.Context, n Notification) error
}

// MemoryMirror is an in-memory GrantMirror.
type MemoryMirror struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryMirror creates an empty in-memory grant mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{grants: make(map[string]Grant)}
}

func grantKey(userID, lockAddress string) string {
	return userID + "/" + lockAddress
}

// Upsert stores the grant.
func (m *MemoryMirror) Upsert(ctx context.Context, grant Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant.UpdatedAt = time.Now()
	m.grants[grantKey(grant.UserID, grant.LockAddress)] = grant
	return nil
}

// GetGrant retrieves the grant for a user and lock.
func (m *MemoryMirror) GetGrant(ctx context.Context, userID, lockAddress string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[grantKey(userID, lockAddress)]
	if !ok {
		return nil, fmt.Errorf("no grant for user %s on lock %s", userID, lockAddress)
	}
	cp := grant
	return &cp, nil
}

// MemoryTreasury is an in-memory Treasury.
type MemoryTreasury struct {
	mu    sync.Mutex
	fees  map[string]int64
	total int64

	// FailAddFee makes AddFee return an error, for exercising the
	// stranded-fee reconciliation path.
	FailAddFee bool
}

// NewMemoryTreasury creates an empty in-memory treasury.
func NewMemoryTreasury() *MemoryTreasury {
	return &MemoryTreasury{fees: make(map[string]int64)}
}

// AddFee records the fee retained from the attempt and returns the new
// total. A second call with the same attempt id leaves the total unchanged.
func (t *MemoryTreasury) AddFee(ctx context.Context, attemptID string, fee int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailAddFee {
		return 0, fmt.Errorf("treasury unavailable")
	}
	if _, seen := t.fees[attemptID]; !seen {
		t.fees[attemptID] = fee
		t.total += fee
	}
	return t.total, nil
}

// Total returns the accumulated fees.
func (t *MemoryTreasury) Total(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, nil
}

// MemoryActivityLog is an in-memory ActivityLog.
type MemoryActivityLog struct {
	mu      sync.Mutex
	entries []Activity
}

// NewMemoryActivityLog creates an empty in-memory activity log.
func NewMemoryActivityLog() *MemoryActivityLog {
	return &MemoryActivityLog{}
}

// Append records an audit entry.
func (l *MemoryActivityLog) Append(ctx context.Context, activity Activity) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	activity.At = time.Now()
	l.entries = append(l.entries, activity)
	return nil
}

// Entries returns a copy of the recorded entries.
func (l *MemoryActivityLog) Entries() []Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Activity(nil), l.entries...)
}

// LogNotifier writes notifications to the log instead of delivering them.
// Useful as a default until a real channel is wired.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

// RenewalCompleted logs the notification.
func (n *LogNotifier) RenewalCompleted(ctx context.Context, notification Notification) error {
	n.log.Infow("renewal completed",
		"user_id", notification.UserID,
		"attempt_id", notification.AttemptID,
		"new_expiration", notification.NewExpiration,
		"total_deducted", notification.TotalDeducted)
	return nil
}
