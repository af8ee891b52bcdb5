package renew

import (
	"time"
)

// AttemptStatus is the lifecycle state of a renewal attempt. Statuses are
// monotonic: pending moves to exactly one terminal value and is never
// re-opened.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRolledBack AttemptStatus = "rolled_back"
)

// Terminal reports whether the status is a terminal value.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptRolledBack
}

// MethodXPRenewal tags attempts paid for from the experience-point ledger.
const MethodXPRenewal = "xp_renewal"

// Attempt is the durable log of one renewal saga run: the recovery point
// while the run is live and the audit trail forever after. Attempts are
// created before any money moves and are never deleted; only the status and
// execution-evidence fields change.
type Attempt struct {
	ID          string
	UserID      string
	LockAddress string
	TokenID     uint64
	Method      string

	BaseCost      int64
	Fee           int64
	FeePercent    float64
	DurationClass DurationClass

	ExpectedExpiration time.Time
	ActualExpiration   *time.Time
	TxHash             *string

	Status        AttemptStatus
	FailureReason string

	CreatedAt   time.Time
	CompletedAt *time.Time
}
