package renew

import (
	"time"
)

// RecoveryAction tells the caller (and support tooling) whether a failed
// renewal is safe to resubmit.
type RecoveryAction string

const (
	// RecoveryRetry means the ledger state has been fully restored and the
	// caller may safely resubmit.
	RecoveryRetry RecoveryAction = "RETRY"

	// RecoveryManualReview means restoration could not be confirmed or the
	// failure indicates a configuration fault; a human must intervene.
	RecoveryManualReview RecoveryAction = "MANUAL_REVIEW"
)

// Recovery describes how a failed renewal can be resolved. The attempt id,
// when present, locates the audit row.
type Recovery struct {
	Action    RecoveryAction `json:"action"`
	Message   string         `json:"message,omitempty"`
	AttemptID string         `json:"renewalAttemptId,omitempty"`
}

// Receipt is the success payload of a renewal.
type Receipt struct {
	BaseCostXP       int64     `json:"baseCostXp"`
	ServiceFeeXP     int64     `json:"serviceFeeXp"`
	TotalXPDeducted  int64     `json:"totalXpDeducted"`
	NewExpiration    time.Time `json:"newExpiration"`
	TransactionHash  string    `json:"transactionHash"`
	TreasuryAfterFee int64     `json:"treasuryAfterFee"`
}

// Result is the outcome of one renewal saga run.
type Result struct {
	Success  bool
	Receipt  *Receipt
	Err      error
	Recovery *Recovery
}
