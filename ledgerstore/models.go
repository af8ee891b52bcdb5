package ledgerstore

import (
	"time"

	"github.com/keygrid/renewd/renew"
)

// Account is the per-user experience-point balance. Mutated only through
// Debit and Rollback.
type Account struct {
	UserID    string `gorm:"primaryKey"`
	XPBalance int64
	UpdatedAt time.Time
}

// LedgerEntry records one debit, keyed by the attempt id that spent it.
// The primary key is what makes debits idempotent per attempt, and the
// Reversed flag is what makes rollbacks at-most-once.
type LedgerEntry struct {
	AttemptID  string `gorm:"primaryKey"`
	UserID     string `gorm:"index"`
	Principal  int64
	Fee        int64
	NewBalance int64
	Reversed   bool
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AttemptRow is the persisted renewal attempt: the saga's recovery point
// and audit trail. Rows are never deleted.
type AttemptRow struct {
	ID                 string `gorm:"primaryKey"`
	UserID             string `gorm:"index"`
	LockAddress        string
	TokenID            uint64
	Method             string
	BaseCost           int64
	Fee                int64
	FeePercent         float64
	DurationClass      int
	ExpectedExpiration time.Time
	ActualExpiration   *time.Time
	TxHash             *string
	Status             string `gorm:"index"`
	FailureReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// TreasuryRow is the single accumulator of fees retained from successful
// renewals.
type TreasuryRow struct {
	ID        uint `gorm:"primaryKey"`
	FeeTotal  int64
	UpdatedAt time.Time
}

// TreasuryFeeRow records which attempt contributed a fee to the treasury.
// The primary key on attempt id is what makes fee accrual idempotent when
// an interrupted run and the reconciliation sweep both try to count the
// same renewal.
type TreasuryFeeRow struct {
	AttemptID string `gorm:"primaryKey"`
	Fee       int64
	CreatedAt time.Time
}

// GrantRow is the off-chain mirror of a key's expiration, one row per user
// and lock, back-referencing the attempt that last updated it.
type GrantRow struct {
	UserID      string `gorm:"primaryKey"`
	LockAddress string `gorm:"primaryKey"`
	TokenID     uint64
	Expiration  time.Time
	AttemptID   string
	UpdatedAt   time.Time
}

// ActivityRow is one audit entry.
type ActivityRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"index"`
	AttemptID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// WalletRow links a platform user to their wallet address.
type WalletRow struct {
	UserID    string `gorm:"primaryKey"`
	Address   string
	UpdatedAt time.Time
}

func attemptToRow(attempt *renew.Attempt) AttemptRow {
	return AttemptRow{
		ID:                 attempt.ID,
		UserID:             attempt.UserID,
		LockAddress:        attempt.LockAddress,
		TokenID:            attempt.TokenID,
		Method:             attempt.Method,
		BaseCost:           attempt.BaseCost,
		Fee:                attempt.Fee,
		FeePercent:         attempt.FeePercent,
		DurationClass:      int(attempt.DurationClass),
		ExpectedExpiration: attempt.ExpectedExpiration,
		ActualExpiration:   attempt.ActualExpiration,
		TxHash:             attempt.TxHash,
		Status:             string(attempt.Status),
		FailureReason:      attempt.FailureReason,
		CreatedAt:          attempt.CreatedAt,
		CompletedAt:        attempt.CompletedAt,
	}
}

func rowToAttempt(row *AttemptRow) *renew.Attempt {
	return &renew.Attempt{
		ID:                 row.ID,
		UserID:             row.UserID,
		LockAddress:        row.LockAddress,
		TokenID:            row.TokenID,
		Method:             row.Method,
		BaseCost:           row.BaseCost,
		Fee:                row.Fee,
		FeePercent:         row.FeePercent,
		DurationClass:      renew.DurationClass(row.DurationClass),
		ExpectedExpiration: row.ExpectedExpiration,
		ActualExpiration:   row.ActualExpiration,
		TxHash:             row.TxHash,
		Status:             renew.AttemptStatus(row.Status),
		FailureReason:      row.FailureReason,
		CreatedAt:          row.CreatedAt,
		CompletedAt:        row.CompletedAt,
	}
}
