// Package ledgerstore provides the gorm-backed implementations of the
// renew ports: the ledger with its single-statement atomic debit, the
// attempt store, the treasury accumulator, the activation-grant mirror,
// the activity log, and the wallet resolver.
package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/keygrid/renewd/renew"
)

// Store implements renew.LedgerPort, renew.AttemptStore, renew.Treasury,
// renew.GrantMirror, renew.ActivityLog, and renew.WalletResolver over one
// gorm connection.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// Open connects to the database, migrates the schema, and seeds the
// treasury row. Supported drivers: "sqlite" and "postgres".
func Open(driver, dsn string, logg *zap.SugaredLogger) (*Store, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Account{},
		&LedgerEntry{},
		&AttemptRow{},
		&TreasuryRow{},
		&TreasuryFeeRow{},
		&GrantRow{},
		&ActivityRow{},
		&WalletRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	treasury := TreasuryRow{ID: 1}
	if err := db.FirstOrCreate(&treasury, TreasuryRow{ID: 1}).Error; err != nil {
		return nil, fmt.Errorf("failed to seed treasury row: %w", err)
	}

	return &Store{db: db, log: logg.With("component", "ledgerstore")}, nil
}

// Credit adds to a user's balance, creating the account if needed. Used by
// the platform's earning paths and by test setup.
func (s *Store) Credit(ctx context.Context, userID string, amount int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := Account{UserID: userID}
		if err := tx.FirstOrCreate(&account, Account{UserID: userID}).Error; err != nil {
			return err
		}
		return tx.Model(&Account{}).
			Where("user_id = ?", userID).
			UpdateColumn("xp_balance", gorm.Expr("xp_balance + ?", amount)).Error
	})
}

// Balance returns the user's current balance.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.XPBalance, nil
}

// Debit atomically spends principal+fee against the attempt id. The
// conditional UPDATE is the single synchronization point: concurrent
// debits against the same balance cannot both pass the balance guard. A
// replay with a recorded attempt id returns the original result without a
// second debit.
func (s *Store) Debit(ctx context.Context, userID, attemptID string, principal, fee int64) (renew.DebitResult, error) {
	var result renew.DebitResult
	total := principal + fee

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing LedgerEntry
		err := tx.Where("attempt_id = ?", attemptID).Take(&existing).Error
		if err == nil {
			result = renew.DebitResult{NewBalance: existing.NewBalance}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		res := tx.Model(&Account{}).
			Where("user_id = ? AND xp_balance >= ?", userID, total).
			UpdateColumn("xp_balance", gorm.Expr("xp_balance - ?", total))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var account Account
			if err := tx.Where("user_id = ?", userID).Take(&account).Error; err != nil {
				return fmt.Errorf("account %s not found", userID)
			}
			return &renew.InsufficientBalanceError{Balance: account.XPBalance, Required: total}
		}

		var account Account
		if err := tx.Where("user_id = ?", userID).Take(&account).Error; err != nil {
			return err
		}

		entry := LedgerEntry{
			AttemptID:  attemptID,
			UserID:     userID,
			Principal:  principal,
			Fee:        fee,
			NewBalance: account.XPBalance,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		result = renew.DebitResult{NewBalance: account.XPBalance}
		return nil
	})

	// Two racing calls with the same attempt id: the loser's insert hits
	// the primary key and the whole transaction unwinds, so replay the
	// idempotent read.
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing LedgerEntry
		if readErr := s.db.WithContext(ctx).Where("attempt_id = ?", attemptID).Take(&existing).Error; readErr == nil {
			return renew.DebitResult{NewBalance: existing.NewBalance}, nil
		}
	}
	if err != nil {
		return renew.DebitResult{}, err
	}
	return result, nil
}

// Rollback restores principal and fee in one transaction, flipping the
// entry's Reversed flag first so a second rollback can never credit twice.
func (s *Store) Rollback(ctx context.Context, attemptID, reason string) (renew.Restored, error) {
	var restored renew.Restored

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry LedgerEntry
		if err := tx.Where("attempt_id = ?", attemptID).Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", renew.ErrNoLedgerEntry, attemptID)
			}
			return err
		}

		res := tx.Model(&LedgerEntry{}).
			Where("attempt_id = ? AND reversed = ?", attemptID, false).
			Updates(map[string]any{"reversed": true, "reason": reason})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return renew.ErrAlreadyRolledBack
		}

		if err := tx.Model(&Account{}).
			Where("user_id = ?", entry.UserID).
			UpdateColumn("xp_balance", gorm.Expr("xp_balance + ?", entry.Principal+entry.Fee)).Error; err != nil {
			return err
		}

		restored = renew.Restored{Principal: entry.Principal, Fee: entry.Fee}
		return nil
	})
	if err != nil {
		return renew.Restored{}, err
	}
	return restored, nil
}

// Create persists a new pending attempt.
func (s *Store) Create(ctx context.Context, attempt *renew.Attempt) error {
	row := attemptToRow(attempt)
	row.Status = string(renew.AttemptPending)
	row.CreatedAt = time.Now()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	attempt.Status = renew.AttemptPending
	attempt.CreatedAt = row.CreatedAt
	return nil
}

// Get retrieves an attempt by id.
func (s *Store) Get(ctx context.Context, id string) (*renew.Attempt, error) {
	var row AttemptRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("attempt %s not found", id)
		}
		return nil, err
	}
	return rowToAttempt(&row), nil
}

// RecordTxHash stores the transaction reference on a still-pending attempt.
func (s *Store) RecordTxHash(ctx context.Context, id, txHash string) error {
	res := s.db.WithContext(ctx).Model(&AttemptRow{}).
		Where("id = ? AND status = ?", id, string(renew.AttemptPending)).
		UpdateColumn("tx_hash", txHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attempt %s not found or already terminal", id)
	}
	return nil
}

// MarkSuccess finalizes the attempt as successful. The pending guard
// enforces the monotonic lifecycle at the data layer.
func (s *Store) MarkSuccess(ctx context.Context, id string, actualExpiration time.Time, txHash string) error {
	now := time.Now()
	return s.finalize(ctx, id, map[string]any{
		"status":            string(renew.AttemptSuccess),
		"actual_expiration": actualExpiration,
		"tx_hash":           txHash,
		"completed_at":      now,
	})
}

// MarkFailed finalizes the attempt as failed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now()
	return s.finalize(ctx, id, map[string]any{
		"status":         string(renew.AttemptFailed),
		"failure_reason": reason,
		"completed_at":   now,
	})
}

// MarkRolledBack finalizes the attempt as rolled back.
func (s *Store) MarkRolledBack(ctx context.Context, id, reason string) error {
	now := time.Now()
	return s.finalize(ctx, id, map[string]any{
		"status":         string(renew.AttemptRolledBack),
		"failure_reason": reason,
		"completed_at":   now,
	})
}

func (s *Store) finalize(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&AttemptRow{}).
		Where("id = ? AND status = ?", id, string(renew.AttemptPending)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attempt %s not found or already terminal", id)
	}
	return nil
}

// ListPendingBefore returns pending attempts created before the cutoff.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*renew.Attempt, error) {
	var rows []AttemptRow
	if err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(renew.AttemptPending), cutoff).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	attempts := make([]*renew.Attempt, len(rows))
	for i := range rows {
		attempts[i] = rowToAttempt(&rows[i])
	}
	return attempts, nil
}

// AddFee accumulates the fee retained from the attempt and returns the new
// total. The fee row's primary key makes the accrual idempotent: a replay
// with an attempt id already counted leaves the total alone.
func (s *Store) AddFee(ctx context.Context, attemptID string, fee int64) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&TreasuryFeeRow{AttemptID: attemptID, Fee: fee})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			if err := tx.Model(&TreasuryRow{}).
				Where("id = ?", 1).
				UpdateColumn("fee_total", gorm.Expr("fee_total + ?", fee)).Error; err != nil {
				return err
			}
		}
		var row TreasuryRow
		if err := tx.Where("id = ?", 1).Take(&row).Error; err != nil {
			return err
		}
		total = row.FeeTotal
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Total returns the accumulated fees.
func (s *Store) Total(ctx context.Context) (int64, error) {
	var row TreasuryRow
	if err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error; err != nil {
		return 0, err
	}
	return row.FeeTotal, nil
}

// Upsert stores the activation grant for a user and lock.
func (s *Store) Upsert(ctx context.Context, grant renew.Grant) error {
	row := GrantRow{
		UserID:      grant.UserID,
		LockAddress: grant.LockAddress,
		TokenID:     grant.TokenID,
		Expiration:  grant.Expiration,
		AttemptID:   grant.AttemptID,
		UpdatedAt:   time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "lock_address"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// GetGrant retrieves the mirrored grant for a user and lock.
func (s *Store) GetGrant(ctx context.Context, userID, lockAddress string) (*renew.Grant, error) {
	var row GrantRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND lock_address = ?", userID, lockAddress).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no grant for user %s on lock %s", userID, lockAddress)
	}
	if err != nil {
		return nil, err
	}
	return &renew.Grant{
		UserID:      row.UserID,
		LockAddress: row.LockAddress,
		TokenID:     row.TokenID,
		Expiration:  row.Expiration,
		AttemptID:   row.AttemptID,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// Append records an audit entry.
func (s *Store) Append(ctx context.Context, activity renew.Activity) error {
	row := ActivityRow{
		UserID:    activity.UserID,
		AttemptID: activity.AttemptID,
		Kind:      activity.Kind,
		Detail:    activity.Detail,
		CreatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// LinkWallet stores the user's wallet address.
func (s *Store) LinkWallet(ctx context.Context, userID, address string) error {
	row := WalletRow{UserID: userID, Address: address, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// WalletOf resolves the user's linked wallet.
func (s *Store) WalletOf(ctx context.Context, userID string) (string, error) {
	var row WalletRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", renew.Validationf("user %s has no linked wallet", userID)
	}
	if err != nil {
		return "", err
	}
	return row.Address, nil
}
