package renew

import (
	"fmt"
)

// ValidationError reports a client mistake caught before any side effect:
// a bad duration class or a key the user does not own.
type ValidationError struct {
	error
}

// Validationf creates a new ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{fmt.Errorf(format, args...)}
}

// InsufficientBalanceError reports a ledger balance too small to cover the
// quoted total. Caught before any side effect.
type InsufficientBalanceError struct {
	Balance  int64
	Required int64
}

// Error implements the error interface for InsufficientBalanceError.
func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Required)
}

// LedgerError reports a system fault while debiting the ledger. The cause
// is ambiguous between client and system error, so it is terminal and
// routed to manual review.
type LedgerError struct {
	error
}

// LedgerFailed wraps a ledger fault in a LedgerError.
func LedgerFailed(err error) error {
	return &LedgerError{fmt.Errorf("ledger: %w", err)}
}

// Unwrap returns the underlying ledger fault.
func (e *LedgerError) Unwrap() error {
	return e.error
}

// AuthorizationConfigError reports that the service wallet does not hold
// manager authority over the lock. This is a deployment fault, not a user
// fault; the debit is rolled back and the failure routed to manual review.
type AuthorizationConfigError struct {
	Wallet string
	Lock   string
}

// Error implements the error interface for AuthorizationConfigError.
func (e *AuthorizationConfigError) Error() string {
	return fmt.Sprintf("service wallet %s is not a manager of lock %s", e.Wallet, e.Lock)
}

// OnChainExecutionError reports a failed submission, revert, or failed
// confirmation of the key extension. The debit is rolled back and the
// caller may retry.
type OnChainExecutionError struct {
	Stage string // "submit", "confirm", or "verify"
	Err   error
}

// Error implements the error interface for OnChainExecutionError.
func (e *OnChainExecutionError) Error() string {
	return fmt.Sprintf("on-chain %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying chain failure.
func (e *OnChainExecutionError) Unwrap() error {
	return e.Err
}

// RollbackFailureError is the one class a client retry cannot resolve: the
// debit happened, the chain step failed, and restoring the debit also
// failed. The attempt id locates the audit row for the operator.
type RollbackFailureError struct {
	AttemptID   string
	Cause       error
	RollbackErr error
}

// Error implements the error interface for RollbackFailureError.
func (e *RollbackFailureError) Error() string {
	return fmt.Sprintf("rollback failed for attempt %s: cause=%v, rollback_error=%v",
		e.AttemptID, e.Cause, e.RollbackErr)
}

// Unwrap returns the rollback failure.
func (e *RollbackFailureError) Unwrap() error {
	return e.RollbackErr
}
