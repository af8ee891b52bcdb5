package saga

import (
	"fmt"
)

// PhaseError reports a phase whose forward action failed. Compensated
// indicates whether the runner successfully undid all previously completed
// phases before returning.
type PhaseError struct {
	Phase       PhaseName
	Err         error
	Compensated bool
}

// Error implements the error interface for PhaseError.
func (e *PhaseError) Error() string {
	if e.Compensated {
		return fmt.Sprintf("phase %s failed (compensated): %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying phase failure.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

// CompensationError reports a compensation that failed while unwinding.
// This is the one outcome a retry cannot resolve: the saga is stuck between
// done and undone and a human must reconcile it.
type CompensationError struct {
	// Phase is the phase whose compensation failed.
	Phase PhaseName
	// Cause is the original forward failure that triggered unwinding.
	Cause *PhaseError
	// Err is the compensation failure itself.
	Err error
}

// Error implements the error interface for CompensationError.
func (e *CompensationError) Error() string {
	return fmt.Sprintf("phase %s failed and compensation of %s failed: cause=%v, compensation_error=%v",
		e.Cause.Phase, e.Phase, e.Cause.Err, e.Err)
}

// Unwrap returns the compensation failure.
func (e *CompensationError) Unwrap() error {
	return e.Err
}
