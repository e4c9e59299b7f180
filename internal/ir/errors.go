package ir

import (
	"errors"
	"fmt"
)

// InvariantError reports a broken replication invariant.
//
// Invariant errors are programmer errors, not recoverable runtime
// conditions: they are raised with panic at the point of detection and
// surface from the engine loop as an unrecoverable fault.
type InvariantError struct {
	// Code identifies the invariant.
	Code InvariantCode

	// Message is a human-readable description.
	Message string

	// SiteID and Clock identify the offending entry.
	SiteID int
	Clock  int
}

// InvariantCode categorizes invariant violations.
type InvariantCode string

const (
	// ErrCodeVectorRollback indicates StateVector.Set with a lower clock.
	ErrCodeVectorRollback InvariantCode = "VECTOR_ROLLBACK"

	// ErrCodeNotDeliverable indicates a state update for an operation
	// whose causal predecessor has not been applied.
	ErrCodeNotDeliverable InvariantCode = "NOT_DELIVERABLE"
)

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (site=%d, clock=%d)", e.Code, e.Message, e.SiteID, e.Clock)
}

// IsInvariantError returns true if err is or wraps an InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// NewRollbackError creates an InvariantError for a decreasing vector entry.
func NewRollbackError(siteID, current, clock int) *InvariantError {
	return &InvariantError{
		Code:    ErrCodeVectorRollback,
		Message: fmt.Sprintf("clock would move backwards from %d", current),
		SiteID:  siteID,
		Clock:   clock,
	}
}

// NewNotDeliverableError creates an InvariantError for a premature update.
func NewNotDeliverableError(siteID, clock int) *InvariantError {
	return &InvariantError{
		Code:    ErrCodeNotDeliverable,
		Message: "operation applied before its causal predecessor",
		SiteID:  siteID,
		Clock:   clock,
	}
}
