package engine

import (
	"errors"
	"fmt"
)

// ErrDisposed is returned by Run and LoadSnapshot on a disposed engine.
var ErrDisposed = errors.New("engine disposed")

// FaultError reports an unrecoverable engine fault: a broken invariant
// detected while processing an event. The engine is disposed when a fault
// surfaces.
type FaultError struct {
	// SiteID is the replica that faulted.
	SiteID int

	// Event is the kind of event being processed.
	Event EventType

	// Cause is the recovered panic value as an error.
	Cause error
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	return fmt.Sprintf("engine fault (site=%d, event=%s): %v", e.SiteID, e.Event, e.Cause)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *FaultError) Unwrap() error {
	return e.Cause
}

// IsFault returns true if err is or wraps a FaultError.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}

// newFault converts a recovered panic value into a FaultError.
func newFault(siteID int, ev EventType, r any) *FaultError {
	var cause error
	switch v := r.(type) {
	case error:
		cause = v
	default:
		cause = fmt.Errorf("%v", v)
	}
	return &FaultError{SiteID: siteID, Event: ev, Cause: cause}
}
