package confirmation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParams wraps start parameter validation failures.
	ErrInvalidParams = errors.New("confirmation: invalid start parameters")
	// ErrTerminal is returned when cancelling a session that already finished
	// with a status other than Cancelled.
	ErrTerminal = errors.New("confirmation: session already terminal")
	// ErrClosed is returned when cancelling a session that was torn down.
	ErrClosed = errors.New("confirmation: session closed")
)

// CancelError reports a failed user cancellation. The session stays pending
// and the call may be retried.
type CancelError struct {
	OrderID string
	Err     error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("confirmation: cancel order %s: %v", e.OrderID, e.Err)
}

func (e *CancelError) Unwrap() error { return e.Err }

// Retryable is always true; a failed cancellation never blocks another attempt.
func (e *CancelError) Retryable() bool { return true }
