package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelledByClear is returned to callers of an entry that Clear
	// removed before it started.
	ErrCancelledByClear = errors.New("request cancelled before it started")

	// ErrInvalidKey is returned when Add is called with an empty key.
	ErrInvalidKey = errors.New("request key must not be empty")

	// ErrNilOperation is returned when Add is called without an operation.
	ErrNilOperation = errors.New("request operation must not be nil")

	// ErrUnexpectedResult is returned by Do when the shared result does not
	// have the type the caller asked for.
	ErrUnexpectedResult = errors.New("unexpected result type")
)

// OperationPanicError reports an operation that panicked instead of returning.
type OperationPanicError struct {
	Key   string
	Value any
}

func (e *OperationPanicError) Error() string {
	return fmt.Sprintf("operation %q panicked: %v", e.Key, e.Value)
}
