// Package resilience guards outbound calls to collaborators with retry
// and per-collaborator circuit breakers. Errors are classified fatal
// (malformed request, validation) or retryable (communication, timeout);
// fatal errors propagate immediately and never trip the retry loop.
package resilience

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without attempting the call when the
// collaborator's breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// RetryExhaustedError wraps the last error after the retry budget for a
// collaborator call is spent.
type RetryExhaustedError struct {
	Collaborator string
	Attempts     int
	Err          error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.Collaborator, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// fatalError marks an error as non-retryable.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as fatal: it will not be retried and will not count
// against the collaborator's breaker.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked fatal anywhere in its chain.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
