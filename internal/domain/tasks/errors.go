package tasks

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTaskLost is returned when the server stops recognizing a job id.
	ErrTaskLost = errors.New("task lost")
	// ErrTimedOut is returned when a job exceeds its wall-clock wait.
	ErrTimedOut = errors.New("task timed out")
	// ErrMaxAttemptsExceeded is returned when the poll attempt cap is reached.
	ErrMaxAttemptsExceeded = errors.New("maximum poll attempts exceeded")
	// ErrRetriesExhausted is returned after too many consecutive transient errors.
	ErrRetriesExhausted = errors.New("consecutive retries exhausted")
	// ErrJobFailed is returned when the server reports the job as failed.
	ErrJobFailed = errors.New("job failed")

	// ErrCombineIneligible is returned when fewer than two enabled items are complete.
	ErrCombineIneligible = errors.New("combine requires at least two completed items")
	// ErrCombineInFlight is returned when an aggregate job is already running.
	ErrCombineInFlight = errors.New("combine already in progress")

	// ErrTerminalState is returned when a write would move an item out of a
	// terminal state without an explicit reset.
	ErrTerminalState = errors.New("item is in a terminal state")
	// ErrInvalidTransition is returned for lifecycle violations.
	ErrInvalidTransition = errors.New("invalid item state transition")

	// ErrCoordinatorClosed is returned by operations on a closed coordinator.
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// TransportError wraps a failed exchange with the status transport. A zero
// StatusCode means the request never produced a response.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport: status %d: %v", e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
func (e *TransportError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so error classification treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient classifies an error returned by a status fetch. Unknown errors
// are treated as transient: a flaky network should never terminate a job
// that the retry budget can still absorb.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient()
	}
	return true
}

// CodePaymentRequired is the error code carried by a 402 response.
const CodePaymentRequired = "payment_required"

// ErrorCode returns the machine classification of a transport failure, or ""
// when the error carries none.
func ErrorCode(err error) string {
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode == http.StatusPaymentRequired {
		return CodePaymentRequired
	}
	return ""
}
