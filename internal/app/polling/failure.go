package polling

import (
	"fmt"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// FailureKind classifies why a job stopped being watched without a result.
type FailureKind string

const (
	// FailureRetriesExhausted means transient transport errors exceeded the retry budget.
	FailureRetriesExhausted FailureKind = "transient_exhausted"
	// FailureLost means the server stopped recognizing the job id.
	FailureLost FailureKind = "lost"
	// FailureTerminal means the server reported the job as failed.
	FailureTerminal FailureKind = "terminal"
	// FailureTimeout means the wall-clock ceiling elapsed.
	FailureTimeout FailureKind = "timeout"
	// FailureMaxAttempts means the poll attempt cap was reached.
	FailureMaxAttempts FailureKind = "max_attempts"
	// FailurePermanent means the transport returned a non-retryable error.
	FailurePermanent FailureKind = "permanent"
	// FailureSubmit means the job could not be submitted at all.
	FailureSubmit FailureKind = "submit"
)

// String returns the string representation of the FailureKind.
func (k FailureKind) String() string { return string(k) }

// Failure is delivered through OnError exactly once per poller run.
type Failure struct {
	Kind  FailureKind
	JobID tasks.JobID
	// Message is the raw server-side or transport error text.
	Message string
	// Code is the server's machine classification, when one was given.
	Code string
	Err  error
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("job %s: %s", f.JobID, f.Kind)
	}
	return fmt.Sprintf("job %s: %s: %s", f.JobID, f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }
