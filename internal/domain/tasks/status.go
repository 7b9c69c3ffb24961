package tasks

import "strings"

// Status is the server-reported state of a single asynchronous job.
type Status string

const (
	// StatusPending indicates the job was accepted but has not started.
	StatusPending Status = "PENDING"

	// StatusRunning indicates the job is actively producing output.
	StatusRunning Status = "RUNNING"

	// StatusCompleted indicates the job finished and carries a result.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates the job finished with an error.
	StatusFailed Status = "FAILED"

	// StatusNotFound indicates the server does not recognize the job id.
	StatusNotFound Status = "NOT_FOUND"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the server will not change this status again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the job is still expected to progress.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// ParseStatus maps the vocabulary used by the different studio backends onto
// the canonical Status. Unknown labels are treated as running so an unexpected
// intermediate state keeps the job under watch until its deadline.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "submitted":
		return StatusPending
	case "running", "processing", "in_progress", "started":
		return StatusRunning
	case "completed", "complete", "success", "succeeded", "done":
		return StatusCompleted
	case "failed", "failure", "error", "errored":
		return StatusFailed
	case "not_found", "notfound", "unknown_task":
		return StatusNotFound
	default:
		return StatusRunning
	}
}
