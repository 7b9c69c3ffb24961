package tasks

import "time"

// JobID is the opaque identifier the server assigns on submission.
type JobID string

// String returns the string representation of the JobID.
func (id JobID) String() string { return string(id) }

// JobKind distinguishes per-item work from the dependent combination step.
type JobKind string

const (
	JobKindItemGeneration       JobKind = "item-generation"
	JobKindAggregateCombination JobKind = "aggregate-combination"
)

// String returns the string representation of the JobKind.
func (k JobKind) String() string { return string(k) }

// Job is the client-side view of one server-side unit of asynchronous work.
type Job struct {
	id          JobID
	kind        JobKind
	submittedAt time.Time
}

// NewJob records a job the server accepted at submittedAt.
func NewJob(id JobID, kind JobKind, submittedAt time.Time) Job {
	return Job{id: id, kind: kind, submittedAt: submittedAt}
}

// ID returns the server-assigned job id.
func (j Job) ID() JobID { return j.id }

// Kind returns the job kind.
func (j Job) Kind() JobKind { return j.kind }

// SubmittedAt returns when the job was submitted.
func (j Job) SubmittedAt() time.Time { return j.submittedAt }
