package tasks

import (
	"fmt"
	"time"
)

// ItemID is the caller-assigned key of one pipeline unit (e.g. a scene number).
type ItemID string

// String returns the string representation of the ItemID.
func (id ItemID) String() string { return string(id) }

// ItemState is the per-item lifecycle, independent of the underlying job's
// Status: an item is idle before any job exists and can be rescued straight
// into completed without ever having been observed running.
type ItemState string

const (
	ItemStateIdle      ItemState = "idle"
	ItemStateRunning   ItemState = "running"
	ItemStateCompleted ItemState = "completed"
	ItemStateFailed    ItemState = "failed"
)

// String returns the string representation of the ItemState.
func (s ItemState) String() string { return string(s) }

// IsTerminal reports whether only an explicit reset may move the item on.
func (s ItemState) IsTerminal() bool {
	return s == ItemStateCompleted || s == ItemStateFailed
}

// ValidateTransition returns ErrInvalidTransition when moving from s to target
// would violate the item lifecycle.
func (s ItemState) ValidateTransition(target ItemState) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: item %s -> %s", ErrInvalidTransition, s, target)
	}
	return nil
}

func (s ItemState) isValidTransition(target ItemState) bool {
	switch s {
	case "", ItemStateIdle:
		return true
	case ItemStateRunning:
		// Leaving running for idle requires an explicit reset.
		return target != ItemStateIdle
	case ItemStateFailed:
		// A failed item may still be rescued when the authoritative list shows
		// the job actually finished.
		return target == ItemStateFailed || target == ItemStateCompleted
	case ItemStateCompleted:
		return target == ItemStateCompleted
	default:
		return false
	}
}

// ItemRecord is what the presentation layer renders for one item.
type ItemRecord struct {
	ItemID   ItemID
	State    ItemState
	Progress int
	Message  string
	JobID    JobID
	Result   *Result
	// Error is the user-facing failure message; FailureKind its classification.
	Error       string
	FailureKind string
	UpdatedAt   time.Time
}

// DefaultItemRecord is the implicit record of an item nothing has written yet.
func DefaultItemRecord(id ItemID) ItemRecord {
	return ItemRecord{ItemID: id, State: ItemStateIdle}
}

// ItemUpdate is a partial write. Nil fields leave the stored value untouched.
type ItemUpdate struct {
	State       *ItemState
	Progress    *int
	Message     *string
	JobID       *JobID
	Result      *Result
	Error       *string
	FailureKind *string
}

// Apply merges the update into rec and reports whether any field changed.
func (u ItemUpdate) Apply(rec *ItemRecord) bool {
	changed := false
	if u.State != nil && *u.State != rec.State {
		rec.State, changed = *u.State, true
	}
	if u.Progress != nil && *u.Progress != rec.Progress {
		rec.Progress, changed = *u.Progress, true
	}
	if u.Message != nil && *u.Message != rec.Message {
		rec.Message, changed = *u.Message, true
	}
	if u.JobID != nil && *u.JobID != rec.JobID {
		rec.JobID, changed = *u.JobID, true
	}
	if u.Result != nil && !EqualResults(u.Result, rec.Result) {
		rec.Result, changed = u.Result.Clone(), true
	}
	if u.Error != nil && *u.Error != rec.Error {
		rec.Error, changed = *u.Error, true
	}
	if u.FailureKind != nil && *u.FailureKind != rec.FailureKind {
		rec.FailureKind, changed = *u.FailureKind, true
	}
	return changed
}

// EqualResults reports whether two results carry the same payload.
func EqualResults(a, b *Result) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.URL != b.URL || a.AssetID != b.AssetID || len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if bv, ok := b.Metadata[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func ref[T any](v T) *T { return &v }

// RunningUpdate marks an item as running under a freshly submitted job.
func RunningUpdate(jobID JobID) ItemUpdate {
	return ItemUpdate{
		State:       ref(ItemStateRunning),
		Progress:    ref(0),
		JobID:       ref(jobID),
		Error:       ref(""),
		FailureKind: ref(""),
	}
}

// ProgressUpdate records an intermediate progress report.
func ProgressUpdate(pct int, msg string) ItemUpdate {
	return ItemUpdate{Progress: ref(pct), Message: ref(msg)}
}

// CompletionUpdate is the single shape written when an item completes,
// regardless of whether the poller or the sweeper discovered it. An empty
// jobID leaves the recorded job id unchanged.
func CompletionUpdate(jobID JobID, result Result) ItemUpdate {
	u := ItemUpdate{
		State:       ref(ItemStateCompleted),
		Progress:    ref(100),
		Message:     ref(""),
		Result:      &result,
		Error:       ref(""),
		FailureKind: ref(""),
	}
	if jobID != "" {
		u.JobID = ref(jobID)
	}
	return u
}

// FailureUpdate marks an item failed with a user-facing message.
func FailureUpdate(message, kind string) ItemUpdate {
	return ItemUpdate{
		State:       ref(ItemStateFailed),
		Error:       ref(message),
		FailureKind: ref(kind),
	}
}
