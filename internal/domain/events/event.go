// Package events defines the notifications the pipeline emits to the
// presentation layer as items and the aggregate job move through their
// lifecycles.
package events

import (
	"time"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// EventType identifies the category of an event for routing.
type EventType string

const (
	// ItemProgress reports an intermediate progress value for a running item.
	ItemProgress EventType = "ItemProgress"
	// ItemCompleted fires once when an item first reaches completed.
	ItemCompleted EventType = "ItemCompleted"
	// ItemFailed fires when an item reaches failed, or its failure message changes.
	ItemFailed EventType = "ItemFailed"
	// CombineEligibilityChanged fires when the combine action toggles.
	CombineEligibilityChanged EventType = "CombineEligibilityChanged"
	// AggregateProgress reports progress of the combination job.
	AggregateProgress EventType = "AggregateProgress"
	// AggregateCompleted fires once when the combination job completes.
	AggregateCompleted EventType = "AggregateCompleted"
	// AggregateFailed fires once when the combination job ends without a result.
	AggregateFailed EventType = "AggregateFailed"
)

// String returns the string representation of the EventType.
func (t EventType) String() string { return string(t) }

// Event is one notification. Which fields are set depends on Type.
type Event struct {
	Type    EventType
	ScopeID string

	// ItemID is empty for aggregate and eligibility events.
	ItemID tasks.ItemID
	JobID  tasks.JobID

	Progress int
	Message  string
	Result   *tasks.Result

	// Eligible is set on CombineEligibilityChanged.
	Eligible bool

	Timestamp time.Time
}
