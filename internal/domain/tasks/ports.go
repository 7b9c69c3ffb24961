// Package tasks defines the domain model shared by the task orchestration
// engine: server-side jobs and their status records, caller-defined pipeline
// items and their lifecycle, and the narrow ports through which the engine
// reaches the status transport.
package tasks

import "context"

// StatusFetcher queries the status of one job. A nil record with a nil error
// means the server does not know the job id. Implementations must be
// idempotent and free of side effects.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID JobID) (*StatusRecord, error)
}

// StatusFetcherFunc adapts a function to StatusFetcher.
type StatusFetcherFunc func(ctx context.Context, jobID JobID) (*StatusRecord, error)

// FetchStatus calls f.
func (f StatusFetcherFunc) FetchStatus(ctx context.Context, jobID JobID) (*StatusRecord, error) {
	return f(ctx, jobID)
}

// CompletedItemsFetcher returns the authoritative list of items the server
// has finished for a scope (project or session).
type CompletedItemsFetcher interface {
	FetchCompletedItems(ctx context.Context, scopeID string) ([]CompletedItem, error)
}

// CompletedItemsFetcherFunc adapts a function to CompletedItemsFetcher.
type CompletedItemsFetcherFunc func(ctx context.Context, scopeID string) ([]CompletedItem, error)

// FetchCompletedItems calls f.
func (f CompletedItemsFetcherFunc) FetchCompletedItems(ctx context.Context, scopeID string) ([]CompletedItem, error) {
	return f(ctx, scopeID)
}

// SubmitFunc submits one unit of work and returns the server-assigned job id.
type SubmitFunc func(ctx context.Context) (JobID, error)

// CombineSubmitFunc submits the aggregate job over the given completed items.
type CombineSubmitFunc func(ctx context.Context, items []ItemID) (JobID, error)

// Transport is the full surface a remote job backend offers.
type Transport interface {
	StatusFetcher
	CompletedItemsFetcher
	SubmitItem(ctx context.Context, scopeID string, itemID ItemID, params map[string]string) (JobID, error)
	SubmitCombine(ctx context.Context, scopeID string, items []ItemID) (JobID, error)
}
