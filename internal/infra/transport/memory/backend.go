// Package memory provides an in-process job backend. It assigns job ids,
// stores status records and keeps the authoritative list of completed items
// per scope. It backs tests and the demo job server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

var (
	// ErrJobNotFound is returned by mutation methods for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when mutating a job that already reached a terminal status.
	ErrJobFinished = errors.New("job already finished")
)

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// jobEntry is one job as the backend sees it.
type jobEntry struct {
	job     tasks.Job
	scopeID string
	itemID  tasks.ItemID
	items   []tasks.ItemID
	params  map[string]string

	status   tasks.Status
	progress float64
	message  string
	result   *tasks.Result
	err      *tasks.JobError

	// hiddenReads is how many more status reads report the job as not found.
	hiddenReads int
	updatedAt   time.Time
}

func (e *jobEntry) record() *tasks.StatusRecord {
	rec := &tasks.StatusRecord{
		Status:   e.status,
		Progress: tasks.ClampProgress(e.progress),
		Message:  e.message,
		Result:   e.result.Clone(),
	}
	if e.err != nil {
		jerr := *e.err
		rec.Error = &jerr
	}
	return rec
}

// JobInfo is a point-in-time view of one job for inspection.
type JobInfo struct {
	ID       tasks.JobID
	Kind     tasks.JobKind
	ScopeID  string
	ItemID   tasks.ItemID
	Items    []tasks.ItemID
	Params   map[string]string
	Status   tasks.Status
	Progress float64
}

// Option configures a Backend.
type Option func(*Backend)

// WithVisibilityLag makes every new job report not found for its first n
// status reads, the way a replicated status store lags behind submission.
func WithVisibilityLag(n int) Option {
	return func(b *Backend) { b.visibilityLag = n }
}

// WithIDGenerator overrides uuid-based job ids.
func WithIDGenerator(fn func() string) Option {
	return func(b *Backend) { b.newID = fn }
}

// Backend implements tasks.Transport in memory.
type Backend struct {
	mu        sync.RWMutex
	jobs      map[tasks.JobID]*jobEntry
	completed map[string]map[tasks.ItemID]tasks.CompletedItem

	visibilityLag int
	newID         func() string
	timeProvider  timeProvider
}

var _ tasks.Transport = (*Backend)(nil)

// NewBackend creates an empty backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		jobs:         make(map[tasks.JobID]*jobEntry),
		completed:    make(map[string]map[tasks.ItemID]tasks.CompletedItem),
		newID:        uuid.NewString,
		timeProvider: realTimeProvider{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubmitItem registers a pending generation job for itemID.
func (b *Backend) SubmitItem(ctx context.Context, scopeID string, itemID tasks.ItemID, params map[string]string) (tasks.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if scopeID == "" || itemID == "" {
		return "", tasks.Permanent(errors.New("scope id and item id are required"))
	}

	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}
	return b.submit(&jobEntry{scopeID: scopeID, itemID: itemID, params: p}, tasks.JobKindItemGeneration), nil
}

// SubmitCombine registers a pending aggregate job over items.
func (b *Backend) SubmitCombine(ctx context.Context, scopeID string, items []tasks.ItemID) (tasks.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(items) < 2 {
		return "", tasks.Permanent(fmt.Errorf("%w: got %d items", tasks.ErrCombineIneligible, len(items)))
	}

	b.mu.RLock()
	done := b.completed[scopeID]
	for _, id := range items {
		if _, ok := done[id]; !ok {
			b.mu.RUnlock()
			return "", tasks.Permanent(fmt.Errorf("item %s has no completed output", id))
		}
	}
	b.mu.RUnlock()

	return b.submit(&jobEntry{scopeID: scopeID, items: append([]tasks.ItemID(nil), items...)}, tasks.JobKindAggregateCombination), nil
}

func (b *Backend) submit(e *jobEntry, kind tasks.JobKind) tasks.JobID {
	now := b.timeProvider.Now()
	id := tasks.JobID(b.newID())
	e.job = tasks.NewJob(id, kind, now)
	e.status = tasks.StatusPending
	e.hiddenReads = b.visibilityLag
	e.updatedAt = now

	b.mu.Lock()
	b.jobs[id] = e
	b.mu.Unlock()
	return id
}

// FetchStatus returns the job's record, or nil when the id is unknown.
func (b *Backend) FetchStatus(ctx context.Context, jobID tasks.JobID) (*tasks.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.jobs[jobID]
	if !ok {
		return nil, nil
	}
	if e.hiddenReads > 0 {
		e.hiddenReads--
		return nil, nil
	}
	return e.record(), nil
}

// FetchCompletedItems returns the scope's completed items ordered by id.
func (b *Backend) FetchCompletedItems(ctx context.Context, scopeID string) ([]tasks.CompletedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	done := b.completed[scopeID]
	out := make([]tasks.CompletedItem, 0, len(done))
	for _, item := range done {
		item.Result = *item.Result.Clone()
		out = append(out, item)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// Advance moves a job to running with the given float progress.
func (b *Backend) Advance(jobID tasks.JobID, progress float64, message string) error {
	return b.mutate(jobID, func(e *jobEntry) {
		e.status = tasks.StatusRunning
		e.progress = progress
		e.message = message
	})
}

// Complete finishes a job with result. Completed item jobs join the scope's
// authoritative list.
func (b *Backend) Complete(jobID tasks.JobID, result tasks.Result) error {
	return b.mutate(jobID, func(e *jobEntry) {
		e.status = tasks.StatusCompleted
		e.progress = 100
		e.message = ""
		e.result = result.Clone()
		if e.job.Kind() != tasks.JobKindItemGeneration {
			return
		}
		done := b.completed[e.scopeID]
		if done == nil {
			done = make(map[tasks.ItemID]tasks.CompletedItem)
			b.completed[e.scopeID] = done
		}
		done[e.itemID] = tasks.CompletedItem{ItemID: e.itemID, JobID: e.job.ID(), Result: *result.Clone()}
	})
}

// Fail finishes a job with a server-side error.
func (b *Backend) Fail(jobID tasks.JobID, message, code string) error {
	return b.mutate(jobID, func(e *jobEntry) {
		e.status = tasks.StatusFailed
		e.err = &tasks.JobError{Message: message, Code: code}
	})
}

// Forget drops a job so that subsequent reads report it as not found.
func (b *Backend) Forget(jobID tasks.JobID) {
	b.mu.Lock()
	delete(b.jobs, jobID)
	b.mu.Unlock()
}

func (b *Backend) mutate(jobID tasks.JobID, fn func(*jobEntry)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if e.status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, e.status)
	}
	fn(e)
	e.updatedAt = b.timeProvider.Now()
	return nil
}

// Job returns a view of one job.
func (b *Backend) Job(jobID tasks.JobID) (JobInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.jobs[jobID]
	if !ok {
		return JobInfo{}, false
	}
	return e.info(), true
}

// ActiveJobs returns every job that is not yet terminal, oldest first.
func (b *Backend) ActiveJobs() []JobInfo {
	b.mu.RLock()
	entries := make([]*jobEntry, 0, len(b.jobs))
	for _, e := range b.jobs {
		if !e.status.IsTerminal() {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].job.SubmittedAt().Before(entries[j].job.SubmittedAt())
	})
	out := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	b.mu.RUnlock()
	return out
}

func (e *jobEntry) info() JobInfo {
	params := make(map[string]string, len(e.params))
	for k, v := range e.params {
		params[k] = v
	}
	return JobInfo{
		ID:       e.job.ID(),
		Kind:     e.job.Kind(),
		ScopeID:  e.scopeID,
		ItemID:   e.itemID,
		Items:    append([]tasks.ItemID(nil), e.items...),
		Params:   params,
		Status:   e.status,
		Progress: e.progress,
	}
}
