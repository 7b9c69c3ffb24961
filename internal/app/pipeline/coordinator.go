// Package pipeline orchestrates N independent item jobs followed by one
// dependent aggregate job that combines the completed items' outputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/renderwatch/internal/app/itemstore"
	"github.com/ahrav/renderwatch/internal/app/polling"
	"github.com/ahrav/renderwatch/internal/app/reconcile"
	"github.com/ahrav/renderwatch/internal/domain/events"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
	eventdispatcher "github.com/ahrav/renderwatch/internal/infra/event_dispatcher"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

// MinCombineItems is the number of enabled completed items combine requires.
const MinCombineItems = 2

// Config holds the polling policies for both job kinds and the sweep cadence.
type Config struct {
	Item              polling.Config `mapstructure:"item"`
	Aggregate         polling.Config `mapstructure:"aggregate"`
	ReconcileInterval time.Duration  `mapstructure:"reconcile_interval" validate:"gte=0"`
}

// DefaultConfig returns the default policies.
func DefaultConfig() Config {
	return Config{
		Item:              polling.DefaultItemConfig(),
		Aggregate:         polling.DefaultAggregateConfig(),
		ReconcileInterval: reconcile.DefaultInterval,
	}
}

// Validate checks both poller policies.
func (c Config) Validate() error {
	var errs []error
	if err := c.Item.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("item: %w", err))
	}
	if err := c.Aggregate.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("aggregate: %w", err))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, fmt.Errorf("reconcile interval must not be negative, got %s", c.ReconcileInterval))
	}
	return errors.Join(errs...)
}

// Listener binds presentation callbacks. Any field may be nil. Callbacks run
// on a single delivery goroutine in emission order and may call back into the
// coordinator, except for Close.
type Listener struct {
	OnProgress func(itemID tasks.ItemID, pct int, message string)
	OnComplete func(itemID tasks.ItemID, result tasks.Result)
	OnError    func(itemID tasks.ItemID, message string)

	OnEligibilityChange func(eligible bool)

	OnAggregateProgress func(pct int, message string)
	OnAggregateComplete func(result tasks.Result)
	OnAggregateError    func(message string)
}

// AggregateState is the observable state of the combination job.
type AggregateState struct {
	State       tasks.ItemState
	JobID       tasks.JobID
	Items       []tasks.ItemID
	Progress    int
	Message     string
	Result      *tasks.Result
	Error       string
	FailureKind string
}

// itemRun tracks the latest attempt for one item. generation is bumped on
// every start and cancellation; outcomes carrying an older value are dropped.
type itemRun struct {
	generation   uint64
	poller       *polling.Poller
	cancelSubmit context.CancelFunc
}

type aggregateRun struct {
	generation   uint64
	poller       *polling.Poller
	cancelSubmit context.CancelFunc
	state        AggregateState
}

// Coordinator drives one pipeline scope. It owns one poller per running item,
// the aggregate poller and the reconciliation sweeper for the scope.
//
// Lock order: poller callbacks, then writeMu, then the store, then mu. Pollers
// are never cancelled while writeMu or mu is held.
type Coordinator struct {
	scopeID string
	fetcher tasks.StatusFetcher
	store   *itemstore.Store
	sweeper *reconcile.Sweeper
	cfg     Config
	metrics PipelineMetrics

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	dispatcher *eventdispatcher.Dispatcher
	submits    sync.WaitGroup

	// writeMu serializes generation checks with the store write they guard.
	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	items     map[tasks.ItemID]*itemRun
	disabled  map[tasks.ItemID]bool
	eligible  bool
	aggregate *aggregateRun
	aggGen    uint64

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator for scopeID. A nil metrics is allowed.
func NewCoordinator(
	scopeID string,
	fetcher tasks.StatusFetcher,
	completed tasks.CompletedItemsFetcher,
	store *itemstore.Store,
	cfg Config,
	metrics PipelineMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	if fetcher == nil {
		return nil, errors.New("status fetcher is required")
	}
	if completed == nil {
		return nil, errors.New("completed items fetcher is required")
	}
	if store == nil {
		return nil, errors.New("item store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if metrics == nil {
		metrics = noopPipelineMetrics{}
	}

	logger = logger.With("component", "pipeline_coordinator", "scope_id", scopeID)
	baseCtx, cancel := context.WithCancelCause(context.Background())

	c := &Coordinator{
		scopeID:    scopeID,
		fetcher:    fetcher,
		store:      store,
		cfg:        cfg,
		metrics:    metrics,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		dispatcher: eventdispatcher.New(tracer, logger),
		items:      make(map[tasks.ItemID]*itemRun),
		disabled:   make(map[tasks.ItemID]bool),
		logger:     logger,
		tracer:     tracer,
	}
	c.sweeper = reconcile.NewSweeper(scopeID, completed, store, c, cfg.ReconcileInterval, metrics, logger, tracer)
	store.OnChange(c.onItemChange)
	c.dispatcher.Start(baseCtx)

	return c, nil
}

// Subscribe registers l for all subsequent events.
func (c *Coordinator) Subscribe(l Listener) {
	ctx := c.baseCtx
	d := c.dispatcher
	if l.OnProgress != nil {
		d.RegisterHandler(ctx, events.ItemProgress, func(_ context.Context, e events.Event) {
			l.OnProgress(e.ItemID, e.Progress, e.Message)
		})
	}
	if l.OnComplete != nil {
		d.RegisterHandler(ctx, events.ItemCompleted, func(_ context.Context, e events.Event) {
			l.OnComplete(e.ItemID, derefResult(e.Result))
		})
	}
	if l.OnError != nil {
		d.RegisterHandler(ctx, events.ItemFailed, func(_ context.Context, e events.Event) {
			l.OnError(e.ItemID, e.Message)
		})
	}
	if l.OnEligibilityChange != nil {
		d.RegisterHandler(ctx, events.CombineEligibilityChanged, func(_ context.Context, e events.Event) {
			l.OnEligibilityChange(e.Eligible)
		})
	}
	if l.OnAggregateProgress != nil {
		d.RegisterHandler(ctx, events.AggregateProgress, func(_ context.Context, e events.Event) {
			l.OnAggregateProgress(e.Progress, e.Message)
		})
	}
	if l.OnAggregateComplete != nil {
		d.RegisterHandler(ctx, events.AggregateCompleted, func(_ context.Context, e events.Event) {
			l.OnAggregateComplete(derefResult(e.Result))
		})
	}
	if l.OnAggregateError != nil {
		d.RegisterHandler(ctx, events.AggregateFailed, func(_ context.Context, e events.Event) {
			l.OnAggregateError(e.Message)
		})
	}
}

// Resume backfills the store from the authoritative list of completed items,
// restoring a session whose in-memory pollers were lost. It returns the number
// of items recovered.
func (c *Coordinator) Resume(ctx context.Context) int {
	return c.sweeper.Backfill(ctx)
}

// Start submits a new job for itemID and watches it. Any previous attempt for
// the item is cancelled first and can no longer write the store. Submission
// and polling failures are reported through the store and OnError, never as a
// returned error; Start only fails on a closed coordinator or a nil submit.
func (c *Coordinator) Start(ctx context.Context, itemID tasks.ItemID, submit tasks.SubmitFunc) error {
	if submit == nil {
		return errors.New("submit function is required")
	}

	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.start",
		trace.WithAttributes(
			attribute.String("scope_id", c.scopeID),
			attribute.String("item_id", itemID.String()),
		))
	defer span.End()

	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		span.SetStatus(codes.Error, "coordinator closed")
		return tasks.ErrCoordinatorClosed
	}
	run := c.items[itemID]
	if run == nil {
		run = new(itemRun)
		c.items[itemID] = run
	}
	prevPoller, prevCancel := run.poller, run.cancelSubmit
	run.generation++
	gen := run.generation
	runCtx, cancel := context.WithCancel(trace.ContextWithSpanContext(c.baseCtx, span.SpanContext()))
	run.poller, run.cancelSubmit = nil, cancel
	c.submits.Add(1)
	c.mu.Unlock()

	c.store.Reset(itemID, tasks.RunningUpdate(""))
	c.writeMu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevPoller != nil {
		prevPoller.Cancel()
		span.AddEvent("previous_attempt_cancelled")
	}

	c.sweeper.Ensure(c.baseCtx)
	go c.submitItem(runCtx, itemID, gen, submit)

	span.SetStatus(codes.Ok, "item started")
	return nil
}

// Retry re-submits a failed item under a brand-new job id.
func (c *Coordinator) Retry(ctx context.Context, itemID tasks.ItemID, submit tasks.SubmitFunc) error {
	return c.Start(ctx, itemID, submit)
}

// StartAll starts every item concurrently and returns the first start error.
func (c *Coordinator) StartAll(ctx context.Context, submits map[tasks.ItemID]tasks.SubmitFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for id, submit := range submits {
		g.Go(func() error {
			if err := c.Start(ctx, id, submit); err != nil {
				return fmt.Errorf("start item %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) submitItem(ctx context.Context, itemID tasks.ItemID, gen uint64, submit tasks.SubmitFunc) {
	defer c.submits.Done()
	logr := c.logger.With("item_id", itemID)
	kind := tasks.JobKindItemGeneration
	submittedAt := time.Now()

	jobID, err := submit(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil && jobID == "" {
		err = errors.New("submission returned an empty job id")
	}
	if err != nil {
		logr.Warn(ctx, "Item submission failed", "err", err)
		c.metrics.IncJobsFailed(ctx, kind, polling.FailureSubmit.String())
		c.writeItem(itemID, gen, failureUpdate(itemID, &polling.Failure{
			Kind:    polling.FailureSubmit,
			Code:    tasks.ErrorCode(err),
			Message: err.Error(),
			Err:     err,
		}))
		return
	}
	c.metrics.IncJobsSubmitted(ctx, kind)
	if !c.writeItem(itemID, gen, tasks.RunningUpdate(jobID)) {
		return
	}

	p, err := polling.NewPoller(c.fetcher, c.cfg.Item, c.itemCallbacks(ctx, itemID, gen, jobID, submittedAt), c.logger, c.tracer)
	if err != nil {
		c.writeItem(itemID, gen, failureUpdate(itemID, &polling.Failure{Kind: polling.FailureSubmit, JobID: jobID, Message: err.Error(), Err: err}))
		return
	}

	c.mu.Lock()
	run := c.items[itemID]
	if run == nil || run.generation != gen {
		c.mu.Unlock()
		return
	}
	run.poller = p
	c.mu.Unlock()

	if err := p.Start(ctx, jobID); err != nil {
		logr.Error(ctx, "Poller start failed", "job_id", jobID, "err", err)
		return
	}
	c.trackPoller(ctx, p)

	// A cancellation that raced the start saw no live poller to stop.
	if !c.isCurrent(itemID, gen) {
		p.Cancel()
	}
	logr.Info(ctx, "Item job submitted", "job_id", jobID)
}

func (c *Coordinator) itemCallbacks(
	ctx context.Context,
	itemID tasks.ItemID,
	gen uint64,
	jobID tasks.JobID,
	submittedAt time.Time,
) polling.Callbacks {
	kind := tasks.JobKindItemGeneration
	return polling.Callbacks{
		OnProgress: func(pct int, message string) {
			c.writeItem(itemID, gen, tasks.ProgressUpdate(pct, message))
		},
		OnComplete: func(result tasks.Result) {
			c.metrics.IncJobsCompleted(ctx, kind)
			c.metrics.ObserveJobWait(ctx, kind, time.Since(submittedAt))
			c.writeItem(itemID, gen, tasks.CompletionUpdate(jobID, result))
		},
		OnError: func(f *polling.Failure) {
			c.metrics.IncJobsFailed(ctx, kind, f.Kind.String())
			c.metrics.ObserveJobWait(ctx, kind, time.Since(submittedAt))
			c.writeItem(itemID, gen, failureUpdate(itemID, f))
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.metrics.IncPollRetries(ctx, kind)
		},
	}
}

func (c *Coordinator) trackPoller(ctx context.Context, p *polling.Poller) {
	done := p.Done()
	c.metrics.AddActivePollers(ctx, 1)
	go func() {
		<-done
		c.metrics.AddActivePollers(ctx, -1)
	}()
}

func failureUpdate(itemID tasks.ItemID, f *polling.Failure) tasks.ItemUpdate {
	return tasks.FailureUpdate(UserMessage("Item "+itemID.String(), f), f.Kind.String())
}

// writeItem applies upd if gen is still the item's current generation. It
// reports whether the write was allowed; a write rejected by the store's
// lifecycle rules counts as allowed.
func (c *Coordinator) writeItem(itemID tasks.ItemID, gen uint64, upd tasks.ItemUpdate) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.isCurrent(itemID, gen) {
		return false
	}
	if _, err := c.store.Set(itemID, upd); err != nil {
		c.logger.Debug(c.baseCtx, "Stale item write rejected", "item_id", itemID, "err", err)
	}
	return true
}

func (c *Coordinator) isCurrent(itemID tasks.ItemID, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	run := c.items[itemID]
	return !c.closed && run != nil && run.generation == gen
}

// detach bumps the item's generation and returns whatever was live for it.
func (c *Coordinator) detach(itemID tasks.ItemID) (*polling.Poller, context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run := c.items[itemID]
	if run == nil {
		return nil, nil
	}
	run.generation++
	p, cancel := run.poller, run.cancelSubmit
	run.poller, run.cancelSubmit = nil, nil
	return p, cancel
}

// CancelSuperseded stops the item's live poller after the sweeper wrote the
// completion of jobID, which the poller had not yet observed. It does nothing
// once the item has been restarted since that write.
func (c *Coordinator) CancelSuperseded(itemID tasks.ItemID, jobID tasks.JobID) {
	c.writeMu.Lock()
	rec := c.store.Get(itemID)
	if rec.State != tasks.ItemStateCompleted || (jobID != "" && rec.JobID != jobID) {
		c.writeMu.Unlock()
		return
	}
	p, cancel := c.detach(itemID)
	c.writeMu.Unlock()
	stopRun(p, cancel)
}

// cancelPoller stops the item's live poller and pending submission without
// touching its stored state.
func (c *Coordinator) cancelPoller(itemID tasks.ItemID) {
	stopRun(c.detach(itemID))
}

func stopRun(p *polling.Poller, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.Cancel()
	}
}

// Cancel stops watching itemID. A running item returns to idle; completed and
// failed items keep their state.
func (c *Coordinator) Cancel(itemID tasks.ItemID) {
	c.cancelPoller(itemID)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.store.Get(itemID).State == tasks.ItemStateRunning {
		c.store.Reset(itemID, tasks.ItemUpdate{})
	}
}

// SetEnabled includes or excludes an item from combination. Items are
// enabled until told otherwise.
func (c *Coordinator) SetEnabled(itemID tasks.ItemID, enabled bool) {
	c.mu.Lock()
	if enabled {
		delete(c.disabled, itemID)
	} else {
		c.disabled[itemID] = true
	}
	c.mu.Unlock()
	c.refreshEligibility()
}

// Enabled reports whether itemID is included in combination.
func (c *Coordinator) Enabled(itemID tasks.ItemID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disabled[itemID]
}

// EligibleItems returns the enabled completed items, ordered by id.
func (c *Coordinator) EligibleItems() []tasks.ItemID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eligibleLocked()
}

// IsCombineEligible reports whether at least two enabled items are completed.
func (c *Coordinator) IsCombineEligible() bool {
	return len(c.EligibleItems()) >= MinCombineItems
}

func (c *Coordinator) eligibleLocked() []tasks.ItemID {
	completed := c.store.IDsInState(tasks.ItemStateCompleted)
	out := completed[:0]
	for _, id := range completed {
		if !c.disabled[id] {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) refreshEligibility() {
	c.mu.Lock()
	eligible := len(c.eligibleLocked()) >= MinCombineItems
	changed := eligible != c.eligible
	c.eligible = eligible
	if changed {
		c.post(events.Event{Type: events.CombineEligibilityChanged, Eligible: eligible})
	}
	c.mu.Unlock()
}

// onItemChange turns store changes into subscriber events. Completions found
// by the poller and the sweeper produce one write between them, so each
// completion is announced exactly once.
func (c *Coordinator) onItemChange(prev, curr tasks.ItemRecord) {
	evt := events.Event{ItemID: curr.ItemID, JobID: curr.JobID}
	switch {
	case curr.State == tasks.ItemStateCompleted && prev.State != tasks.ItemStateCompleted:
		evt.Type = events.ItemCompleted
		evt.Result = curr.Result.Clone()
	case curr.State == tasks.ItemStateFailed && (prev.State != tasks.ItemStateFailed || prev.Error != curr.Error):
		evt.Type, evt.Message = events.ItemFailed, curr.Error
	case curr.State == tasks.ItemStateRunning && prev.State == tasks.ItemStateRunning &&
		(prev.Progress != curr.Progress || prev.Message != curr.Message):
		evt.Type, evt.Progress, evt.Message = events.ItemProgress, curr.Progress, curr.Message
	}
	if evt.Type != "" {
		c.post(evt)
	}

	if prev.State != curr.State {
		c.refreshEligibility()
	}
}

func (c *Coordinator) post(evt events.Event) {
	evt.ScopeID = c.scopeID
	evt.Timestamp = time.Now().UTC()
	c.dispatcher.Post(c.baseCtx, evt)
}

// Combine submits the aggregate job over the enabled completed items. It
// fails fast with tasks.ErrCombineIneligible when fewer than two qualify and
// with tasks.ErrCombineInFlight while a previous combination is active.
// Failures after acceptance are reported through OnAggregateError.
func (c *Coordinator) Combine(ctx context.Context, submit tasks.CombineSubmitFunc) error {
	if submit == nil {
		return errors.New("combine submit function is required")
	}

	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.combine",
		trace.WithAttributes(attribute.String("scope_id", c.scopeID)))
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return tasks.ErrCoordinatorClosed
	}
	items := append([]tasks.ItemID(nil), c.eligibleLocked()...)
	if len(items) < MinCombineItems {
		c.mu.Unlock()
		err := fmt.Errorf("%w: %d eligible", tasks.ErrCombineIneligible, len(items))
		span.SetStatus(codes.Error, "combine ineligible")
		span.RecordError(err)
		return err
	}
	if c.aggregate != nil && c.aggregate.state.State == tasks.ItemStateRunning {
		c.mu.Unlock()
		span.SetStatus(codes.Error, "combine in flight")
		return tasks.ErrCombineInFlight
	}

	c.aggGen++
	gen := c.aggGen
	runCtx, cancel := context.WithCancel(trace.ContextWithSpanContext(c.baseCtx, span.SpanContext()))
	c.aggregate = &aggregateRun{
		generation:   gen,
		cancelSubmit: cancel,
		state:        AggregateState{State: tasks.ItemStateRunning, Items: items},
	}
	c.submits.Add(1)
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("item_count", len(items)))
	go c.submitAggregate(runCtx, gen, items, submit)

	span.SetStatus(codes.Ok, "combine accepted")
	return nil
}

func (c *Coordinator) submitAggregate(ctx context.Context, gen uint64, items []tasks.ItemID, submit tasks.CombineSubmitFunc) {
	defer c.submits.Done()
	kind := tasks.JobKindAggregateCombination
	submittedAt := time.Now()

	jobID, err := submit(ctx, items)
	if ctx.Err() != nil {
		return
	}
	if err == nil && jobID == "" {
		err = errors.New("submission returned an empty job id")
	}
	if err != nil {
		c.logger.Warn(ctx, "Combine submission failed", "err", err)
		c.metrics.IncJobsFailed(ctx, kind, polling.FailureSubmit.String())
		c.failAggregate(gen, &polling.Failure{Kind: polling.FailureSubmit, Code: tasks.ErrorCode(err), Message: err.Error(), Err: err})
		return
	}
	c.metrics.IncJobsSubmitted(ctx, kind)

	p, err := polling.NewPoller(c.fetcher, c.cfg.Aggregate, c.aggregateCallbacks(ctx, gen, submittedAt), c.logger, c.tracer)
	if err != nil {
		c.failAggregate(gen, &polling.Failure{Kind: polling.FailureSubmit, JobID: jobID, Message: err.Error(), Err: err})
		return
	}

	c.mu.Lock()
	if c.aggregate == nil || c.aggregate.generation != gen {
		c.mu.Unlock()
		return
	}
	c.aggregate.poller = p
	c.aggregate.state.JobID = jobID
	c.mu.Unlock()

	if err := p.Start(ctx, jobID); err != nil {
		c.logger.Error(ctx, "Aggregate poller start failed", "job_id", jobID, "err", err)
		return
	}
	c.trackPoller(ctx, p)

	c.mu.Lock()
	stale := c.aggregate == nil || c.aggregate.generation != gen
	c.mu.Unlock()
	if stale {
		p.Cancel()
	}
	c.logger.Info(ctx, "Combine job submitted", "job_id", jobID, "items", len(items))
}

func (c *Coordinator) aggregateCallbacks(ctx context.Context, gen uint64, submittedAt time.Time) polling.Callbacks {
	kind := tasks.JobKindAggregateCombination
	return polling.Callbacks{
		OnProgress: func(pct int, message string) {
			c.updateAggregate(gen, func(s *AggregateState) events.EventType {
				s.Progress, s.Message = pct, message
				return events.AggregateProgress
			})
		},
		OnComplete: func(result tasks.Result) {
			c.metrics.IncJobsCompleted(ctx, kind)
			c.metrics.ObserveJobWait(ctx, kind, time.Since(submittedAt))
			c.updateAggregate(gen, func(s *AggregateState) events.EventType {
				s.State, s.Progress, s.Message = tasks.ItemStateCompleted, 100, ""
				s.Result = result.Clone()
				return events.AggregateCompleted
			})
		},
		OnError: func(f *polling.Failure) {
			c.metrics.IncJobsFailed(ctx, kind, f.Kind.String())
			c.metrics.ObserveJobWait(ctx, kind, time.Since(submittedAt))
			c.failAggregate(gen, f)
		},
		OnRetry: func(int, time.Duration, error) {
			c.metrics.IncPollRetries(ctx, kind)
		},
	}
}

func (c *Coordinator) failAggregate(gen uint64, f *polling.Failure) {
	c.updateAggregate(gen, func(s *AggregateState) events.EventType {
		s.State = tasks.ItemStateFailed
		s.Error = UserMessage("Combination", f)
		s.FailureKind = f.Kind.String()
		return events.AggregateFailed
	})
}

func (c *Coordinator) updateAggregate(gen uint64, mutate func(*AggregateState) events.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.aggregate == nil || c.aggregate.generation != gen {
		return
	}
	s := &c.aggregate.state
	evtType := mutate(s)
	c.post(events.Event{
		Type:     evtType,
		JobID:    s.JobID,
		Progress: s.Progress,
		Message:  firstNonEmpty(s.Error, s.Message),
		Result:   s.Result.Clone(),
	})
}

// CancelCombine stops the aggregate job watch. The aggregate returns to idle.
func (c *Coordinator) CancelCombine() {
	c.mu.Lock()
	run := c.aggregate
	c.aggregate = nil
	c.aggGen++
	c.mu.Unlock()

	if run == nil {
		return
	}
	if run.cancelSubmit != nil {
		run.cancelSubmit()
	}
	if run.poller != nil {
		run.poller.Cancel()
	}
}

// AggregateState returns the state of the most recent combination.
func (c *Coordinator) AggregateState() AggregateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aggregate == nil {
		return AggregateState{State: tasks.ItemStateIdle}
	}
	s := c.aggregate.state
	s.Items = append([]tasks.ItemID(nil), s.Items...)
	s.Result = s.Result.Clone()
	return s
}

// Snapshot returns every tracked item record.
func (c *Coordinator) Snapshot() []tasks.ItemRecord { return c.store.Snapshot() }

// Errors returns the user-facing message of every failed item.
func (c *Coordinator) Errors() map[tasks.ItemID]string {
	out := make(map[tasks.ItemID]string)
	for _, rec := range c.store.Snapshot() {
		if rec.State == tasks.ItemStateFailed {
			out[rec.ItemID] = rec.Error
		}
	}
	return out
}

// Close cancels every poller, pending submission and the sweeper, then waits
// for queued events to be delivered. It must not be called from a Listener.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var pollers []*polling.Poller
	for _, run := range c.items {
		run.generation++
		if run.cancelSubmit != nil {
			run.cancelSubmit()
		}
		if run.poller != nil {
			pollers = append(pollers, run.poller)
		}
		run.poller, run.cancelSubmit = nil, nil
	}
	if c.aggregate != nil && c.aggregate.poller != nil {
		pollers = append(pollers, c.aggregate.poller)
	}
	c.mu.Unlock()

	for _, p := range pollers {
		p.Cancel()
	}
	c.baseCancel(tasks.ErrCoordinatorClosed)
	c.sweeper.Stop()
	c.submits.Wait()
	c.dispatcher.Close()
	c.logger.Info(context.Background(), "Pipeline coordinator closed")
}

func derefResult(r *tasks.Result) tasks.Result {
	if r == nil {
		return tasks.Result{}
	}
	return *r
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
