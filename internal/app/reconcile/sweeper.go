// Package reconcile repairs the item store when polling alone misses a
// completion: after a reload destroyed in-memory pollers, or after a terminal
// poll response was lost to a transient error. It periodically diffs the
// authoritative list of completed items against the store.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/internal/app/itemstore"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

// DefaultInterval is the sweep cadence. It is a safety net and should stay
// well above the per-item poll interval.
const DefaultInterval = 2 * time.Minute

// PollerCanceller stops the live poller of an item, if any, without touching
// the item's stored state. jobID is the job whose completion was just written;
// implementations keep a poller that belongs to a newer attempt.
type PollerCanceller interface {
	CancelSuperseded(itemID tasks.ItemID, jobID tasks.JobID)
}

// Metrics records reconciliation activity.
type Metrics interface {
	IncItemsRescued(ctx context.Context)
	IncSweepErrors(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) IncItemsRescued(context.Context) {}
func (noopMetrics) IncSweepErrors(context.Context)  {}

// Sweeper is the reconciliation loop for one scope.
type Sweeper struct {
	scopeID   string
	fetcher   tasks.CompletedItemsFetcher
	store     *itemstore.Store
	canceller PollerCanceller
	interval  time.Duration
	metrics   Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelCauseFunc
	done    chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSweeper creates a sweeper over store. A nil canceller or metrics is
// allowed; a non-positive interval falls back to DefaultInterval.
func NewSweeper(
	scopeID string,
	fetcher tasks.CompletedItemsFetcher,
	store *itemstore.Store,
	canceller PollerCanceller,
	interval time.Duration,
	metrics Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Sweeper{
		scopeID:   scopeID,
		fetcher:   fetcher,
		store:     store,
		canceller: canceller,
		interval:  interval,
		metrics:   metrics,
		logger:    logger.With("component", "reconcile_sweeper", "scope_id", scopeID),
		tracer:    tracer,
	}
}

// Backfill resumes a session: every item the authoritative list reports as
// complete while the store still shows it idle is marked completed. It returns
// the number of items written.
func (s *Sweeper) Backfill(ctx context.Context) int {
	return s.reconcile(ctx, "backfill", func(rec tasks.ItemRecord, _ tasks.CompletedItem) bool {
		return rec.State == tasks.ItemStateIdle
	})
}

// Sweep writes every completion the store does not yet show and cancels the
// superseded pollers. An entry is only applied to the attempt that produced
// it: an item whose submission is still in flight, or that now tracks another
// job, is left alone. Running it again against an unchanged list writes
// nothing.
func (s *Sweeper) Sweep(ctx context.Context) int {
	return s.reconcile(ctx, "sweep", func(rec tasks.ItemRecord, item tasks.CompletedItem) bool {
		switch {
		case rec.State == tasks.ItemStateCompleted:
			return false
		case rec.JobID == "":
			return rec.State != tasks.ItemStateRunning
		case item.JobID == "":
			return true
		default:
			return rec.JobID == item.JobID
		}
	})
}

func (s *Sweeper) reconcile(
	ctx context.Context,
	op string,
	eligible func(tasks.ItemRecord, tasks.CompletedItem) bool,
) int {
	logr := s.logger.With("operation", op)
	ctx, span := s.tracer.Start(ctx, "reconcile_sweeper."+op,
		trace.WithAttributes(attribute.String("scope_id", s.scopeID)))
	defer span.End()

	// Errors here are swallowed by contract: the primary polling path must not
	// depend on this best-effort repair.
	items, err := s.fetcher.FetchCompletedItems(ctx, s.scopeID)
	if err != nil {
		logr.Error(ctx, "Completed items fetch failed", "err", err)
		span.SetStatus(codes.Error, "completed items fetch failed")
		span.RecordError(err)
		s.metrics.IncSweepErrors(ctx)
		return 0
	}
	span.AddEvent("completed_items_fetched", trace.WithAttributes(attribute.Int("count", len(items))))

	repaired := 0
	for _, item := range items {
		var prev tasks.ItemRecord
		changed, err := s.store.SetIf(item.ItemID, tasks.CompletionUpdate(item.JobID, item.Result),
			func(rec tasks.ItemRecord) bool {
				prev = rec
				return eligible(rec, item)
			})
		if err != nil {
			logr.Warn(ctx, "Item repair rejected", "item_id", item.ItemID, "err", err)
			continue
		}
		if !changed {
			if prev.State != tasks.ItemStateCompleted && prev.JobID != item.JobID {
				logr.Debug(ctx, "Completion skipped for a superseded attempt",
					"item_id", item.ItemID,
					"job_id", item.JobID,
					"current_job_id", prev.JobID,
				)
			}
			continue
		}
		if s.canceller != nil {
			s.canceller.CancelSuperseded(item.ItemID, item.JobID)
		}

		repaired++
		s.metrics.IncItemsRescued(ctx)
		logr.Info(ctx, "Item completion recovered from authoritative list",
			"item_id", item.ItemID,
			"job_id", item.JobID,
			"previous_state", prev.State,
		)
	}

	span.AddEvent("reconcile_completed", trace.WithAttributes(attribute.Int("repaired", repaired)))
	span.SetStatus(codes.Ok, "reconcile completed")
	return repaired
}

// Ensure starts the periodic sweep if it is not already running. The loop
// stops on its own once no item remains running, so callers invoke Ensure
// every time an item starts.
func (s *Sweeper) Ensure(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancelCause(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.store.CountInState(tasks.ItemStateRunning) > 0 {
			s.Sweep(ctx)
		}
		if s.quiesce(ctx) {
			return
		}
	}
}

// quiesce marks the loop stopped when nothing is running. The running check
// happens under the same lock Ensure takes, so an item that starts while the
// loop exits still gets a fresh loop.
func (s *Sweeper) quiesce(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.CountInState(tasks.ItemStateRunning) > 0 {
		return false
	}
	s.running = false
	if s.cancel != nil {
		s.cancel(errors.New("no running items"))
	}
	s.logger.Debug(ctx, "Reconciliation sweep quiesced")
	return true
}

// Running reports whether the periodic sweep is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop terminates the periodic sweep and waits for the loop to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel(errors.New("reconcile sweeper stopped"))
	done := s.done
	s.mu.Unlock()

	<-done
}
