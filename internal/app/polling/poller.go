// Package polling watches a single asynchronous job until it reaches a
// terminal outcome, applying the retry, backoff, not-found grace and timeout
// policy described by Config.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

// State is the lifecycle of a poller run.
type State string

const (
	StateIdle      State = "IDLE"
	StatePolling   State = "POLLING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
	StateCancelled State = "CANCELLED"
)

// String returns the string representation of the State.
func (s State) String() string { return string(s) }

// IsTerminal reports whether the run has stopped.
func (s State) IsTerminal() bool {
	return s != StateIdle && s != StatePolling
}

// Callbacks receive the outcome of a run. Exactly one of OnComplete or OnError
// fires per run; OnProgress and OnRetry may fire any number of times before
// that. Callbacks run on the poller's goroutine while the poller is locked and
// must not call Start or Cancel on the same poller.
type Callbacks struct {
	OnProgress func(pct int, message string)
	OnComplete func(result tasks.Result)
	OnError    func(f *Failure)
	OnRetry    func(attempt int, delay time.Duration, err error)
}

// Poller is a restartable, cancellable watch over one job id. Each Start
// begins a new generation; deliveries from an older generation are dropped,
// so a cancelled run stays inert even if its in-flight fetch resolves later.
type Poller struct {
	fetcher   tasks.StatusFetcher
	cfg       Config
	callbacks Callbacks

	mu         sync.Mutex
	state      State
	generation uint64
	jobID      tasks.JobID
	cancel     context.CancelFunc
	done       chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPoller creates an idle poller. The config must pass Validate.
func NewPoller(
	fetcher tasks.StatusFetcher,
	cfg Config,
	callbacks Callbacks,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Poller, error) {
	if fetcher == nil {
		return nil, errors.New("status fetcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poller config: %w", err)
	}

	done := make(chan struct{})
	close(done)
	return &Poller{
		fetcher:   fetcher,
		cfg:       cfg,
		callbacks: callbacks,
		state:     StateIdle,
		done:      done,
		logger:    logger.With("component", "poller"),
		tracer:    tracer,
	}, nil
}

// Start begins watching jobID. Any run already in progress is cancelled first.
func (p *Poller) Start(ctx context.Context, jobID tasks.JobID) error {
	if jobID == "" {
		return errors.New("job id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked(StateCancelled)

	p.generation++
	p.state = StatePolling
	p.jobID = jobID

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx, p.generation, jobID, p.done)
	return nil
}

// Cancel stops the current run synchronously. Once it returns no callback of
// that run will fire. Calling it twice, or after a terminal outcome, is a no-op.
func (p *Poller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(StateCancelled)
}

func (p *Poller) stopLocked(terminal State) {
	if p.state != StatePolling {
		return
	}
	p.generation++
	p.state = terminal
	if p.cancel != nil {
		p.cancel()
	}
}

// State returns the state of the current run.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// JobID returns the job id of the current or most recent run.
func (p *Poller) JobID() tasks.JobID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobID
}

// Generation returns the current generation token.
func (p *Poller) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Done returns a channel closed when the current run's goroutine exits.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// outcome is what one poll decided.
type outcome struct {
	next     time.Duration
	result   *tasks.Result
	failure  *Failure
	terminal State
}

func (p *Poller) run(ctx context.Context, gen uint64, jobID tasks.JobID, done chan struct{}) {
	defer close(done)

	ctx, span := p.tracer.Start(ctx, "poller.run",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("max_total_wait", p.cfg.MaxTotalWait.String()),
			attribute.Int("max_attempts", p.cfg.MaxAttempts),
		))
	defer span.End()

	logr := p.logger.With("job_id", jobID)
	deadlineAt := time.Now().Add(p.cfg.MaxTotalWait)
	deadline := time.NewTimer(p.cfg.MaxTotalWait)
	defer deadline.Stop()

	tick := time.NewTimer(p.cfg.PollInterval)
	defer tick.Stop()

	w := &watch{
		cfg:          p.cfg,
		jobID:        jobID,
		deadlineAt:   deadlineAt,
		policy:       newRetryPolicy(p.cfg.PollInterval, p.cfg.BackoffCeiling),
		lastProgress: -1,
	}

	for {
		select {
		case <-ctx.Done():
			span.AddEvent("poller_cancelled")
			return
		case <-deadline.C:
			p.finish(ctx, gen, outcome{failure: w.timeout(), terminal: StateTimedOut}, span)
			return
		case <-tick.C:
		}

		fetchCtx, cancelFetch := context.WithDeadline(ctx, deadlineAt)
		rec, err := p.fetcher.FetchStatus(fetchCtx, jobID)
		cancelFetch()
		if ctx.Err() != nil {
			span.AddEvent("poller_cancelled_during_fetch")
			return
		}

		out := w.observe(rec, err, time.Now())
		switch {
		case out.terminal != "":
			p.finish(ctx, gen, out, span)
			return
		case out.failure == nil && err != nil:
			logr.Warn(ctx, "Status fetch failed, backing off",
				"retry", w.policy.count(),
				"delay", out.next,
				"err", err,
			)
			span.AddEvent("status_fetch_retry", trace.WithAttributes(
				attribute.Int("retry", w.policy.count()),
				attribute.String("delay", out.next.String()),
			))
			if !p.deliverRetry(gen, w.policy.count(), out.next, err) {
				return
			}
		case w.progressChanged:
			if !p.deliverProgress(gen, w.lastProgress, w.lastMessage) {
				return
			}
		}

		tick.Reset(out.next)
	}
}

// finish moves the run to its terminal state and fires the single outcome
// callback, unless the run was superseded in the meantime.
func (p *Poller) finish(ctx context.Context, gen uint64, out outcome, span trace.Span) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.generation != gen || p.state != StatePolling {
		span.AddEvent("stale_outcome_dropped")
		return
	}
	p.state = out.terminal
	if p.cancel != nil {
		p.cancel()
	}

	if out.failure != nil {
		p.logger.Warn(ctx, "Job watch ended without result",
			"job_id", out.failure.JobID,
			"kind", out.failure.Kind,
			"err", out.failure,
		)
		span.SetStatus(codes.Error, string(out.failure.Kind))
		span.RecordError(out.failure)
		if p.callbacks.OnError != nil {
			p.callbacks.OnError(out.failure)
		}
		return
	}

	span.SetStatus(codes.Ok, "job completed")
	if p.callbacks.OnComplete != nil {
		var res tasks.Result
		if out.result != nil {
			res = *out.result.Clone()
		}
		p.callbacks.OnComplete(res)
	}
}

func (p *Poller) deliverProgress(gen uint64, pct int, msg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen || p.state != StatePolling {
		return false
	}
	if p.callbacks.OnProgress != nil {
		p.callbacks.OnProgress(pct, msg)
	}
	return true
}

func (p *Poller) deliverRetry(gen uint64, attempt int, delay time.Duration, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen || p.state != StatePolling {
		return false
	}
	if p.callbacks.OnRetry != nil {
		p.callbacks.OnRetry(attempt, delay, err)
	}
	return true
}
