package polling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

type step struct {
	rec *tasks.StatusRecord
	err error
}

// scriptedFetcher replays steps in order and repeats the last one forever.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (f *scriptedFetcher) FetchStatus(_ context.Context, _ tasks.JobID) (*tasks.StatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.calls++
	return f.steps[idx].rec, f.steps[idx].err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func running(pct int) step {
	return step{rec: &tasks.StatusRecord{Status: tasks.StatusRunning, Progress: pct}}
}

func completed(url string) step {
	return step{rec: &tasks.StatusRecord{Status: tasks.StatusCompleted, Progress: 100, Result: &tasks.Result{URL: url}}}
}

func transient() step {
	return step{err: &tasks.TransportError{StatusCode: 503, Err: errors.New("unavailable")}}
}

func notFound() step { return step{} }

// recorder captures callbacks and counts terminal deliveries.
type recorder struct {
	mu        sync.Mutex
	progress  []int
	retries   []time.Duration
	results   []tasks.Result
	failures  []*Failure
	terminals atomic.Int32
	done      chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{}, 4)} }

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(pct int, _ string) {
			r.mu.Lock()
			r.progress = append(r.progress, pct)
			r.mu.Unlock()
		},
		OnRetry: func(_ int, delay time.Duration, _ error) {
			r.mu.Lock()
			r.retries = append(r.retries, delay)
			r.mu.Unlock()
		},
		OnComplete: func(res tasks.Result) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.mu.Unlock()
			r.terminals.Add(1)
			r.done <- struct{}{}
		},
		OnError: func(f *Failure) {
			r.mu.Lock()
			r.failures = append(r.failures, f)
			r.mu.Unlock()
			r.terminals.Add(1)
			r.done <- struct{}{}
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poller outcome")
	}
}

func testConfig() Config {
	return Config{
		PollInterval:          2 * time.Millisecond,
		MaxTotalWait:          2 * time.Second,
		MaxConsecutiveRetries: 3,
		BackoffCeiling:        10 * time.Millisecond,
		NotFoundGrace:         2,
	}
}

func newTestPoller(t *testing.T, f tasks.StatusFetcher, cfg Config, cb Callbacks) *Poller {
	t.Helper()
	p, err := NewPoller(f, cfg, cb, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return p
}

func TestPoller_CompletesAfterPolls(t *testing.T) {
	f := &scriptedFetcher{steps: []step{running(40), completed("https://cdn/scene1.png")}}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)
	<-p.Done()

	assert.Equal(t, StateCompleted, p.State())
	assert.Equal(t, 2, f.Calls())
	require.Len(t, rec.results, 1)
	assert.Equal(t, "https://cdn/scene1.png", rec.results[0].URL)
	assert.Equal(t, []int{40}, rec.progress)
	assert.Empty(t, rec.failures)
}

func TestPoller_ProgressNeverDecreases(t *testing.T) {
	f := &scriptedFetcher{steps: []step{running(50), running(30), running(70), completed("u")}}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)

	assert.Equal(t, []int{50, 70}, rec.progress)
}

func TestPoller_TransientErrorsThenComplete(t *testing.T) {
	f := &scriptedFetcher{steps: []step{transient(), transient(), completed("u")}}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-3"))
	rec.wait(t)

	assert.Equal(t, StateCompleted, p.State())
	assert.Equal(t, []time.Duration{4 * time.Millisecond, 8 * time.Millisecond}, rec.retries)
}

func TestPoller_RetriesExhaustedOnNextTransientError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveRetries = 2
	f := &scriptedFetcher{steps: []step{transient()}}
	rec := newRecorder()
	p := newTestPoller(t, f, cfg, rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)

	require.Len(t, rec.failures, 1)
	assert.Equal(t, FailureRetriesExhausted, rec.failures[0].Kind)
	assert.ErrorIs(t, rec.failures[0], tasks.ErrRetriesExhausted)
	assert.Equal(t, 3, f.Calls(), "two retries absorbed, third error is fatal")
	assert.Equal(t, StateFailed, p.State())
}

func TestPoller_SuccessResetsRetryCounter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveRetries = 2
	f := &scriptedFetcher{steps: []step{
		transient(), transient(), running(10),
		transient(), transient(), completed("u"),
	}}
	rec := newRecorder()
	p := newTestPoller(t, f, cfg, rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)

	assert.Equal(t, StateCompleted, p.State())
	assert.Equal(t, []time.Duration{
		4 * time.Millisecond, 8 * time.Millisecond,
		4 * time.Millisecond, 8 * time.Millisecond,
	}, rec.retries)
}

func TestPoller_PermanentErrorFailsImmediately(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{err: &tasks.TransportError{StatusCode: 401, Err: errors.New("unauthorized")}}}}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)

	require.Len(t, rec.failures, 1)
	assert.Equal(t, FailurePermanent, rec.failures[0].Kind)
	assert.Equal(t, 1, f.Calls())
}

func TestPoller_NotFoundGrace(t *testing.T) {
	tests := []struct {
		name      string
		steps     []step
		wantState State
	}{
		{
			name:      "visible_within_grace",
			steps:     []step{notFound(), notFound(), completed("u")},
			wantState: StateCompleted,
		},
		{
			name:      "lost_after_grace",
			steps:     []step{notFound()},
			wantState: StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{steps: tt.steps}
			rec := newRecorder()
			p := newTestPoller(t, f, testConfig(), rec.callbacks())

			require.NoError(t, p.Start(context.Background(), "job-1"))
			rec.wait(t)

			assert.Equal(t, tt.wantState, p.State())
			if tt.wantState == StateFailed {
				require.Len(t, rec.failures, 1)
				assert.Equal(t, FailureLost, rec.failures[0].Kind)
				assert.ErrorIs(t, rec.failures[0], tasks.ErrTaskLost)
				assert.Equal(t, 3, f.Calls())
			}
		})
	}
}

func TestPoller_TerminalServerFailure(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{rec: &tasks.StatusRecord{
		Status: tasks.StatusFailed,
		Error:  &tasks.JobError{Message: "Insufficient credits", Code: "insufficient_credits"},
	}}}}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)

	require.Len(t, rec.failures, 1)
	assert.Equal(t, FailureTerminal, rec.failures[0].Kind)
	assert.Equal(t, "Insufficient credits", rec.failures[0].Message)
	assert.Equal(t, "insufficient_credits", rec.failures[0].Code)
}

func TestPoller_PaymentRequiredCarriesCode(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{err: &tasks.TransportError{StatusCode: 402, Err: errors.New("rejected")}}}}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)

	require.Len(t, rec.failures, 1)
	assert.Equal(t, FailurePermanent, rec.failures[0].Kind)
	assert.Equal(t, tasks.CodePaymentRequired, rec.failures[0].Code)
}

func TestPoller_TimesOutWhileHealthy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalWait = 40 * time.Millisecond
	f := &scriptedFetcher{steps: []step{running(10)}}
	rec := newRecorder()
	p := newTestPoller(t, f, cfg, rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-2"))
	rec.wait(t)

	assert.Equal(t, StateTimedOut, p.State())
	require.Len(t, rec.failures, 1)
	assert.Equal(t, FailureTimeout, rec.failures[0].Kind)
	assert.ErrorIs(t, rec.failures[0], tasks.ErrTimedOut)
}

func TestPoller_MaxAttemptsCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	f := &scriptedFetcher{steps: []step{running(10)}}
	rec := newRecorder()
	p := newTestPoller(t, f, cfg, rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-agg"))
	rec.wait(t)

	require.Len(t, rec.failures, 1)
	assert.Equal(t, FailureMaxAttempts, rec.failures[0].Kind)
	assert.ErrorIs(t, rec.failures[0], tasks.ErrMaxAttemptsExceeded)
	assert.Equal(t, 3, f.Calls())
}

// blockingFetcher holds every fetch until released, then reports completion.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchStatus(_ context.Context, _ tasks.JobID) (*tasks.StatusRecord, error) {
	f.entered <- struct{}{}
	<-f.release
	return completed("late").rec, nil
}

func TestPoller_CancelledRunNeverDelivers(t *testing.T) {
	f := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	<-f.entered

	p.Cancel()
	assert.Equal(t, StateCancelled, p.State())
	close(f.release)
	<-p.Done()

	assert.Zero(t, rec.terminals.Load(), "a cancelled run must stay inert")
}

func TestPoller_RestartSupersedesPreviousRun(t *testing.T) {
	f := &blockingFetcher{entered: make(chan struct{}, 2), release: make(chan struct{})}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	require.NoError(t, p.Start(context.Background(), "job-old"))
	<-f.entered
	firstDone := p.Done()
	firstGen := p.Generation()

	require.NoError(t, p.Start(context.Background(), "job-new"))
	assert.Greater(t, p.Generation(), firstGen)
	<-f.entered

	close(f.release)
	<-firstDone
	rec.wait(t)
	<-p.Done()

	assert.Equal(t, int32(1), rec.terminals.Load(), "only the latest run may deliver")
	assert.Equal(t, tasks.JobID("job-new"), p.JobID())
}

func TestPoller_CancelIsIdempotent(t *testing.T) {
	f := &scriptedFetcher{steps: []step{completed("u")}}
	rec := newRecorder()
	p := newTestPoller(t, f, testConfig(), rec.callbacks())

	p.Cancel()
	assert.Equal(t, StateIdle, p.State())

	require.NoError(t, p.Start(context.Background(), "job-1"))
	rec.wait(t)
	p.Cancel()
	p.Cancel()

	assert.Equal(t, StateCompleted, p.State(), "cancel after natural termination is a no-op")
	assert.Equal(t, int32(1), rec.terminals.Load())
}

func TestNewPoller_RejectsInvalidConfig(t *testing.T) {
	_, err := NewPoller(&scriptedFetcher{}, Config{}, Callbacks{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.Error(t, err)

	_, err = NewPoller(nil, testConfig(), Callbacks{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.Error(t, err)
}
