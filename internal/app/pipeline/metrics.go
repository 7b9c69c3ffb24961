package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/renderwatch/internal/app/reconcile"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// PipelineMetrics defines metrics operations needed by the coordinator.
type PipelineMetrics interface {
	// Reconciliation metrics
	reconcile.Metrics

	// Job metrics
	IncJobsSubmitted(ctx context.Context, kind tasks.JobKind)
	IncJobsCompleted(ctx context.Context, kind tasks.JobKind)
	IncJobsFailed(ctx context.Context, kind tasks.JobKind, reason string)
	IncPollRetries(ctx context.Context, kind tasks.JobKind)
	ObserveJobWait(ctx context.Context, kind tasks.JobKind, d time.Duration)

	// Poller metrics
	AddActivePollers(ctx context.Context, delta int)
}

// pipelineMetrics implements PipelineMetrics
type pipelineMetrics struct {
	jobsSubmitted metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	pollRetries   metric.Int64Counter
	jobWait       metric.Float64Histogram

	activePollers metric.Int64UpDownCounter

	itemsRescued metric.Int64Counter
	sweepErrors  metric.Int64Counter
}

const namespace = "renderwatch_pipeline"

// NewPipelineMetrics creates a new pipeline metrics instance.
func NewPipelineMetrics(mp metric.MeterProvider) (*pipelineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(pipelineMetrics)
	var err error

	if m.jobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted"),
	); err != nil {
		return nil, err
	}

	if m.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs observed completing"),
	); err != nil {
		return nil, err
	}

	if m.jobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total number of jobs that ended without a result"),
	); err != nil {
		return nil, err
	}

	if m.pollRetries, err = meter.Int64Counter(
		"poll_retries_total",
		metric.WithDescription("Total number of status fetches retried after a transient error"),
	); err != nil {
		return nil, err
	}

	if m.jobWait, err = meter.Float64Histogram(
		"job_wait_duration_seconds",
		metric.WithDescription("Time from submission until a job reached a terminal outcome"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.activePollers, err = meter.Int64UpDownCounter(
		"active_pollers",
		metric.WithDescription("Number of pollers currently watching a job"),
	); err != nil {
		return nil, err
	}

	if m.itemsRescued, err = meter.Int64Counter(
		"items_rescued_total",
		metric.WithDescription("Total number of item completions recovered by reconciliation"),
	); err != nil {
		return nil, err
	}

	if m.sweepErrors, err = meter.Int64Counter(
		"sweep_errors_total",
		metric.WithDescription("Total number of failed reconciliation sweeps"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func kindAttr(kind tasks.JobKind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind.String()))
}

func (m *pipelineMetrics) IncJobsSubmitted(ctx context.Context, kind tasks.JobKind) {
	m.jobsSubmitted.Add(ctx, 1, kindAttr(kind))
}

func (m *pipelineMetrics) IncJobsCompleted(ctx context.Context, kind tasks.JobKind) {
	m.jobsCompleted.Add(ctx, 1, kindAttr(kind))
}

func (m *pipelineMetrics) IncJobsFailed(ctx context.Context, kind tasks.JobKind, reason string) {
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("reason", reason),
	))
}

func (m *pipelineMetrics) IncPollRetries(ctx context.Context, kind tasks.JobKind) {
	m.pollRetries.Add(ctx, 1, kindAttr(kind))
}

func (m *pipelineMetrics) ObserveJobWait(ctx context.Context, kind tasks.JobKind, d time.Duration) {
	m.jobWait.Record(ctx, d.Seconds(), kindAttr(kind))
}

func (m *pipelineMetrics) AddActivePollers(ctx context.Context, delta int) {
	m.activePollers.Add(ctx, int64(delta))
}

func (m *pipelineMetrics) IncItemsRescued(ctx context.Context) { m.itemsRescued.Add(ctx, 1) }

func (m *pipelineMetrics) IncSweepErrors(ctx context.Context) { m.sweepErrors.Add(ctx, 1) }

type noopPipelineMetrics struct{}

func (noopPipelineMetrics) IncJobsSubmitted(context.Context, tasks.JobKind)             {}
func (noopPipelineMetrics) IncJobsCompleted(context.Context, tasks.JobKind)             {}
func (noopPipelineMetrics) IncJobsFailed(context.Context, tasks.JobKind, string)        {}
func (noopPipelineMetrics) IncPollRetries(context.Context, tasks.JobKind)               {}
func (noopPipelineMetrics) ObserveJobWait(context.Context, tasks.JobKind, time.Duration) {}
func (noopPipelineMetrics) AddActivePollers(context.Context, int)                       {}
func (noopPipelineMetrics) IncItemsRescued(context.Context)                             {}
func (noopPipelineMetrics) IncSweepErrors(context.Context)                              {}
