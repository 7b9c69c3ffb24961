package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/pkg/common/logger"
	"github.com/ahrav/renderwatch/pkg/common/otel"
)

// SimulatorConfig controls how fast simulated jobs progress.
type SimulatorConfig struct {
	// Tick is the interval between progress steps.
	Tick time.Duration `mapstructure:"tick" validate:"gt=0"`
	// ItemStep and AggregateStep are the percentage added per tick.
	ItemStep      float64 `mapstructure:"item_step" validate:"gt=0"`
	AggregateStep float64 `mapstructure:"aggregate_step" validate:"gt=0"`
	// Failures maps item ids to the server error their jobs end with.
	Failures map[string]string `mapstructure:"failures"`
}

// DefaultSimulatorConfig finishes an item in about ten seconds and a
// combination in about thirty.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Tick:          500 * time.Millisecond,
		ItemStep:      5,
		AggregateStep: 1.7,
	}
}

// Simulator advances every active job of a Backend on a ticker, the way a
// worker fleet would.
type Simulator struct {
	backend *Backend
	cfg     SimulatorConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSimulator creates a simulator over backend.
func NewSimulator(backend *Backend, cfg SimulatorConfig, logger *logger.Logger, tracer trace.Tracer) *Simulator {
	return &Simulator{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "job_simulator"),
		tracer:  tracer,
	}
}

// Run steps jobs until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info(ctx, "Job simulator started", "tick", s.cfg.Tick)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Job simulator stopped")
			return
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// Step advances every active job once and returns how many reached a
// terminal status.
func (s *Simulator) Step(ctx context.Context) int {
	active := s.backend.ActiveJobs()
	if len(active) == 0 {
		return 0
	}

	ctx, span := otel.AddSpan(ctx, s.tracer, "job_simulator.step", attribute.Int("active_jobs", len(active)))
	defer span.End()

	finished := 0
	for _, job := range active {
		step := s.cfg.ItemStep
		if job.Kind == tasks.JobKindAggregateCombination {
			step = s.cfg.AggregateStep
		}
		next := job.Progress + step

		if msg, ok := s.cfg.Failures[job.ItemID.String()]; ok && next >= 50 {
			if err := s.backend.Fail(job.ID, msg, ""); err == nil {
				finished++
				s.logger.Info(ctx, "Simulated job failed", "job_id", job.ID, "item_id", job.ItemID)
			}
			continue
		}

		if next < 100 {
			_ = s.backend.Advance(job.ID, next, progressMessage(job.Kind, next))
			continue
		}

		if err := s.backend.Complete(job.ID, s.result(job)); err == nil {
			finished++
			s.logger.Info(ctx, "Simulated job completed", "job_id", job.ID, "kind", job.Kind)
		}
	}
	span.SetAttributes(attribute.Int("finished", finished))
	return finished
}

func (s *Simulator) result(job JobInfo) tasks.Result {
	asset := uuid.NewString()
	name := job.ItemID.String()
	if job.Kind == tasks.JobKindAggregateCombination {
		name = "final"
	}
	return tasks.Result{
		URL:     fmt.Sprintf("memory://%s/%s-%s.mp4", job.ScopeID, name, asset[:8]),
		AssetID: asset,
		Metadata: map[string]string{
			"job_id": job.ID.String(),
			"kind":   job.Kind.String(),
		},
	}
}

func progressMessage(kind tasks.JobKind, pct float64) string {
	switch {
	case kind == tasks.JobKindAggregateCombination:
		return "Combining scenes"
	case pct < 20:
		return "Preparing assets"
	case pct < 80:
		return "Rendering"
	default:
		return "Encoding"
	}
}
