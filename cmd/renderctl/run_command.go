package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/internal/app/itemstore"
	"github.com/ahrav/renderwatch/internal/app/pipeline"
	"github.com/ahrav/renderwatch/internal/config"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/internal/infra/transport/rest"
	"github.com/ahrav/renderwatch/pkg/common"
	"github.com/ahrav/renderwatch/pkg/common/logger"
	"github.com/ahrav/renderwatch/pkg/common/otel"
)

const serviceName = "renderctl"

type runOptions struct {
	manifestPath string
	skipCombine  bool
	wait         common.WaitConfig
}

func newRunCommand(configFlag *string) *cobra.Command {
	opts := runOptions{wait: common.DefaultWaitConfig()}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate every enabled item of a manifest, then combine them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := newCommandEnv(ctx, *configFlag, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			manifest, err := config.LoadManifest(opts.manifestPath)
			if err != nil {
				return err
			}
			return runPipeline(ctx, env, manifest, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.manifestPath, "manifest", "m", "", "Pipeline manifest path")
	cmd.Flags().BoolVar(&opts.skipCombine, "no-combine", false, "Stop once every item has finished")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

// commandEnv is the shared wiring for commands that talk to the job server.
type commandEnv struct {
	cfg       *config.Config
	log       *logger.Logger
	providers *otel.Providers
	tracer    trace.Tracer
	client    *rest.Client
}

func newCommandEnv(ctx context.Context, configPath string, logOut io.Writer) (*commandEnv, error) {
	cfg, err := config.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.New(logOut, logger.ParseLevel(cfg.Log.Level), serviceName, otel.GetTraceID)

	name := cfg.Telemetry.ServiceName
	if name == "" {
		name = serviceName
	}
	providers, err := otel.InitTelemetry(log, otel.Config{
		Enabled:          cfg.Telemetry.Enabled,
		ServiceName:      name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("starting tracing: %w", err)
	}
	tracer := providers.Tracer.Tracer(name)

	client, err := rest.NewClient(cfg.Transport, log, tracer)
	if err != nil {
		providers.Shutdown(ctx)
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	return &commandEnv{cfg: cfg, log: log, providers: providers, tracer: tracer, client: client}, nil
}

func (e *commandEnv) close(ctx context.Context) { e.providers.Shutdown(ctx) }

func runPipeline(ctx context.Context, env *commandEnv, manifest *config.Manifest, opts runOptions, out io.Writer) error {
	scopeID := manifest.ScopeID
	if scopeID == "" {
		scopeID = env.cfg.ScopeID
	}
	client := env.client

	lc := logger.NewLoggerContext(env.log)
	lc.Add("run_id", uuid.NewString(), "scope_id", scopeID)

	if err := common.WaitForService(ctx, env.log, "job server", opts.wait, client.Ping); err != nil {
		return err
	}

	metrics, err := pipeline.NewPipelineMetrics(env.providers.Meter)
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	coord, err := pipeline.NewCoordinator(scopeID, client, client, itemstore.New(), env.cfg.Pipeline, metrics, env.log, env.tracer)
	if err != nil {
		return err
	}
	defer coord.Close()

	enabled := make(map[tasks.ItemID]bool, len(manifest.Items))
	for _, it := range manifest.Items {
		coord.SetEnabled(it.ItemID(), it.IsEnabled())
		if it.IsEnabled() {
			enabled[it.ItemID()] = true
		}
	}

	p := newPrinter(out)
	tracker := newRunTracker(enabled)
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	combine := func() {
		if opts.skipCombine || !coord.IsCombineEligible() {
			if !opts.skipCombine {
				p.printf("combine skipped: %d item(s) eligible", len(coord.EligibleItems()))
			}
			finish(nil)
			return
		}
		err := coord.Combine(ctx, func(ctx context.Context, items []tasks.ItemID) (tasks.JobID, error) {
			return client.SubmitCombine(ctx, scopeID, items)
		})
		if err != nil {
			finish(fmt.Errorf("starting combination: %w", err))
		}
	}

	coord.Subscribe(pipeline.Listener{
		OnProgress: func(id tasks.ItemID, pct int, msg string) {
			p.printf("[item %s] %3d%% %s", id, pct, msg)
		},
		OnComplete: func(id tasks.ItemID, res tasks.Result) {
			p.printf("[item %s] done %s", id, res.URL)
			if tracker.finished(id) {
				combine()
			}
		},
		OnError: func(id tasks.ItemID, msg string) {
			p.printf("[item %s] error: %s", id, msg)
			if tracker.finished(id) {
				combine()
			}
		},
		OnEligibilityChange: func(eligible bool) {
			p.printf("combine eligible: %t", eligible)
		},
		OnAggregateProgress: func(pct int, msg string) {
			p.printf("[combine] %3d%% %s", pct, msg)
		},
		OnAggregateComplete: func(res tasks.Result) {
			p.printf("[combine] done %s", res.URL)
			finish(nil)
		},
		OnAggregateError: func(msg string) {
			p.printf("[combine] error: %s", msg)
			finish(errors.New(msg))
		},
	})

	if n := coord.Resume(ctx); n > 0 {
		lc.Info(ctx, "Recovered completed items", "count", n)
	}

	recovered := completedItems(coord)
	submits := make(map[tasks.ItemID]tasks.SubmitFunc)
	for _, it := range manifest.Items {
		id := it.ItemID()
		if !enabled[id] || recovered[id] {
			continue
		}
		params := it.SubmitParams()
		submits[id] = func(ctx context.Context) (tasks.JobID, error) {
			return client.SubmitItem(ctx, scopeID, id, params)
		}
	}
	lc.Info(ctx, "Starting items", "count", len(submits), "enabled", len(enabled))
	if err := coord.StartAll(ctx, submits); err != nil {
		return err
	}
	if len(enabled) == 0 {
		finish(nil)
	}

	select {
	case err := <-done:
		for id, msg := range coord.Errors() {
			lc.Warn(ctx, "Item failed", "item_id", id, "message", msg)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func completedItems(coord *pipeline.Coordinator) map[tasks.ItemID]bool {
	out := make(map[tasks.ItemID]bool)
	for _, rec := range coord.Snapshot() {
		if rec.State == tasks.ItemStateCompleted {
			out[rec.ItemID] = true
		}
	}
	return out
}

// runTracker reports the moment every enabled item has reached a terminal
// state. It is only touched from listener callbacks, which run on a single
// goroutine.
type runTracker struct {
	pending  map[tasks.ItemID]bool
	reported bool
}

func newRunTracker(enabled map[tasks.ItemID]bool) *runTracker {
	pending := make(map[tasks.ItemID]bool, len(enabled))
	for id := range enabled {
		pending[id] = true
	}
	return &runTracker{pending: pending}
}

// finished marks id terminal and returns true exactly once, when no enabled
// item is pending any more.
func (t *runTracker) finished(id tasks.ItemID) bool {
	delete(t.pending, id)
	if len(t.pending) > 0 || t.reported {
		return false
	}
	t.reported = true
	return true
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	if out == nil {
		out = os.Stdout
	}
	return &printer{out: out}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}
