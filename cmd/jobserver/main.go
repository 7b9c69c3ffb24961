package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/renderwatch/internal/api"
	"github.com/ahrav/renderwatch/internal/config"
	"github.com/ahrav/renderwatch/internal/infra/transport/memory"
	"github.com/ahrav/renderwatch/pkg/common/logger"
	"github.com/ahrav/renderwatch/pkg/common/otel"
)

var build = "develop"

const serviceType = "job-server"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "Configuration file path")
	debugAddr := flag.String("debug-addr", "", "Address for the statsviz debug listener; empty disables it")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx := context.Background()

	cfg, err := config.NewFileLoader(*configPath).Load(ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("JOB-SERVER-%s", hostname)
	metadata := map[string]string{
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}
	lg := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), svcName, otel.GetTraceID, logEvents, metadata)

	if err := run(ctx, lg, cfg, hostname, *debugAddr); err != nil {
		lg.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname, debugAddr string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = serviceType
	}
	providers, err := otel.InitTelemetry(log, otel.Config{
		Enabled:          cfg.Telemetry.Enabled,
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer providers.Shutdown(ctx)

	tracer := providers.Tracer.Tracer(serviceName)

	// -------------------------------------------------------------------------
	// Start Debug Service
	if debugAddr != "" {
		mux := http.NewServeMux()
		if err := statsviz.Register(mux); err != nil {
			return fmt.Errorf("registering statsviz: %w", err)
		}
		go func() {
			log.Info(ctx, "startup", "status", "debug router started", "host", debugAddr)
			if err := http.ListenAndServe(debugAddr, mux); err != nil {
				log.Error(ctx, "shutdown", "status", "debug router closed", "host", debugAddr, "msg", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Start Simulated Backend
	log.Info(ctx, "startup", "status", "initializing simulated backend")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := memory.NewBackend()
	sim := memory.NewSimulator(backend, cfg.Simulator, log, tracer)
	go sim.Run(ctx)

	// -------------------------------------------------------------------------
	// Start API Service
	metricCollector, err := api.NewAPIMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	srv := api.NewServer(cfg.Server, build, backend, metricCollector, log, tracer)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info(context.Background(), "shutdown", "status", "shutdown complete")
	return nil
}
