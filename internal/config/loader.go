package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahrav/renderwatch/internal/app/polling"
)

// EnvPrefix namespaces environment overrides, e.g. RENDERWATCH_TRANSPORT_BASE_URL.
const EnvPrefix = "RENDERWATCH"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// FileLoader layers an optional YAML file and RENDERWATCH_* environment
// variables over Default.
type FileLoader struct {
	// path is the filesystem path to the configuration file. Empty means
	// defaults and environment only.
	path string
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader creates a loader for path.
func NewFileLoader(path string) *FileLoader { return &FileLoader{path: path} }

// Load reads, decodes and validates the configuration.
func (l *FileLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("scope_id", d.ScopeID)
	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.probability", d.Telemetry.Probability)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)

	v.SetDefault("transport.base_url", d.Transport.BaseURL)
	v.SetDefault("transport.request_timeout", d.Transport.RequestTimeout)
	v.SetDefault("transport.requests_per_second", d.Transport.RequestsPerSecond)
	v.SetDefault("transport.burst", d.Transport.Burst)

	setPollerDefaults(v, "pipeline.item", d.Pipeline.Item)
	setPollerDefaults(v, "pipeline.aggregate", d.Pipeline.Aggregate)
	v.SetDefault("pipeline.reconcile_interval", d.Pipeline.ReconcileInterval)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("simulator.tick", d.Simulator.Tick)
	v.SetDefault("simulator.item_step", d.Simulator.ItemStep)
	v.SetDefault("simulator.aggregate_step", d.Simulator.AggregateStep)
}

func setPollerDefaults(v *viper.Viper, prefix string, c polling.Config) {
	v.SetDefault(prefix+".poll_interval", c.PollInterval)
	v.SetDefault(prefix+".max_total_wait", c.MaxTotalWait)
	v.SetDefault(prefix+".max_consecutive_retries", c.MaxConsecutiveRetries)
	v.SetDefault(prefix+".backoff_ceiling", c.BackoffCeiling)
	v.SetDefault(prefix+".not_found_grace", c.NotFoundGrace)
	v.SetDefault(prefix+".max_attempts", c.MaxAttempts)
}
