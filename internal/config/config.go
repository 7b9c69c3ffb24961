// Package config loads the runtime configuration shared by renderctl and the
// job server.
package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/renderwatch/internal/api"
	"github.com/ahrav/renderwatch/internal/app/pipeline"
	"github.com/ahrav/renderwatch/internal/infra/transport/memory"
	"github.com/ahrav/renderwatch/internal/infra/transport/rest"
)

// Config represents the top-level configuration.
type Config struct {
	// ScopeID names the project whose items are orchestrated.
	ScopeID string `mapstructure:"scope_id" validate:"required"`

	Log       LogConfig              `mapstructure:"log"`
	Telemetry TelemetryConfig        `mapstructure:"telemetry"`
	Transport rest.Config            `mapstructure:"transport"`
	Pipeline  pipeline.Config        `mapstructure:"pipeline"`
	Server    api.Config             `mapstructure:"server"`
	Simulator memory.SimulatorConfig `mapstructure:"simulator"`
}

// LogConfig selects the minimum log level.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string  `mapstructure:"service_name"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
	Insecure    bool    `mapstructure:"insecure"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		ScopeID: "default",
		Log:     LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Probability: 0.1,
			Insecure:    true,
		},
		Transport: rest.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Server:    api.DefaultConfig(),
		Simulator: memory.DefaultSimulatorConfig(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field poller rules.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
