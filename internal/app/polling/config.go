package polling

import (
	"errors"
	"fmt"
	"time"
)

// Config bounds how long and how aggressively one job is watched.
type Config struct {
	// PollInterval is the delay between healthy polls and the base of the
	// transient-error backoff.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	// MaxTotalWait is the wall-clock ceiling after which a job still pending
	// or running is reported as timed out.
	MaxTotalWait time.Duration `mapstructure:"max_total_wait" validate:"gt=0"`
	// MaxConsecutiveRetries is how many transient errors in a row are absorbed;
	// the next one fails the job.
	MaxConsecutiveRetries int `mapstructure:"max_consecutive_retries" validate:"gte=0"`
	// BackoffCeiling caps the transient-error backoff. Zero means uncapped.
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling" validate:"gte=0"`
	// NotFoundGrace is how many consecutive not-found responses are tolerated
	// while the status record becomes visible after submission.
	NotFoundGrace int `mapstructure:"not_found_grace" validate:"gte=0"`
	// MaxAttempts caps the total number of polls. Zero means no cap.
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=0"`
}

// DefaultItemConfig returns the policy for single-item generation jobs.
func DefaultItemConfig() Config {
	return Config{
		PollInterval:          3 * time.Second,
		MaxTotalWait:          10 * time.Minute,
		MaxConsecutiveRetries: 5,
		BackoffCeiling:        30 * time.Second,
		NotFoundGrace:         3,
	}
}

// DefaultAggregateConfig returns the policy for combination jobs, which are
// expected to run materially longer than any single item.
func DefaultAggregateConfig() Config {
	return Config{
		PollInterval:          5 * time.Second,
		MaxTotalWait:          30 * time.Minute,
		MaxConsecutiveRetries: 5,
		BackoffCeiling:        time.Minute,
		NotFoundGrace:         3,
		MaxAttempts:           360,
	}
}

// Validate reports configuration that would leave a poller unable to terminate
// or spin without delay.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.MaxTotalWait <= 0 {
		errs = append(errs, fmt.Errorf("max total wait must be positive, got %s", c.MaxTotalWait))
	}
	if c.MaxConsecutiveRetries < 0 {
		errs = append(errs, fmt.Errorf("max consecutive retries must not be negative, got %d", c.MaxConsecutiveRetries))
	}
	if c.BackoffCeiling < 0 {
		errs = append(errs, fmt.Errorf("backoff ceiling must not be negative, got %s", c.BackoffCeiling))
	}
	if c.NotFoundGrace < 0 {
		errs = append(errs, fmt.Errorf("not-found grace must not be negative, got %d", c.NotFoundGrace))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must not be negative, got %d", c.MaxAttempts))
	}
	return errors.Join(errs...)
}
