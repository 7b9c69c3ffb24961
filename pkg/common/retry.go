package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/renderwatch/pkg/common/logger"
)

// WaitConfig bounds how long a startup dependency is waited for.
type WaitConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultWaitConfig retries for up to two minutes, starting at half a second.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// WaitForService calls check with exponential backoff until it succeeds, the
// elapsed-time budget runs out or ctx is canceled. It smooths over
// dependencies that come up after the caller, such as a job server started
// alongside the CLI.
func WaitForService(ctx context.Context, log *logger.Logger, name string, cfg WaitConfig, check func(ctx context.Context) error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialInterval
	expBackoff.MaxInterval = cfg.MaxInterval
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime

	operation := func() error { return check(ctx) }
	notify := func(err error, next time.Duration) {
		log.Warn(ctx, "Service not ready, will retry", "service", name, "retry_in", next, "err", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return fmt.Errorf("%s not ready after retries: %w", name, err)
	}
	log.Info(ctx, "Service ready", "service", name)
	return nil
}
