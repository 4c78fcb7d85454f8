package scheduler

import (
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const (
	defaultInterval        = 30 * time.Second
	defaultMaxBackoff      = 5 * time.Minute
	defaultBackoffAfter    = 2
	defaultStoreRetries    = 2
	defaultStoreRetryDelay = 200 * time.Millisecond
	defaultStoreAlertAfter = 3
	defaultPruneEvery      = 24 * time.Hour
	defaultOpTimeout       = 15 * time.Second
	defaultRecentAlerts    = 20
	defaultCommandBuffer   = 8

	// History loaded into the alert window on startup, in poll intervals.
	seedPolls = 10
)

type Config struct {
	Interval        time.Duration
	MaxBackoff      time.Duration
	BackoffAfter    int
	StoreRetries    int
	StoreRetryDelay time.Duration
	StoreAlertAfter int
	PruneEvery      time.Duration
	Retention       time.Duration

	// OpTimeout bounds every device call and store write, including the
	// one in flight when shutdown is requested.
	OpTimeout time.Duration

	RecentAlerts     int
	OptimizerEnabled bool
	Verbose          bool
}

func DefaultConfig() Config {
	return Config{
		Interval:         defaultInterval,
		MaxBackoff:       defaultMaxBackoff,
		BackoffAfter:     defaultBackoffAfter,
		StoreRetries:     defaultStoreRetries,
		StoreRetryDelay:  defaultStoreRetryDelay,
		StoreAlertAfter:  defaultStoreAlertAfter,
		PruneEvery:       defaultPruneEvery,
		OpTimeout:        defaultOpTimeout,
		RecentAlerts:     defaultRecentAlerts,
		OptimizerEnabled: true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Interval <= 0:
		return errFactory.WithData(errors.ErrInvalidInterval, "poll.interval must be positive")
	case c.MaxBackoff < c.Interval:
		return errFactory.WithData(errors.ErrInvalidInterval, "poll.max_backoff must not be below poll.interval")
	case c.BackoffAfter < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "poll.backoff_after must not be negative")
	case c.StoreRetries < 0 || c.StoreRetryDelay < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "poll.store_retries and store_retry_delay must not be negative")
	case c.StoreAlertAfter < 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "poll.store_alert_after must be at least 1")
	case c.OpTimeout <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "operation timeout must be positive")
	}

	return nil
}
