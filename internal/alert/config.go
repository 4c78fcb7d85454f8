package alert

import (
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const (
	defaultWindow              = 10
	defaultMinTrendSamples     = 3
	defaultConnectionLostAfter = 3
	defaultStoreAlertAfter     = 3
	defaultTempWarning         = 75.0
	defaultTempCritical        = 90.0
	defaultHashrateDrop        = 0.7
	defaultRejectFraction      = 0.05
	defaultCooldown            = 5 * time.Minute
)

type Config struct {
	Window               int
	MinTrendSamples      int
	ConnectionLostAfter  int
	StoreAlertAfter      int
	TempWarning          float64
	TempCritical         float64
	HashrateDropFraction float64
	RejectFraction       float64
	Cooldown             time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:               defaultWindow,
		MinTrendSamples:      defaultMinTrendSamples,
		ConnectionLostAfter:  defaultConnectionLostAfter,
		StoreAlertAfter:      defaultStoreAlertAfter,
		TempWarning:          defaultTempWarning,
		TempCritical:         defaultTempCritical,
		HashrateDropFraction: defaultHashrateDrop,
		RejectFraction:       defaultRejectFraction,
		Cooldown:             defaultCooldown,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Window < 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "alerts.window must be at least 1")
	case c.MinTrendSamples < 1 || c.MinTrendSamples > c.Window:
		return errFactory.WithData(errors.ErrInvalidConfig, "alerts.min_trend_samples must be within [1, window]")
	case c.ConnectionLostAfter < 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "alerts.connection_lost_after must be at least 1")
	case c.StoreAlertAfter < 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "poll.store_alert_after must be at least 1")
	case c.TempWarning >= c.TempCritical:
		return errFactory.WithData(errors.ErrInvalidConfig, "alerts.temp_warning must be below temp_critical")
	case c.HashrateDropFraction <= 0 || c.HashrateDropFraction >= 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "alerts.hashrate_drop_fraction must be in (0, 1)")
	case c.RejectFraction <= 0 || c.RejectFraction >= 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "alerts.reject_fraction must be in (0, 1)")
	case c.Cooldown < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "alerts.cooldown must not be negative")
	}

	return nil
}
