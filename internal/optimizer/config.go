package optimizer

import (
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

const (
	defaultFrequencyStep    = 25
	defaultMinFrequency     = 400
	defaultMaxFrequency     = 650
	defaultMinVoltage       = 1000
	defaultMaxVoltage       = 1300
	defaultEvaluationWindow = 3
	defaultNoiseMargin      = 0.02
	defaultDropFraction     = 0.7
	defaultTempCritical     = 90.0
	defaultReprobeInterval  = 30 * time.Minute
	defaultFailureCeiling   = 3
	defaultBackoffCooldown  = time.Hour
	defaultPollInterval     = 30 * time.Second
)

type Config struct {
	Enabled          bool
	FrequencyStep    int
	MinFrequency     int
	MaxFrequency     int
	MinVoltage       int
	MaxVoltage       int
	EvaluationWindow int
	NoiseMargin      float64
	DropFraction     float64
	TempCritical     float64
	ReprobeInterval  time.Duration
	FailureCeiling   int
	BackoffCooldown  time.Duration

	// PollInterval bounds how long a pending change may wait for its
	// evaluation samples.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FrequencyStep:    defaultFrequencyStep,
		MinFrequency:     defaultMinFrequency,
		MaxFrequency:     defaultMaxFrequency,
		MinVoltage:       defaultMinVoltage,
		MaxVoltage:       defaultMaxVoltage,
		EvaluationWindow: defaultEvaluationWindow,
		NoiseMargin:      defaultNoiseMargin,
		DropFraction:     defaultDropFraction,
		TempCritical:     defaultTempCritical,
		ReprobeInterval:  defaultReprobeInterval,
		FailureCeiling:   defaultFailureCeiling,
		BackoffCooldown:  defaultBackoffCooldown,
		PollInterval:     defaultPollInterval,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.FrequencyStep <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer.frequency_step must be positive")
	case c.MinFrequency <= 0 || c.MinFrequency >= c.MaxFrequency:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer.min_frequency must be positive and below max_frequency")
	case c.MinVoltage <= 0 || c.MinVoltage >= c.MaxVoltage:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer.min_voltage must be positive and below max_voltage")
	case c.EvaluationWindow < 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer.evaluation_window must be at least 1")
	case c.NoiseMargin < 0 || c.NoiseMargin >= 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer.noise_margin must be in [0, 1)")
	case c.DropFraction <= 0 || c.DropFraction >= 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer.drop_fraction must be in (0, 1)")
	case c.FailureCeiling < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer.failure_ceiling must not be negative")
	case c.ReprobeInterval <= 0 || c.BackoffCooldown <= 0 || c.PollInterval <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "optimizer intervals must be positive")
	}

	return nil
}

// InEnvelope reports whether settings lie within the configured safe range.
func (c Config) InEnvelope(s telemetry.Settings) bool {
	return s.Frequency >= c.MinFrequency && s.Frequency <= c.MaxFrequency &&
		s.Voltage >= c.MinVoltage && s.Voltage <= c.MaxVoltage
}

func (c Config) evaluationTimeout() time.Duration {
	return time.Duration(c.EvaluationWindow+1) * c.PollInterval
}
