package notify

import (
	"strings"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const (
	defaultQueueSize       = 32
	defaultTimeout         = 10 * time.Second
	defaultSummaryInterval = 24 * time.Hour
)

type Config struct {
	WebhookURL     string
	WebhookChannel string
	QueueSize      int
	Timeout        time.Duration

	// SummaryInterval is how often a history digest is sent. Zero disables it.
	SummaryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:       defaultQueueSize,
		Timeout:         defaultTimeout,
		SummaryInterval: defaultSummaryInterval,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.QueueSize < 1 {
		return errFactory.WithData(ErrInvalidConfig, "notify queue_size must be at least 1")
	}
	if c.Timeout <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "notify timeout must be positive")
	}
	if c.SummaryInterval < 0 {
		return errFactory.WithData(ErrInvalidConfig, "notify summary_interval must not be negative")
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "https://") && !strings.HasPrefix(c.WebhookURL, "http://") {
		return errFactory.WithData(ErrInvalidConfig, "notify webhook_url must be http(s)")
	}
	return nil
}
