package store

import (
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const (
	defaultDirPerm       = 0o755
	defaultDBPath        = "/var/lib/bitaxectl/history.db"
	defaultRetentionDays = 30
	defaultBusyTimeout   = 5 * time.Second
)

type Config struct {
	DBPath        string
	Enabled       bool
	RetentionDays int
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		Enabled:       true,
		RetentionDays: defaultRetentionDays,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errors.New().New(ErrInvalidDBPath)
	}
	if c.RetentionDays < 0 {
		return errors.New().WithData(errors.ErrInvalidConfig, "retention_days must not be negative")
	}
	return nil
}

// Retention returns how long history is kept; zero keeps everything.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
