package influx

import (
	"strings"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 10_000 // ms
)

type Config struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
	// Device tags every point so several miners can share a bucket.
	Device string
}

func DefaultConfig() Config {
	return Config{Bucket: "bitaxe"}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return errFactory.WithData(ErrInvalidConfig, "influx url must be http(s)")
	}
	if c.Org == "" || c.Bucket == "" {
		return errFactory.WithData(ErrInvalidConfig, "influx org and bucket are required")
	}
	return nil
}
