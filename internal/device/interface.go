package device

import (
	"context"

	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

// Client talks to a single Bitaxe over its HTTP API. It holds no state
// beyond connection parameters and never retries; retry policy belongs to
// the caller.
type Client interface {
	// FetchTelemetry returns a complete sample or fails with one of
	// ErrUnreachable, ErrTimeout or ErrMalformedResponse.
	FetchTelemetry(ctx context.Context) (telemetry.Sample, error)

	// ApplySettings pushes frequency and core voltage. It returns once the
	// device acknowledges; it does not wait for the ASIC to re-stabilize.
	// Fails with ErrUnreachable, ErrTimeout or ErrRejected.
	ApplySettings(ctx context.Context, settings telemetry.Settings) error
}
