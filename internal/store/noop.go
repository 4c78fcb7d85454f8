package store

import (
	"context"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

// Noop is the live-only store used when persistence is disabled. Appends
// succeed and queries return empty results.
type Noop struct{}

func NewNoop() Store {
	return Noop{}
}

func (Noop) AppendSample(context.Context, telemetry.Sample) error             { return nil }
func (Noop) AppendAlert(context.Context, telemetry.AlertEvent) error          { return nil }
func (Noop) AppendAction(context.Context, telemetry.OptimizationAction) error { return nil }

func (Noop) QuerySamples(context.Context, time.Time, time.Time) ([]telemetry.Sample, error) {
	return []telemetry.Sample{}, nil
}

func (Noop) QueryAlerts(context.Context, time.Time, time.Time) ([]telemetry.AlertEvent, error) {
	return []telemetry.AlertEvent{}, nil
}

func (Noop) QueryActions(context.Context, time.Time, time.Time) ([]telemetry.OptimizationAction, error) {
	return []telemetry.OptimizationAction{}, nil
}

func (Noop) LatestOptimizationState(context.Context) (telemetry.OptimizationState, bool, error) {
	return telemetry.OptimizationState{}, false, nil
}

func (Noop) SaveOptimizationState(context.Context, telemetry.OptimizationState) error { return nil }

func (Noop) AcknowledgeAlert(_ context.Context, id string) error {
	return errFactory.WithData(ErrNotFound, id)
}

func (Noop) UnacknowledgedAlerts(context.Context) ([]telemetry.AlertEvent, error) {
	return []telemetry.AlertEvent{}, nil
}

func (Noop) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

func (Noop) Close() error { return nil }
