package store

import (
	"context"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

// Store persists device history. Every append is durable before it returns,
// and range queries are inclusive on both ends, ordered oldest first.
type Store interface {
	AppendSample(ctx context.Context, sample telemetry.Sample) error
	AppendAlert(ctx context.Context, alert telemetry.AlertEvent) error
	AppendAction(ctx context.Context, action telemetry.OptimizationAction) error

	QuerySamples(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error)
	QueryAlerts(ctx context.Context, from, to time.Time) ([]telemetry.AlertEvent, error)
	QueryActions(ctx context.Context, from, to time.Time) ([]telemetry.OptimizationAction, error)

	// LatestOptimizationState returns false when no state was ever saved.
	LatestOptimizationState(ctx context.Context) (telemetry.OptimizationState, bool, error)
	SaveOptimizationState(ctx context.Context, state telemetry.OptimizationState) error

	AcknowledgeAlert(ctx context.Context, id string) error
	UnacknowledgedAlerts(ctx context.Context) ([]telemetry.AlertEvent, error)

	// Prune drops samples and acknowledged alerts older than before.
	// The action log is kept.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Records is the result of a query by kind; only the slice matching the
// requested kind is populated.
type Records struct {
	Kind    telemetry.Kind
	Samples []telemetry.Sample
	Alerts  []telemetry.AlertEvent
	Actions []telemetry.OptimizationAction
}

func (r Records) Len() int {
	return len(r.Samples) + len(r.Alerts) + len(r.Actions)
}

// Query dispatches a range query on the record stream named by kind.
func Query(ctx context.Context, s Store, kind telemetry.Kind, from, to time.Time) (Records, error) {
	out := Records{Kind: kind}

	var err error
	switch kind {
	case telemetry.KindSample:
		out.Samples, err = s.QuerySamples(ctx, from, to)
	case telemetry.KindAlert:
		out.Alerts, err = s.QueryAlerts(ctx, from, to)
	case telemetry.KindAction:
		out.Actions, err = s.QueryActions(ctx, from, to)
	default:
		return out, errFactory.WithData(ErrUnknownKind, string(kind))
	}

	return out, err
}
