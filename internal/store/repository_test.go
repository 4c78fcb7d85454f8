package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/store"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")

	s, err := store.NewSQLite(cfg, logger.New("store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func sampleAt(ts time.Time, hashrate float64) telemetry.Sample {
	return telemetry.Sample{
		Timestamp:      ts,
		Hashrate:       hashrate,
		Temperature:    60.5,
		Power:          15,
		Voltage:        1150,
		Frequency:      525,
		SharesAccepted: 10,
		SharesRejected: 1,
		PoolState:      telemetry.PoolConnected,
		FanSpeed:       70,
		Uptime:         90 * time.Second,
	}
}

func TestSamplesQueryInOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var want []telemetry.Sample
	for i := 0; i < 5; i++ {
		sample := sampleAt(t0.Add(time.Duration(i)*30*time.Second), 500+float64(i))
		require.NoError(t, s.AppendSample(ctx, sample))
		want = append(want, sample)
	}

	got, err := s.QuerySamples(ctx, want[0].Timestamp, want[len(want)-1].Timestamp)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}

	middle, err := s.QuerySamples(ctx, want[1].Timestamp, want[3].Timestamp)
	require.NoError(t, err)
	assert.Len(t, middle, 3)
}

func TestEmptyRangeIsNotAnError(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	samples, err := s.QuerySamples(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, samples)
	assert.Empty(t, samples)

	records, err := store.Query(ctx, s, telemetry.KindAction, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, records.Len())
}

func TestAppendSampleOutOfOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSample(ctx, sampleAt(t0, 500)))
	require.NoError(t, s.AppendSample(ctx, sampleAt(t0, 501)), "equal timestamps keep order")

	err := s.AppendSample(ctx, sampleAt(t0.Add(-time.Second), 502))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, store.ErrOutOfOrder))
	assert.False(t, errors.HasCode(err, store.ErrStoreUnavailable))
}

func TestAlertsAndAcknowledge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ref := t0.Add(-time.Second)
	alerts := []telemetry.AlertEvent{
		{ID: "a1", Timestamp: t0, Kind: telemetry.AlertThermal, Severity: telemetry.SeverityCritical, SampleTime: &ref, Message: "hot"},
		{ID: "a2", Timestamp: t0.Add(time.Minute), Kind: telemetry.AlertConnectionLost, Severity: telemetry.SeverityCritical, Message: "gone"},
	}
	for _, a := range alerts {
		require.NoError(t, s.AppendAlert(ctx, a))
	}

	got, err := s.QueryAlerts(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	if diff := cmp.Diff(alerts, got); diff != "" {
		t.Errorf("alerts mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.AcknowledgeAlert(ctx, "a1"))
	unacked, err := s.UnacknowledgedAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, "a2", unacked[0].ID)

	err = s.AcknowledgeAlert(ctx, "missing")
	assert.True(t, errors.HasCode(err, store.ErrNotFound))
}

func TestActionsAppendOnly(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	pending := telemetry.OptimizationAction{
		ID: "x", Timestamp: t0, Parameter: telemetry.ParamFrequency,
		OldValue: 525, NewValue: 550, Outcome: telemetry.OutcomePending,
	}
	resolved := pending
	resolved.Timestamp = t0.Add(90 * time.Second)
	resolved.Outcome = telemetry.OutcomeImproved

	require.NoError(t, s.AppendAction(ctx, pending))
	require.NoError(t, s.AppendAction(ctx, resolved))

	got, err := s.QueryActions(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	if diff := cmp.Diff([]telemetry.OptimizationAction{pending, resolved}, got); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
}

func TestOptimizationStateRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestOptimizationState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	state := telemetry.OptimizationState{
		Settings:  telemetry.Settings{Frequency: 550, Voltage: 1150},
		KnownSafe: telemetry.Settings{Frequency: 525, Voltage: 1150},
		Mode:      telemetry.ModeProbing,
		ModeSince: t0,
		Direction: 1,
		Recent:    []float64{500, 505},
		Pending: &telemetry.PendingAdjustment{
			Action:           telemetry.OptimizationAction{ID: "p", Timestamp: t0, Parameter: telemetry.ParamFrequency, OldValue: 525, NewValue: 550, Outcome: telemetry.OutcomePending},
			Previous:         telemetry.Settings{Frequency: 525, Voltage: 1150},
			Direction:        1,
			BaselineHashrate: 502.5,
			StartedAt:        t0,
			Deadline:         t0.Add(2 * time.Minute),
		},
	}
	require.NoError(t, s.SaveOptimizationState(ctx, state))

	state.Mode = telemetry.ModeStable
	require.NoError(t, s.SaveOptimizationState(ctx, state))

	got, ok, err := s.LatestOptimizationState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(state, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendSample(ctx, sampleAt(t0.Add(time.Duration(i)*time.Hour), 500)))
	}
	require.NoError(t, s.AppendAlert(ctx, telemetry.AlertEvent{ID: "old-acked", Timestamp: t0, Kind: telemetry.AlertThermal, Severity: telemetry.SeverityWarning, Acknowledged: true}))
	require.NoError(t, s.AppendAlert(ctx, telemetry.AlertEvent{ID: "old-open", Timestamp: t0, Kind: telemetry.AlertThermal, Severity: telemetry.SeverityWarning}))

	removed, err := s.Prune(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	samples, err := s.QuerySamples(ctx, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	alerts, err := s.QueryAlerts(ctx, t0, t0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "old-open", alerts[0].ID)
}

func TestConcurrentWriters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := telemetry.OptimizationAction{
				ID: "c", Timestamp: t0.Add(time.Duration(i) * time.Second),
				Parameter: telemetry.ParamFrequency, Outcome: telemetry.OutcomeManual,
			}
			assert.NoError(t, s.AppendAction(ctx, action))
		}(i)
	}
	wg.Wait()

	got, err := s.QueryActions(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 8)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")

	s, err := store.NewSQLite(cfg, logger.New("store"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.AppendSample(context.Background(), sampleAt(t0, 500))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, store.ErrStoreUnavailable))
}

func TestReopenKeepsHistory(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := store.NewSQLite(cfg, logger.New("store"))
	require.NoError(t, err)
	require.NoError(t, s.AppendSample(ctx, sampleAt(t0, 500)))
	require.NoError(t, s.Close())

	s, err = store.NewSQLite(cfg, logger.New("store"))
	require.NoError(t, err)
	defer s.Close()

	samples, err := s.QuerySamples(ctx, t0, t0)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestNoopStore(t *testing.T) {
	s := store.NewNoop()
	ctx := context.Background()

	require.NoError(t, s.AppendSample(ctx, sampleAt(t0, 500)))
	samples, err := s.QuerySamples(ctx, t0, t0)
	require.NoError(t, err)
	assert.Empty(t, samples)

	_, ok, err := s.LatestOptimizationState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
