package report_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/report"
	"codeberg.org/mutker/bitaxectl/internal/store"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T) store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	st, err := store.NewSQLite(cfg, logger.New("store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for i, hr := range []float64{500, 510, 520, 480} {
		require.NoError(t, st.AppendSample(ctx, telemetry.Sample{
			Timestamp:   t0.Add(time.Duration(i) * 30 * time.Second),
			Hashrate:    hr,
			Temperature: 60 + float64(i),
			Power:       10,
			Frequency:   525,
			Voltage:     1150,
			PoolState:   telemetry.PoolConnected,
		}))
	}
	require.NoError(t, st.AppendAction(ctx, telemetry.OptimizationAction{
		ID: "x1", Timestamp: t0.Add(45 * time.Second), Parameter: telemetry.ParamFrequency,
		OldValue: 525, NewValue: 550, Outcome: telemetry.OutcomePending,
	}))

	return st
}

func TestRender(t *testing.T) {
	st := seeded(t)

	var buf bytes.Buffer
	sum, err := report.Render(context.Background(), st, &buf, t0, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Samples)
	assert.Equal(t, 1, sum.Actions)
	assert.InDelta(t, 502.5, sum.MeanHashrate, 1e-9)
	assert.InDelta(t, 63, sum.PeakTemperature, 1e-9)
	assert.InDelta(t, 50.25, sum.MeanEfficiency, 1e-9)

	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "Hashrate")
	assert.Contains(t, html, "Frequency and core voltage")
}

func TestRenderNoData(t *testing.T) {
	st := seeded(t)

	var buf bytes.Buffer
	_, err := report.Render(context.Background(), st, &buf, t0.Add(-2*time.Hour), t0.Add(-time.Hour))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, report.ErrNoData))
}

func TestSummarize(t *testing.T) {
	st := seeded(t)
	ctx := context.Background()

	sum, err := report.Summarize(ctx, st, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Samples)
	assert.InDelta(t, 502.5, sum.MeanHashrate, 1e-9)

	empty, err := report.Summarize(ctx, st, t0.Add(-2*time.Hour), t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Samples)
	assert.Zero(t, empty.MeanHashrate)
}

func TestWriteFile(t *testing.T) {
	st := seeded(t)
	path := filepath.Join(t.TempDir(), "out", "report.html")

	_, err := report.WriteFile(context.Background(), st, path, t0, t0.Add(time.Hour))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteFileRemovesPartialOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")

	_, err := report.WriteFile(context.Background(), store.NewNoop(), path, t0, t0.Add(time.Hour))
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
