package scheduler_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monitorOnly() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.OptimizerEnabled = false
	return cfg
}

func TestBackoffAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(monitorOnly(), unreachable(), unreachable(), unreachable(), ok(t0.Add(5*time.Minute), 500, 60))

	var delays []time.Duration
	next := time.Duration(0)
	for i := 0; i < 4; i++ {
		next = f.tick(next)
		delays = append(delays, next)
	}

	want := []time.Duration{30 * time.Second, 30 * time.Second, time.Minute, 30 * time.Second}
	if diff := cmp.Diff(want, delays); diff != "" {
		t.Errorf("poll delays mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []telemetry.AlertKind{telemetry.AlertConnectionLost}, f.obs.alertKinds())
	assert.Zero(t, f.obs.last().PollFailures)
	assert.True(t, f.obs.last().Fresh)
}

func TestConnectionLostOncePerOutage(t *testing.T) {
	results := make([]pollResult, 0, 8)
	for i := 0; i < 8; i++ {
		results = append(results, unreachable())
	}
	f := newFixture(monitorOnly(), results...)

	next := time.Duration(0)
	for i := 0; i < 8; i++ {
		next = f.tick(next)
	}

	assert.Equal(t, []telemetry.AlertKind{telemetry.AlertConnectionLost}, f.obs.alertKinds())
	assert.Equal(t, 5*time.Minute, next, "backoff capped")
	assert.Empty(t, f.store.samples)
}

func TestThermalAlertPersistedAndPublished(t *testing.T) {
	f := newFixture(monitorOnly(),
		ok(t0.Add(30*time.Second), 500, 60),
		ok(t0.Add(60*time.Second), 500, 61),
		ok(t0.Add(90*time.Second), 500, 92),
	)

	next := time.Duration(0)
	for i := 0; i < 3; i++ {
		next = f.tick(next)
	}

	require.Len(t, f.obs.alerts, 1)
	a := f.obs.alerts[0]
	assert.Equal(t, telemetry.AlertThermal, a.Kind)
	assert.Equal(t, telemetry.SeverityCritical, a.Severity)

	require.Len(t, f.store.alerts, 1)
	assert.Equal(t, a.ID, f.store.alerts[0].ID)
	assert.Len(t, f.store.samples, 3)

	snap := f.obs.last()
	require.NotNil(t, snap.Sample)
	assert.InDelta(t, 92, snap.Sample.Temperature, 1e-9)
	assert.Len(t, snap.RecentAlerts, 1)
}

func TestThermalScenarioRevertsPendingProbe(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	var results []pollResult
	for i, temp := range []float64{60, 60, 60, 60, 61, 92} {
		results = append(results, ok(t0.Add(time.Duration(i+1)*30*time.Second), 500, temp))
	}
	f := newFixture(cfg, results...)

	next := time.Duration(0)
	for range results {
		next = f.tick(next)
	}

	assert.Equal(t, []telemetry.Settings{
		{Frequency: 550, Voltage: 1150},
		{Frequency: 525, Voltage: 1150},
	}, f.dev.appliedSettings())

	var outcomes []telemetry.Outcome
	for _, a := range f.store.actions {
		outcomes = append(outcomes, a.Outcome)
	}
	assert.Equal(t, []telemetry.Outcome{
		telemetry.OutcomePending, telemetry.OutcomeRegressed, telemetry.OutcomeReverted,
	}, outcomes)
	assert.Len(t, f.obs.actions, 3)

	assert.Contains(t, f.obs.alertKinds(), telemetry.AlertThermal)
	require.NotNil(t, f.store.state)
	assert.Equal(t, telemetry.ModeStable, f.store.state.Mode)
}

func TestFailedPollDoesNotFeedOptimizer(t *testing.T) {
	f := newFixture(scheduler.DefaultConfig(),
		ok(t0.Add(30*time.Second), 500, 60),
		ok(t0.Add(60*time.Second), 500, 60),
		unreachable(),
		unreachable(),
		ok(t0.Add(3*time.Minute), 500, 60),
	)

	next := time.Duration(0)
	for i := 0; i < 4; i++ {
		next = f.tick(next)
	}
	assert.Empty(t, f.dev.appliedSettings(), "failed polls must not count toward the probe baseline")

	f.tick(next)
	assert.Equal(t, []telemetry.Settings{{Frequency: 550, Voltage: 1150}}, f.dev.appliedSettings())
	assert.Len(t, f.store.samples, 3)
}

func TestStoreOutageDegradesToLiveOnly(t *testing.T) {
	cfg := monitorOnly()
	f := newFixture(cfg)
	f.store.setFail(true)

	next := time.Duration(0)
	for i := 0; i < 3; i++ {
		next = f.tick(next)
		assert.Equal(t, cfg.Interval, next, "store failures do not slow polling")
	}

	snap := f.obs.last()
	assert.True(t, snap.LiveOnly)
	assert.Equal(t, 3, snap.StoreFailures)
	assert.False(t, snap.Healthy())
	assert.Equal(t, []telemetry.AlertKind{telemetry.AlertStoreUnavailable}, f.obs.alertKinds())
	assert.Equal(t, 3*(1+cfg.StoreRetries), f.store.attempts, "each write retried before giving up")

	// Live-only: a single attempt per write, and no repeated alert.
	f.tick(next)
	assert.Equal(t, 3*(1+cfg.StoreRetries)+1, f.store.attempts)
	assert.Len(t, f.obs.alerts, 1)

	f.store.setFail(false)
	f.tick(next)
	snap = f.obs.last()
	assert.False(t, snap.LiveOnly)
	assert.Zero(t, snap.StoreFailures)
	assert.Len(t, f.store.samples, 1)
}

func TestOutOfOrderSampleIsNotAStoreFailure(t *testing.T) {
	f := newFixture(monitorOnly(),
		ok(t0.Add(time.Minute), 500, 60),
		ok(t0, 500, 60),
	)

	f.tick(0)
	f.tick(30 * time.Second)

	assert.Len(t, f.store.samples, 1)
	assert.Zero(t, f.obs.last().StoreFailures)
	assert.False(t, f.obs.last().LiveOnly)
}

func TestPruneRunsPeriodically(t *testing.T) {
	cfg := monitorOnly()
	cfg.Retention = 24 * time.Hour
	cfg.PruneEvery = time.Hour
	f := newFixture(cfg)

	pruner := &pruneCounter{memStore: f.store}
	f.sched = scheduler.New(cfg, f.dev, pruner, alertEvaluator(), controllerFactory(f), testLogger(),
		scheduler.WithClock(func() time.Time { return f.now }, func(time.Duration) {}))

	f.tick(0)
	f.tick(30 * time.Minute)
	f.tick(31 * time.Minute)

	require.Len(t, pruner.cutoffs, 2)
	assert.True(t, pruner.cutoffs[0].Equal(t0.Add(-24*time.Hour)))
}

func TestSubmitNeverBlocks(t *testing.T) {
	f := newFixture(monitorOnly())

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = f.sched.Submit(scheduler.ResetHalt{})
	}
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, scheduler.ErrCommandQueueFull))
}

func TestRunExecutesCommands(t *testing.T) {
	f := newFixture(monitorOnly())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	result := make(chan error, 1)
	require.NoError(t, f.sched.Submit(scheduler.ApplySettings{
		Settings: telemetry.Settings{Frequency: 500, Voltage: 1100},
		Result:   result,
	}))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("command not executed")
	}
	assert.Contains(t, f.dev.appliedSettings(), telemetry.Settings{Frequency: 500, Voltage: 1100})

	rejected := make(chan error, 1)
	require.NoError(t, f.sched.Submit(scheduler.ApplySettings{
		Settings: telemetry.Settings{Frequency: 2000, Voltage: 1100},
		Result:   rejected,
	}))
	select {
	case err := <-rejected:
		assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
	case <-time.After(5 * time.Second):
		t.Fatal("command not executed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestShutdownLetsInFlightPollFinish(t *testing.T) {
	f := newFixture(monitorOnly())
	f.dev.started = make(chan struct{}, 1)
	f.dev.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	select {
	case <-f.dev.started:
	case <-time.After(5 * time.Second):
		t.Fatal("poll never started")
	}

	cancel()
	close(f.dev.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	assert.NoError(t, f.dev.ctxErr, "in-flight call must not see the shutdown")
	assert.Equal(t, 1, f.dev.fetches)
}
