package scheduler_test

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/alert"
	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/optimizer"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/store"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type pollResult struct {
	sample telemetry.Sample
	err    error
}

type fakeDevice struct {
	mu      sync.Mutex
	results []pollResult
	applied []telemetry.Settings
	fetches int

	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (f *fakeDevice) FetchTelemetry(ctx context.Context) (telemetry.Sample, error) {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
		f.mu.Lock()
		f.ctxErr = ctx.Err()
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if len(f.results) == 0 {
		return telemetry.Sample{Timestamp: time.Now(), Hashrate: 500, Temperature: 60, Frequency: 525, Voltage: 1150}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.sample, r.err
}

func (f *fakeDevice) ApplySettings(_ context.Context, s telemetry.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, s)
	return nil
}

func (f *fakeDevice) appliedSettings() []telemetry.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telemetry.Settings(nil), f.applied...)
}

func unreachable() pollResult {
	return pollResult{err: errors.New().New(errors.ErrUnreachable)}
}

func ok(at time.Time, hashrate, temp float64) pollResult {
	return pollResult{sample: telemetry.Sample{
		Timestamp:      at,
		Hashrate:       hashrate,
		Temperature:    temp,
		Power:          15,
		Frequency:      525,
		Voltage:        1150,
		SharesAccepted: 100,
		PoolState:      telemetry.PoolConnected,
	}}
}

// memStore is an in-memory store.Store whose writes can be made to fail.
type memStore struct {
	store.Noop

	mu       sync.Mutex
	fail     bool
	attempts int
	samples  []telemetry.Sample
	alerts   []telemetry.AlertEvent
	actions  []telemetry.OptimizationAction
	state    *telemetry.OptimizationState
}

func (m *memStore) check() error {
	m.attempts++
	if m.fail {
		return errors.New().Wrap(store.ErrStoreUnavailable, errors.New().New(store.ErrTransactionFailed))
	}
	return nil
}

func (m *memStore) AppendSample(_ context.Context, s telemetry.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if n := len(m.samples); n > 0 && s.Timestamp.Before(m.samples[n-1].Timestamp) {
		return errors.New().New(store.ErrOutOfOrder)
	}
	m.samples = append(m.samples, s)
	return nil
}

func (m *memStore) AppendAlert(_ context.Context, a telemetry.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memStore) AppendAction(_ context.Context, a telemetry.OptimizationAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.actions = append(m.actions, a)
	return nil
}

func (m *memStore) SaveOptimizationState(_ context.Context, s telemetry.OptimizationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.state = &s
	return nil
}

func (m *memStore) AcknowledgeAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			return nil
		}
	}
	return errors.New().New(store.ErrNotFound)
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// recordingObserver captures everything the loop publishes.
type recordingObserver struct {
	mu        sync.Mutex
	snapshots []scheduler.Snapshot
	alerts    []telemetry.AlertEvent
	actions   []telemetry.OptimizationAction
}

func (r *recordingObserver) OnSnapshot(s scheduler.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recordingObserver) OnAlert(a telemetry.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingObserver) OnAction(a telemetry.OptimizationAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

func (r *recordingObserver) alertKinds() []telemetry.AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.AlertKind
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func (r *recordingObserver) last() scheduler.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[len(r.snapshots)-1]
}

type fixture struct {
	sched *scheduler.Scheduler
	dev   *fakeDevice
	store *memStore
	obs   *recordingObserver
	now   time.Time
}

func newFixture(cfg scheduler.Config, results ...pollResult) *fixture {
	f := &fixture{
		dev:   &fakeDevice{results: results},
		store: &memStore{},
		obs:   &recordingObserver{},
		now:   t0,
	}

	optCfg := optimizer.DefaultConfig()
	optCfg.PollInterval = cfg.Interval

	f.sched = scheduler.New(
		cfg,
		f.dev,
		f.store,
		alert.New(alert.DefaultConfig(), logger.New("alert")),
		func(rec optimizer.Recorder) *optimizer.Controller {
			return optimizer.NewController(optCfg, f.dev, rec, telemetry.OptimizationState{}, logger.New("optimizer"))
		},
		logger.New("scheduler"),
		scheduler.WithClock(func() time.Time { return f.now }, func(time.Duration) {}),
		scheduler.WithObservers(f.obs),
	)

	return f
}

// tick advances the fake clock to the scheduled poll and runs it.
func (f *fixture) tick(next time.Duration) time.Duration {
	f.now = f.now.Add(next)
	return f.sched.Tick(context.Background())
}

type pruneCounter struct {
	*memStore
	cutoffs []time.Time
}

func (p *pruneCounter) Prune(_ context.Context, before time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, before)
	return 0, nil
}

func alertEvaluator() *alert.Evaluator {
	return alert.New(alert.DefaultConfig(), logger.New("alert"))
}

func testLogger() logger.Logger {
	return logger.New("scheduler")
}

func controllerFactory(f *fixture) func(optimizer.Recorder) *optimizer.Controller {
	return func(rec optimizer.Recorder) *optimizer.Controller {
		return optimizer.NewController(optimizer.DefaultConfig(), f.dev, rec, telemetry.OptimizationState{}, logger.New("optimizer"))
	}
}
