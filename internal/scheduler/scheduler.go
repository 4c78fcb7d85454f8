package scheduler

import (
	"context"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/alert"
	"codeberg.org/mutker/bitaxectl/internal/device"
	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/optimizer"
	"codeberg.org/mutker/bitaxectl/internal/store"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

// Scheduler is the single owner of device interaction. One goroutine runs
// the poll loop; everything else talks to it through Submit and observes it
// through snapshots.
type Scheduler struct {
	cfg       Config
	logger    logger.Logger
	device    device.Client
	store     store.Store
	evaluator *alert.Evaluator
	optimizer *optimizer.Controller
	observers []Observer

	commands chan Command
	now      func() time.Time
	sleep    func(time.Duration)

	pollFailures  int
	storeFailures int
	liveOnly      bool
	nextPoll      time.Duration
	lastPrune     time.Time
	latest        *telemetry.Sample
	recentAlerts  []telemetry.AlertEvent
}

type Option func(*Scheduler)

// WithClock replaces the wall clock and the sleep used between store
// retries.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(s *Scheduler) {
		s.now = now
		s.sleep = sleep
	}
}

func WithObservers(observers ...Observer) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, observers...)
	}
}

// New wires the loop. newController receives the recorder the controller
// must use so that action writes share the scheduler's retry policy.
func New(
	cfg Config,
	client device.Client,
	st store.Store,
	evaluator *alert.Evaluator,
	newController func(recorder optimizer.Recorder) *optimizer.Controller,
	log logger.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		logger:    log,
		device:    client,
		store:     st,
		evaluator: evaluator,
		commands:  make(chan Command, defaultCommandBuffer),
		now:       time.Now,
		sleep:     time.Sleep,
		nextPoll:  cfg.Interval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.optimizer = newController(recorder{s})

	return s
}

// Submit queues a command for the loop. It never blocks.
func (s *Scheduler) Submit(cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	default:
		return errors.New().New(ErrCommandQueueFull)
	}
}

// Run polls until ctx is cancelled. The call in flight when that happens
// completes or times out on its own before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.start(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Poll loop stopped")
			return nil
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case <-timer.C:
			timer.Reset(s.Tick(ctx))
		}
	}
}

// start resolves leftover optimizer state and seeds the alert window from
// recent history.
func (s *Scheduler) start(ctx context.Context) {
	opCtx, cancel := s.detached(ctx)
	defer cancel()

	now := s.now()
	s.optimizer.Recover(opCtx, now)

	since := now.Add(-s.cfg.Interval * seedPolls)
	samples, err := s.store.QuerySamples(opCtx, since, now)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not load recent history")
	} else if len(samples) > 0 {
		s.evaluator.Seed(samples)
		last := samples[len(samples)-1]
		s.latest = &last
	}

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("max_backoff", s.cfg.MaxBackoff).
		Bool("optimizer", s.cfg.OptimizerEnabled).
		Str("mode", string(s.optimizer.State().Mode)).
		Int("history_samples", len(samples)).
		Msg("Starting poll loop")
}

// Tick runs one poll cycle and returns the delay before the next one.
func (s *Scheduler) Tick(ctx context.Context) time.Duration {
	opCtx, cancel := s.detached(ctx)
	defer cancel()

	now := s.now()

	sample, err := s.device.FetchTelemetry(opCtx)
	if err != nil {
		s.onPollFailure(opCtx, err, now)
	} else {
		s.onSample(opCtx, sample, now)
	}

	s.maybePrune(opCtx, now)
	s.publish(err == nil, now)

	return s.nextPoll
}

func (s *Scheduler) onPollFailure(ctx context.Context, err error, now time.Time) {
	s.pollFailures++
	s.nextPoll = NextInterval(s.cfg.Interval, s.cfg.MaxBackoff, s.pollFailures, s.cfg.BackoffAfter)

	s.logger.Warn().
		Err(err).
		Str("error_code", string(errors.CodeOf(err))).
		Int("failures", s.pollFailures).
		Dur("next_poll", s.nextPoll).
		Msg("Device poll failed")

	// Only the connection rule sees failed polls; no stale data reaches the
	// trend rules or the optimizer.
	s.emit(ctx, s.evaluator.Evaluate(nil, s.pollFailures, now))

	if s.cfg.OptimizerEnabled {
		s.optimizer.PollFailed(ctx, now)
	}
}

func (s *Scheduler) onSample(ctx context.Context, sample telemetry.Sample, now time.Time) {
	if s.pollFailures > 0 {
		s.logger.Info().Int("failures", s.pollFailures).Msg("Device reachable again")
	}
	s.pollFailures = 0
	s.nextPoll = s.cfg.Interval
	s.latest = &sample

	err := s.write(ctx, "sample", func(ctx context.Context) error {
		return s.store.AppendSample(ctx, sample)
	})
	if errors.HasCode(err, store.ErrOutOfOrder) {
		s.logger.Warn().Err(err).Msg("Sample older than stored history, not persisted")
	}

	s.emit(ctx, s.evaluator.Evaluate(&sample, 0, now))

	if s.cfg.OptimizerEnabled {
		s.optimizer.Observe(ctx, sample, now)
	}

	event := s.logger.Debug()
	if s.cfg.Verbose {
		event = s.logger.Info()
	}
	event.
		Float64("hashrate", sample.Hashrate).
		Float64("temperature", sample.Temperature).
		Float64("power", sample.Power).
		Int("frequency", sample.Frequency).
		Int("voltage", sample.Voltage).
		Str("pool", string(sample.PoolState)).
		Str("mode", string(s.optimizer.State().Mode)).
		Dur("next_poll", s.nextPoll).
		Msg("Polled device")
}

// emit persists alerts and hands them to observers. A store outage never
// prevents delivery.
func (s *Scheduler) emit(ctx context.Context, alerts []telemetry.AlertEvent) {
	for _, a := range alerts {
		s.logger.Warn().
			Str("kind", string(a.Kind)).
			Str("severity", string(a.Severity)).
			Msg(a.Message)

		if a.Kind != telemetry.AlertStoreUnavailable {
			_ = s.write(ctx, "alert", func(ctx context.Context) error {
				return s.store.AppendAlert(ctx, a)
			})
		}

		s.recentAlerts = append(s.recentAlerts, a)
		if n := s.cfg.RecentAlerts; n > 0 && len(s.recentAlerts) > n {
			s.recentAlerts = s.recentAlerts[len(s.recentAlerts)-n:]
		}

		for _, o := range s.observers {
			o.OnAlert(a)
		}
	}
}

// write runs one store operation with retries. Only StoreUnavailable is
// retried. After StoreAlertAfter consecutive failed writes the loop goes
// live-only: a single attempt per write until one succeeds.
func (s *Scheduler) write(ctx context.Context, what string, op func(ctx context.Context) error) error {
	attempts := 1 + s.cfg.StoreRetries
	if s.liveOnly {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.sleep(s.cfg.StoreRetryDelay << (attempt - 1))
		}

		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		err = op(opCtx)
		cancel()

		if err == nil || !errors.HasCode(err, store.ErrStoreUnavailable) {
			break
		}
	}

	if err == nil {
		if s.liveOnly {
			s.logger.Info().Int("failures", s.storeFailures).Msg("History store recovered")
		}
		s.storeFailures = 0
		s.liveOnly = false
		s.evaluator.EvaluateStore(0, s.now())
		return nil
	}

	if !errors.HasCode(err, store.ErrStoreUnavailable) {
		return err
	}

	s.storeFailures++
	s.logger.Warn().
		Err(err).
		Str("record", what).
		Int("failures", s.storeFailures).
		Msg("Store write failed")

	if !s.liveOnly && s.storeFailures >= s.cfg.StoreAlertAfter {
		s.liveOnly = true
		s.logger.Error().Int("failures", s.storeFailures).Msg("History store unavailable, continuing live-only")
	}
	s.emit(ctx, s.evaluator.EvaluateStore(s.storeFailures, s.now()))

	return err
}

func (s *Scheduler) maybePrune(ctx context.Context, now time.Time) {
	if s.cfg.Retention <= 0 || s.cfg.PruneEvery <= 0 || s.liveOnly {
		return
	}
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.cfg.PruneEvery {
		return
	}
	s.lastPrune = now

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	removed, err := s.store.Prune(opCtx, now.Add(-s.cfg.Retention))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to prune history")
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("Pruned expired history")
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd Command) {
	opCtx, cancel := s.detached(ctx)
	defer cancel()

	now := s.now()

	var err error
	switch c := cmd.(type) {
	case ApplySettings:
		err = s.optimizer.ApplyManual(opCtx, c.Settings, now)
	case ResetHalt:
		s.optimizer.Reset(opCtx, now)
		s.logger.Info().Str("mode", string(s.optimizer.State().Mode)).Msg("Optimizer reset requested")
	case AcknowledgeAlert:
		err = s.write(opCtx, "acknowledge", func(ctx context.Context) error {
			return s.store.AcknowledgeAlert(ctx, c.ID)
		})
	default:
		err = errors.New().New(errors.ErrInvalidArgument)
	}

	if err != nil {
		s.logger.Warn().Err(err).Msg("Command failed")
	}
	reply(cmd, err)

	s.publish(false, now)
}

func (s *Scheduler) publish(fresh bool, now time.Time) {
	snapshot := Snapshot{
		Timestamp:        now,
		Fresh:            fresh,
		RecentAlerts:     append([]telemetry.AlertEvent(nil), s.recentAlerts...),
		Optimizer:        s.optimizer.State(),
		OptimizerEnabled: s.cfg.OptimizerEnabled,
		PollFailures:     s.pollFailures,
		StoreFailures:    s.storeFailures,
		LiveOnly:         s.liveOnly,
		Stability:        s.evaluator.Stability(),
		NextPoll:         s.nextPoll,
	}
	if s.latest != nil {
		sample := *s.latest
		snapshot.Sample = &sample
	}

	for _, o := range s.observers {
		o.OnSnapshot(snapshot)
	}
}

// detached keeps in-flight device and store work alive past cancellation
// of ctx, bounded by OpTimeout.
func (s *Scheduler) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
}

// recorder routes controller writes through the scheduler's retry policy
// and fans actions out to observers.
type recorder struct {
	s *Scheduler
}

func (r recorder) AppendAction(ctx context.Context, action telemetry.OptimizationAction) error {
	for _, o := range r.s.observers {
		o.OnAction(action)
	}
	return r.s.write(ctx, "action", func(ctx context.Context) error {
		return r.s.store.AppendAction(ctx, action)
	})
}

func (r recorder) SaveOptimizationState(ctx context.Context, state telemetry.OptimizationState) error {
	return r.s.write(ctx, "optimizer_state", func(ctx context.Context) error {
		return r.s.store.SaveOptimizationState(ctx, state)
	})
}
