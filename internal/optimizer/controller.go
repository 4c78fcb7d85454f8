package optimizer

import (
	"context"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/google/uuid"
)

// Applier pushes settings to the device.
type Applier interface {
	ApplySettings(ctx context.Context, settings telemetry.Settings) error
}

// Recorder persists the action log and controller state.
type Recorder interface {
	AppendAction(ctx context.Context, action telemetry.OptimizationAction) error
	SaveOptimizationState(ctx context.Context, state telemetry.OptimizationState) error
}

// Controller executes the effects produced by Transition. It is not safe for
// concurrent use; the scheduler is its only caller.
type Controller struct {
	cfg      Config
	applier  Applier
	recorder Recorder
	logger   logger.Logger
	state    telemetry.OptimizationState
	newID    func() string
}

func NewController(
	cfg Config,
	applier Applier,
	recorder Recorder,
	initial telemetry.OptimizationState,
	log logger.Logger,
) *Controller {
	return &Controller{
		cfg:      cfg,
		applier:  applier,
		recorder: recorder,
		logger:   log,
		state:    initial,
		newID:    func() string { return uuid.New().String() },
	}
}

// State returns a copy of the current controller state.
func (c *Controller) State() telemetry.OptimizationState {
	return c.state.Clone()
}

// Recover resolves an adjustment left pending by a previous process. It must
// run before the first Observe.
func (c *Controller) Recover(ctx context.Context, now time.Time) {
	if p := c.state.Pending; p != nil {
		c.logger.Info().
			Str("action_id", p.Action.ID).
			Time("deadline", p.Deadline).
			Msg("Found pending adjustment from previous run")
	}
	c.handle(ctx, Started{}, now)
}

// Observe feeds one successful poll into the controller.
func (c *Controller) Observe(ctx context.Context, sample telemetry.Sample, now time.Time) {
	c.handle(ctx, SampleObserved{Sample: sample}, now)
}

// PollFailed tells the controller the device could not be sampled.
func (c *Controller) PollFailed(ctx context.Context, now time.Time) {
	c.handle(ctx, PollFailed{}, now)
}

// Reset leaves the halted state. It is a no-op in any other mode.
func (c *Controller) Reset(ctx context.Context, now time.Time) {
	if c.state.Mode != telemetry.ModeHalted {
		c.logger.Debug().Str("mode", string(c.state.Mode)).Msg("Reset ignored, controller not halted")
		return
	}
	c.handle(ctx, ResetRequested{}, now)
}

// ApplyManual pushes user-requested settings to the device. Settings outside
// the envelope are refused without contacting the device.
func (c *Controller) ApplyManual(ctx context.Context, settings telemetry.Settings, now time.Time) error {
	errFactory := errors.New()

	if !c.cfg.InEnvelope(settings) {
		return errFactory.Wrap(errors.ErrInvalidArgument, errFactory.WithData(ErrOutOfEnvelope, struct {
			Frequency int
			Voltage   int
		}{
			Frequency: settings.Frequency,
			Voltage:   settings.Voltage,
		}))
	}

	if err := c.applier.ApplySettings(ctx, settings); err != nil {
		c.logger.Error().
			Err(err).
			Int("frequency", settings.Frequency).
			Int("voltage", settings.Voltage).
			Msg("Manual settings change failed")
		c.handle(ctx, ApplyFailed{Settings: settings, Err: err}, now)
		return err
	}

	c.logger.Info().
		Int("frequency", settings.Frequency).
		Int("voltage", settings.Voltage).
		Msg("Manual settings applied")

	c.handle(ctx, ManualApplied{Settings: settings}, now)
	return nil
}

func (c *Controller) handle(ctx context.Context, ev Event, now time.Time) {
	prev := c.state.Mode

	next, effects := Transition(c.cfg, c.state, ev, now, c.newID)
	c.state = next
	c.execute(ctx, effects, now)

	if c.state.Mode != prev {
		c.logModeChange(prev)
	}

	if err := c.recorder.SaveOptimizationState(ctx, c.state); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist optimizer state")
	}
}

func (c *Controller) execute(ctx context.Context, effects []Effect, now time.Time) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case RecordAction:
			if err := c.recorder.AppendAction(ctx, e.Action); err != nil {
				c.logger.Warn().
					Err(err).
					Str("action_id", e.Action.ID).
					Str("outcome", string(e.Action.Outcome)).
					Msg("Failed to record optimization action")
			}

		case ApplySettings:
			err := c.applier.ApplySettings(ctx, e.Settings)
			if err == nil {
				c.logger.Info().
					Int("frequency", e.Settings.Frequency).
					Int("voltage", e.Settings.Voltage).
					Str("reason", e.Reason).
					Str("mode", string(c.state.Mode)).
					Msg("Applied settings")
				continue
			}

			c.logger.Error().
				Err(err).
				Int("frequency", e.Settings.Frequency).
				Int("voltage", e.Settings.Voltage).
				Str("reason", e.Reason).
				Msg("Failed to apply settings")

			// Already halted: this was the best-effort revert. Nothing more to try.
			if c.state.Mode == telemetry.ModeHalted {
				return
			}

			next, more := Transition(c.cfg, c.state, ApplyFailed{Settings: e.Settings, Err: err}, now, c.newID)
			c.state = next
			c.execute(ctx, more, now)
			return
		}
	}
}

func (c *Controller) logModeChange(prev telemetry.Mode) {
	if c.state.Mode == telemetry.ModeHalted {
		c.logger.ErrorWithCode(errors.New().WithData(ErrSafetyHalt, c.state.HaltReason)).
			Str("previous_mode", string(prev)).
			Int("frequency", c.state.Settings.Frequency).
			Int("voltage", c.state.Settings.Voltage).
			Msg("Optimizer halted, manual reset required")
		return
	}

	c.logger.Info().
		Str("previous_mode", string(prev)).
		Str("mode", string(c.state.Mode)).
		Int("failures", c.state.ConsecutiveFailures).
		Msg("Optimizer mode changed")
}
