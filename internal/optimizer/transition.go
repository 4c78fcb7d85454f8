package optimizer

import (
	"slices"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"gonum.org/v1/gonum/stat"
)

// Event is an input to the controller state machine.
type Event interface {
	event()
}

// SampleObserved carries a successful poll.
type SampleObserved struct {
	Sample telemetry.Sample
}

// PollFailed reports that the device could not be sampled.
type PollFailed struct{}

// ApplyFailed reports that pushing Settings to the device failed.
type ApplyFailed struct {
	Settings telemetry.Settings
	Err      error
}

// ResetRequested is the external command that leaves the halted state.
type ResetRequested struct{}

// ManualApplied reports settings a user already applied to the device.
type ManualApplied struct {
	Settings telemetry.Settings
}

// Started is delivered once, after persisted state is loaded.
type Started struct{}

func (SampleObserved) event() {}
func (PollFailed) event()     {}
func (ApplyFailed) event()    {}
func (ResetRequested) event() {}
func (ManualApplied) event()  {}
func (Started) event()        {}

// Effect is a side effect the controller must carry out, in order.
type Effect interface {
	effect()
}

type ApplySettings struct {
	Settings telemetry.Settings
	Reason   string
}

type RecordAction struct {
	Action telemetry.OptimizationAction
}

func (ApplySettings) effect() {}
func (RecordAction) effect()  {}

// Transition is the whole optimization policy: given the current state and
// an event it returns the next state and the effects to execute. It never
// touches the device or the store itself. newID supplies action IDs.
func Transition(
	cfg Config,
	state telemetry.OptimizationState,
	ev Event,
	now time.Time,
	newID func() string,
) (telemetry.OptimizationState, []Effect) {
	next := state.Clone()
	t := &transition{cfg: cfg, s: &next, now: now, newID: newID}

	switch ev := ev.(type) {
	case SampleObserved:
		t.sample(ev.Sample)
	case PollFailed:
		if next.Pending != nil && next.Mode != telemetry.ModeHalted {
			t.halt(haltLostDuringProbe, false)
		}
	case ApplyFailed:
		if next.Mode != telemetry.ModeHalted {
			t.halt(haltApplyFailed, true)
		}
	case ResetRequested:
		t.reset()
	case ManualApplied:
		t.manual(ev.Settings)
	case Started:
		if p := next.Pending; p != nil && !now.Before(p.Deadline) {
			t.regress("pending past evaluation window at startup")
		}
	}

	return next, t.effects
}

type transition struct {
	cfg     Config
	s       *telemetry.OptimizationState
	now     time.Time
	newID   func() string
	effects []Effect
}

func (t *transition) sample(x telemetry.Sample) {
	s := t.s
	s.Cycle++

	if s.Settings == (telemetry.Settings{}) {
		s.Settings = x.Settings()
		if t.cfg.InEnvelope(s.Settings) {
			s.KnownSafe = s.Settings
		}
		s.Best = s.Settings
	}
	if s.Mode == "" {
		t.setMode(telemetry.ModeProbing)
	}
	if s.Direction == 0 {
		s.Direction = 1
	}

	// Outside a probe the device is the authority on its own settings. A
	// sample without settings says nothing about them.
	if cur := x.Settings(); s.Pending == nil && s.Mode != telemetry.ModeHalted &&
		cur != (telemetry.Settings{}) && cur != s.Settings {
		t.adopt(cur)
	}

	critical := x.Temperature >= t.cfg.TempCritical
	if critical {
		repeated := s.LastCriticalCycle > 0 && s.Cycle-s.LastCriticalCycle < int64(t.cfg.EvaluationWindow)
		s.LastCriticalCycle = s.Cycle
		if repeated && s.Mode != telemetry.ModeHalted {
			t.halt(haltDoubleCritical, false)
			return
		}
	}

	if s.Mode == telemetry.ModeHalted {
		return
	}

	s.Recent = append(s.Recent, x.Hashrate)
	if len(s.Recent) > t.cfg.EvaluationWindow {
		s.Recent = s.Recent[len(s.Recent)-t.cfg.EvaluationWindow:]
	}

	if p := s.Pending; p != nil {
		p.Samples++
		p.HashrateSum += x.Hashrate
		p.PeakTemperature = max(p.PeakTemperature, x.Temperature)

		switch {
		case critical:
			t.regress("temperature reached critical")
		case p.Mean() <= p.BaselineHashrate*t.cfg.DropFraction:
			t.regress("hashrate dropped")
		case t.now.After(p.Deadline):
			t.regress("evaluation window expired")
		case p.Samples >= t.cfg.EvaluationWindow:
			if p.Mean() > p.BaselineHashrate*(1+t.cfg.NoiseMargin) && p.PeakTemperature < t.cfg.TempCritical {
				t.improve()
			} else {
				t.regress("no improvement beyond noise margin")
			}
		}
		return
	}

	switch s.Mode {
	case telemetry.ModeProbing:
		t.probe(x)
	case telemetry.ModeStable:
		if s.ConsecutiveFailures > t.cfg.FailureCeiling {
			t.setMode(telemetry.ModeBackingOff)
			return
		}
		if t.now.Sub(s.ModeSince) >= t.cfg.ReprobeInterval {
			if len(s.Tried) >= 2 {
				s.Tried = nil
			}
			t.setMode(telemetry.ModeProbing)
			t.probe(x)
		}
	case telemetry.ModeBackingOff:
		if t.now.Sub(s.ModeSince) >= t.cfg.BackoffCooldown {
			s.ConsecutiveFailures = 0
			t.setMode(telemetry.ModeStable)
		}
	}
}

// probe starts a frequency step once the current settings have a full
// window of samples to serve as the baseline.
func (t *transition) probe(x telemetry.Sample) {
	s := t.s

	if len(s.Recent) < t.cfg.EvaluationWindow || x.Temperature >= t.cfg.TempCritical {
		return
	}

	dir, freq, ok := t.nextStep()
	if !ok {
		s.Tried = nil
		t.setMode(telemetry.ModeStable)
		return
	}

	target := s.Settings
	target.Frequency = freq
	if !t.cfg.InEnvelope(target) {
		// Core voltage is outside the envelope; a frequency step cannot fix that.
		t.setMode(telemetry.ModeStable)
		return
	}

	action := telemetry.OptimizationAction{
		ID:        t.newID(),
		Timestamp: t.now,
		Parameter: telemetry.ParamFrequency,
		OldValue:  s.Settings.Frequency,
		NewValue:  target.Frequency,
		Outcome:   telemetry.OutcomePending,
	}

	s.Pending = &telemetry.PendingAdjustment{
		Action:           action,
		Previous:         s.Settings,
		Direction:        dir,
		BaselineHashrate: stat.Mean(s.Recent, nil),
		StartedAt:        t.now,
		Deadline:         t.now.Add(t.cfg.evaluationTimeout()),
	}
	s.Settings = target
	s.LastAdjustment = t.now
	s.Recent = nil

	t.record(action)
	t.apply(s.Settings, "probe")
}

// nextStep picks the preferred direction not yet tried at this voltage
// whose target stays inside the envelope.
func (t *transition) nextStep() (int, int, bool) {
	s := t.s

	for _, dir := range []int{s.Direction, -s.Direction} {
		if slices.Contains(s.Tried, dir) {
			continue
		}
		freq := s.Settings.Frequency + dir*t.cfg.FrequencyStep
		if freq < t.cfg.MinFrequency || freq > t.cfg.MaxFrequency {
			s.Tried = append(s.Tried, dir)
			continue
		}
		return dir, freq, true
	}

	return 0, 0, false
}

func (t *transition) improve() {
	s := t.s
	p := s.Pending

	t.resolve(p, telemetry.OutcomeImproved)

	s.BestHashrate = p.Mean()
	s.Best = s.Settings
	s.KnownSafe = s.Settings
	s.ConsecutiveFailures = 0
	s.Direction = p.Direction
	s.Pending = nil
}

// regress resolves the pending change as regressed and restores the exact
// settings it replaced.
func (t *transition) regress(reason string) {
	s := t.s
	p := s.Pending

	t.resolve(p, telemetry.OutcomeRegressed)

	revert := telemetry.OptimizationAction{
		ID:        t.newID(),
		Timestamp: t.now,
		Parameter: p.Action.Parameter,
		OldValue:  p.Action.NewValue,
		NewValue:  p.Action.OldValue,
		Outcome:   telemetry.OutcomeReverted,
	}

	s.Settings = p.Previous
	s.Pending = nil
	s.Tried = append(s.Tried, p.Direction)
	s.Direction = -p.Direction
	s.ConsecutiveFailures++
	s.LastAdjustment = t.now
	s.Recent = nil
	t.setMode(telemetry.ModeStable)

	t.apply(s.Settings, "revert: "+reason)
	t.record(revert)
}

// halt stops all adjustments and makes one attempt to restore the last
// known-safe settings. force re-applies them even when the controller
// believes the device is already there, since a failed apply leaves the
// device state unknown.
func (t *transition) halt(reason string, force bool) {
	s := t.s

	if p := s.Pending; p != nil {
		t.resolve(p, telemetry.OutcomeRegressed)
		s.Pending = nil
	}

	s.HaltReason = reason
	t.setMode(telemetry.ModeHalted)

	if s.KnownSafe == (telemetry.Settings{}) || (s.Settings == s.KnownSafe && !force) {
		return
	}

	reverts := t.changes(s.Settings, s.KnownSafe, telemetry.OutcomeReverted)
	s.Settings = s.KnownSafe
	s.LastAdjustment = t.now

	t.apply(s.Settings, "halt: "+reason)
	for _, a := range reverts {
		t.record(a)
	}
}

func (t *transition) reset() {
	s := t.s
	if s.Mode != telemetry.ModeHalted {
		return
	}

	s.HaltReason = ""
	s.ConsecutiveFailures = 0
	s.LastCriticalCycle = 0
	s.Recent = nil
	s.Tried = nil
	t.setMode(telemetry.ModeStable)
}

// manual adopts settings the user pushed as the new known-safe point. Any
// probe in flight is abandoned as regressed.
func (t *transition) manual(settings telemetry.Settings) {
	s := t.s

	if p := s.Pending; p != nil {
		t.resolve(p, telemetry.OutcomeRegressed)
		s.Pending = nil
	}

	t.adopt(settings)
}

// adopt takes settings the controller did not choose, from a manual request
// or a change made on the device itself, as the new starting point. They
// become known-safe only inside the envelope.
func (t *transition) adopt(settings telemetry.Settings) {
	s := t.s

	old := s.Settings
	if old == (telemetry.Settings{}) {
		old = settings
	}
	for _, a := range t.changes(old, settings, telemetry.OutcomeManual) {
		t.record(a)
	}

	s.Settings = settings
	if t.cfg.InEnvelope(settings) {
		s.KnownSafe = settings
	}
	s.LastAdjustment = t.now
	s.Recent = nil
	s.Tried = nil

	if s.Mode == telemetry.ModeProbing || s.Mode == "" {
		t.setMode(telemetry.ModeStable)
	}
}

func (t *transition) resolve(p *telemetry.PendingAdjustment, outcome telemetry.Outcome) {
	resolved := p.Action
	resolved.Timestamp = t.now
	resolved.Outcome = outcome
	t.record(resolved)
}

// changes returns one action per parameter that differs between from and to.
func (t *transition) changes(from, to telemetry.Settings, outcome telemetry.Outcome) []telemetry.OptimizationAction {
	var out []telemetry.OptimizationAction

	if from.Frequency != to.Frequency {
		out = append(out, telemetry.OptimizationAction{
			ID: t.newID(), Timestamp: t.now, Parameter: telemetry.ParamFrequency,
			OldValue: from.Frequency, NewValue: to.Frequency, Outcome: outcome,
		})
	}
	if from.Voltage != to.Voltage {
		out = append(out, telemetry.OptimizationAction{
			ID: t.newID(), Timestamp: t.now, Parameter: telemetry.ParamVoltage,
			OldValue: from.Voltage, NewValue: to.Voltage, Outcome: outcome,
		})
	}

	return out
}

func (t *transition) setMode(m telemetry.Mode) {
	if t.s.Mode != m {
		t.s.Mode = m
		t.s.ModeSince = t.now
	}
}

func (t *transition) apply(s telemetry.Settings, reason string) {
	t.effects = append(t.effects, ApplySettings{Settings: s, Reason: reason})
}

func (t *transition) record(a telemetry.OptimizationAction) {
	t.effects = append(t.effects, RecordAction{Action: a})
}
