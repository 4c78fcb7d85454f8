package alert

import (
	"fmt"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/google/uuid"
)

type cooldownKey struct {
	kind     telemetry.AlertKind
	severity telemetry.Severity
}

// Evaluator turns poll results into alert events. It keeps the last N
// samples for trend rules and remembers when each kind last fired. It is
// owned by a single scheduler goroutine.
type Evaluator struct {
	cfg    Config
	logger logger.Logger
	window *telemetry.Window

	lastFired      map[cooldownKey]time.Time
	connectionDown bool
	storeDown      bool

	newID func() string
}

func New(cfg Config, log logger.Logger) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		logger:    log,
		window:    telemetry.NewWindow(cfg.Window),
		lastFired: make(map[cooldownKey]time.Time),
		newID:     func() string { return uuid.New().String() },
	}
}

// Evaluate runs the rules for one poll cycle. sample is nil when the poll
// failed; failures is the scheduler's consecutive poll failure count.
// Rules run in priority order: connection-lost, thermal, hashrate-drop,
// pool-rejects.
func (e *Evaluator) Evaluate(sample *telemetry.Sample, failures int, now time.Time) []telemetry.AlertEvent {
	var events []telemetry.AlertEvent

	if sample == nil {
		if failures >= e.cfg.ConnectionLostAfter && !e.connectionDown {
			e.connectionDown = true
			events = e.emit(events, now, nil, telemetry.AlertConnectionLost, telemetry.SeverityCritical,
				fmt.Sprintf("Device unreachable for %d consecutive polls", failures))
		}
		return events
	}

	e.connectionDown = false
	ref := sample.Timestamp

	switch {
	case sample.Temperature >= e.cfg.TempCritical:
		events = e.emit(events, now, &ref, telemetry.AlertThermal, telemetry.SeverityCritical,
			fmt.Sprintf("Temperature %.1f°C at or above critical %.1f°C", sample.Temperature, e.cfg.TempCritical))
	case sample.Temperature >= e.cfg.TempWarning:
		events = e.emit(events, now, &ref, telemetry.AlertThermal, telemetry.SeverityWarning,
			fmt.Sprintf("Temperature %.1f°C at or above warning %.1f°C", sample.Temperature, e.cfg.TempWarning))
	}

	// The trend baseline excludes the sample being judged.
	if e.window.Len() >= e.cfg.MinTrendSamples {
		baseline := e.window.MeanHashrate()
		if baseline > 0 && sample.Hashrate <= baseline*e.cfg.HashrateDropFraction {
			events = e.emit(events, now, &ref, telemetry.AlertHashrateDrop, telemetry.SeverityWarning,
				fmt.Sprintf("Hashrate %.1f GH/s dropped below %.0f%% of average %.1f GH/s",
					sample.Hashrate, e.cfg.HashrateDropFraction*100, baseline))
		}
	}

	e.window.Push(*sample)

	if ratio := e.window.RejectRatio(); ratio > e.cfg.RejectFraction {
		events = e.emit(events, now, &ref, telemetry.AlertPoolRejects, telemetry.SeverityWarning,
			fmt.Sprintf("Rejected share ratio %.1f%% exceeds %.1f%%", ratio*100, e.cfg.RejectFraction*100))
	}

	return events
}

// EvaluateStore raises a single store-unavailable alert once consecutive
// write failures reach the threshold. A successful write (failures == 0)
// clears it.
func (e *Evaluator) EvaluateStore(failures int, now time.Time) []telemetry.AlertEvent {
	if failures == 0 {
		e.storeDown = false
		return nil
	}
	if failures < e.cfg.StoreAlertAfter || e.storeDown {
		return nil
	}

	e.storeDown = true
	return e.emit(nil, now, nil, telemetry.AlertStoreUnavailable, telemetry.SeverityWarning,
		fmt.Sprintf("History store failing for %d consecutive writes; running live-only", failures))
}

// Stability reports the hashrate stability score of the current window.
func (e *Evaluator) Stability() float64 {
	return e.window.Stability()
}

// Window returns a copy of the samples used for trend rules.
func (e *Evaluator) Window() []telemetry.Sample {
	return e.window.Samples()
}

// Seed preloads the trend window, e.g. from stored history at startup.
func (e *Evaluator) Seed(samples []telemetry.Sample) {
	for _, s := range samples {
		e.window.Push(s)
	}
}

func (e *Evaluator) emit(
	events []telemetry.AlertEvent,
	now time.Time,
	ref *time.Time,
	kind telemetry.AlertKind,
	severity telemetry.Severity,
	message string,
) []telemetry.AlertEvent {
	key := cooldownKey{kind: kind, severity: severity}
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.cfg.Cooldown {
		e.logger.Debug().
			Str("kind", string(kind)).
			Str("severity", string(severity)).
			Dur("since_last", now.Sub(last)).
			Msg("Alert suppressed within cooldown")
		return events
	}

	e.lastFired[key] = now

	return append(events, telemetry.AlertEvent{
		ID:         e.newID(),
		Timestamp:  now,
		Kind:       kind,
		Severity:   severity,
		SampleTime: ref,
		Message:    message,
	})
}
