package telemetry

import (
	"time"
)

// PoolState is the stratum pool connection state reported by the device.
type PoolState string

const (
	PoolUnknown      PoolState = "unknown"
	PoolConnected    PoolState = "connected"
	PoolDisconnected PoolState = "disconnected"
)

// Settings are the operating parameters the optimizer is allowed to change.
type Settings struct {
	Frequency int `json:"frequency"` // MHz
	Voltage   int `json:"voltage"`   // core voltage, mV
}

// Sample is one telemetry reading. Samples are immutable once stored.
type Sample struct {
	Timestamp      time.Time
	Hashrate       float64 // GH/s
	Temperature    float64 // °C
	Power          float64 // W
	Voltage        int     // core voltage, mV
	Frequency      int     // MHz
	SharesAccepted int64
	SharesRejected int64
	PoolState      PoolState
	FanSpeed       int
	Uptime         time.Duration
}

// Settings returns the operating parameters the sample was taken at.
func (s Sample) Settings() Settings {
	return Settings{Frequency: s.Frequency, Voltage: s.Voltage}
}

// Efficiency returns GH/s per watt, or 0 when power is unknown.
func (s Sample) Efficiency() float64 {
	if s.Power <= 0 {
		return 0
	}
	return s.Hashrate / s.Power
}

// RejectRate returns the lifetime rejected share fraction.
func (s Sample) RejectRate() float64 {
	total := s.SharesAccepted + s.SharesRejected
	if total == 0 {
		return 0
	}
	return float64(s.SharesRejected) / float64(total)
}

type AlertKind string

const (
	AlertThermal          AlertKind = "thermal"
	AlertHashrateDrop     AlertKind = "hashrate-drop"
	AlertConnectionLost   AlertKind = "connection-lost"
	AlertPoolRejects      AlertKind = "pool-rejects"
	AlertStoreUnavailable AlertKind = "store-unavailable"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertEvent is never mutated after creation. SampleTime references the
// triggering sample by timestamp and is nil for alerts raised without one.
type AlertEvent struct {
	ID           string
	Timestamp    time.Time
	Kind         AlertKind
	Severity     Severity
	SampleTime   *time.Time
	Message      string
	Acknowledged bool
}

type Parameter string

const (
	ParamFrequency Parameter = "frequency"
	ParamVoltage   Parameter = "voltage"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeImproved  Outcome = "improved"
	OutcomeRegressed Outcome = "regressed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeManual    Outcome = "manual"
)

// OptimizationAction is one row of the append-only adjustment audit log.
// A change of outcome is recorded as a new row carrying the same ID.
type OptimizationAction struct {
	ID        string
	Timestamp time.Time
	Parameter Parameter
	OldValue  int
	NewValue  int
	Outcome   Outcome
}

// Kind selects a record stream for range queries.
type Kind string

const (
	KindSample Kind = "sample"
	KindAlert  Kind = "alert"
	KindAction Kind = "action"
)
