package telemetry

import (
	"time"
)

// Mode is the optimization controller state.
type Mode string

const (
	ModeProbing    Mode = "probing"
	ModeStable     Mode = "stable"
	ModeBackingOff Mode = "backing-off"
	ModeHalted     Mode = "halted"
)

// PendingAdjustment is the single in-flight frequency change awaiting
// evaluation, with the baseline it will be judged against.
type PendingAdjustment struct {
	Action           OptimizationAction `json:"action"`
	Previous         Settings           `json:"previous"`
	Direction        int                `json:"direction"`
	BaselineHashrate float64            `json:"baseline_hashrate"`
	StartedAt        time.Time          `json:"started_at"`
	Deadline         time.Time          `json:"deadline"`
	Samples          int                `json:"samples"`
	HashrateSum      float64            `json:"hashrate_sum"`
	PeakTemperature  float64            `json:"peak_temperature"`
}

// Mean returns the average hashrate observed since the change was applied.
func (p *PendingAdjustment) Mean() float64 {
	if p.Samples == 0 {
		return 0
	}
	return p.HashrateSum / float64(p.Samples)
}

// OptimizationState is owned by the optimizer and persisted as a single
// record so that a restart resumes where the process left off.
type OptimizationState struct {
	Settings            Settings           `json:"settings"`
	KnownSafe           Settings           `json:"known_safe"`
	Best                Settings           `json:"best"`
	BestHashrate        float64            `json:"best_hashrate"`
	LastAdjustment      time.Time          `json:"last_adjustment"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Mode                Mode               `json:"mode"`
	ModeSince           time.Time          `json:"mode_since"`
	Direction           int                `json:"direction"`
	Tried               []int              `json:"tried,omitempty"`
	Recent              []float64          `json:"recent,omitempty"`
	Cycle               int64              `json:"cycle"`
	LastCriticalCycle   int64              `json:"last_critical_cycle"`
	Pending             *PendingAdjustment `json:"pending,omitempty"`
	HaltReason          string             `json:"halt_reason,omitempty"`
}

// Clone returns a deep copy so published snapshots never alias live state.
func (s OptimizationState) Clone() OptimizationState {
	out := s
	if s.Tried != nil {
		out.Tried = append([]int(nil), s.Tried...)
	}
	if s.Recent != nil {
		out.Recent = append([]float64(nil), s.Recent...)
	}
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	return out
}
