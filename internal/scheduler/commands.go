package scheduler

import (
	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

const ErrCommandQueueFull = errors.ErrorCode("scheduler_command_queue_full")

// Command is a request executed by the poll loop between cycles, so it
// never overlaps a device call. Result, when non-nil, receives exactly one
// value and must have room for it.
type Command interface {
	result() chan<- error
}

// ApplySettings asks for a manual frequency/voltage change.
type ApplySettings struct {
	Settings telemetry.Settings
	Result   chan<- error
}

// ResetHalt leaves the optimizer halted state.
type ResetHalt struct {
	Result chan<- error
}

// AcknowledgeAlert marks a stored alert as seen.
type AcknowledgeAlert struct {
	ID     string
	Result chan<- error
}

func (c ApplySettings) result() chan<- error    { return c.Result }
func (c ResetHalt) result() chan<- error        { return c.Result }
func (c AcknowledgeAlert) result() chan<- error { return c.Result }

func reply(cmd Command, err error) {
	ch := cmd.result()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
