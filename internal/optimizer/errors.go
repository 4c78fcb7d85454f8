package optimizer

import "codeberg.org/mutker/bitaxectl/internal/errors"

const (
	ErrSafetyHalt = errors.ErrSafetyHalt

	ErrOutOfEnvelope = errors.ErrorCode("optimizer_out_of_envelope")
)

const (
	haltDoubleCritical  = "temperature critical twice within evaluation window"
	haltApplyFailed     = "applying settings failed"
	haltLostDuringProbe = "device unreachable during pending adjustment"
)
