package telemetry

import "codeberg.org/mutker/bitaxectl/internal/errors"

const (
	ErrInvalidSample = errors.ErrorCode("telemetry_invalid_sample")
)

// Validate rejects samples that cannot describe a running device.
func (s Sample) Validate() error {
	errFactory := errors.New()

	switch {
	case s.Timestamp.IsZero():
		return errFactory.WithData(ErrInvalidSample, "missing timestamp")
	case s.Hashrate < 0:
		return errFactory.WithData(ErrInvalidSample, "negative hashrate")
	case s.Power < 0:
		return errFactory.WithData(ErrInvalidSample, "negative power")
	case s.Frequency < 0 || s.Voltage < 0:
		return errFactory.WithData(ErrInvalidSample, "negative frequency or voltage")
	case s.SharesAccepted < 0 || s.SharesRejected < 0:
		return errFactory.WithData(ErrInvalidSample, "negative share counter")
	}

	return nil
}
