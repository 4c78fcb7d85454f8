package device

import (
	"context"
	"net"
	"net/url"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const (
	ErrUnreachable       = errors.ErrUnreachable
	ErrTimeout           = errors.ErrTimeout
	ErrMalformedResponse = errors.ErrMalformedResponse
	ErrRejected          = errors.ErrRejected

	ErrInvalidConfig = errors.ErrorCode("device_invalid_config")
)

// classify maps a transport failure to Timeout or Unreachable.
func classify(err error) errors.Error {
	errFactory := errors.New()

	if errors.Is(err, context.DeadlineExceeded) {
		return errFactory.Wrap(ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errFactory.Wrap(ErrTimeout, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return errFactory.Wrap(ErrTimeout, err)
	}

	return errFactory.Wrap(ErrUnreachable, err)
}
