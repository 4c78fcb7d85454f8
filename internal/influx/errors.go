package influx

import "codeberg.org/mutker/bitaxectl/internal/errors"

const (
	ErrInvalidConfig    = errors.ErrorCode("influx_invalid_config")
	ErrConnectionFailed = errors.ErrorCode("influx_connection_failed")
	ErrWriteFailed      = errors.ErrorCode("influx_write_failed")
)
