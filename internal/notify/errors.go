package notify

import "codeberg.org/mutker/bitaxectl/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrorCode("notify_invalid_config")
	ErrDeliveryFailed = errors.ErrorCode("notify_delivery_failed")
	ErrQueueFull      = errors.ErrorCode("notify_queue_full")
	ErrClosed         = errors.ErrorCode("notify_closed")
)
