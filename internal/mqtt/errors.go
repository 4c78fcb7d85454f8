package mqtt

import "codeberg.org/mutker/bitaxectl/internal/errors"

const (
	ErrInvalidConfig    = errors.ErrorCode("mqtt_invalid_config")
	ErrConnectionFailed = errors.ErrorCode("mqtt_connection_failed")
	ErrNotConnected     = errors.ErrorCode("mqtt_not_connected")
	ErrPublishFailed    = errors.ErrorCode("mqtt_publish_failed")
	ErrSubscribeFailed  = errors.ErrorCode("mqtt_subscribe_failed")
	ErrInvalidTopic     = errors.ErrorCode("mqtt_invalid_topic")
	ErrInvalidQoS       = errors.ErrorCode("mqtt_invalid_qos")
	ErrInvalidCommand   = errors.ErrorCode("mqtt_invalid_command")
)
