package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Device errors
	ErrUnreachable       ErrorCode = "device_unreachable"
	ErrTimeout           ErrorCode = "device_timeout"
	ErrMalformedResponse ErrorCode = "device_malformed_response"
	ErrRejected          ErrorCode = "device_rejected"

	// Persistence errors
	ErrStoreUnavailable ErrorCode = "store_unavailable"

	// Controller errors
	ErrSafetyHalt ErrorCode = "safety_halt"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrAlreadyRunning:    "Another instance is already running",
	ErrInvalidConfig:     "Invalid configuration",
	ErrReadConfig:        "Failed to read configuration",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrUnreachable:       "Device unreachable",
	ErrTimeout:           "Device request timed out",
	ErrMalformedResponse: "Device returned a malformed response",
	ErrRejected:          "Device rejected the settings",
	ErrStoreUnavailable:  "Persistent store unavailable",
	ErrSafetyHalt:        "Optimizer halted for safety",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
