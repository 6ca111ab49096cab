package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for recovery and reporting logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates bad plan or engine parameters.
	// Detected at construction time; never reaches a running plan.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassResolution indicates an unknown device role or a missing
	// required capability. Fails the run before any staging occurs.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassStaging indicates a module refused to stage. Triggers
	// reverse cleanup of already-staged modules.
	ErrorClassStaging ErrorClass = "staging"

	// ErrorClassTransient indicates a temporary device failure that may
	// succeed on retry. The engine applies only plan-supplied retry
	// budgets; it mandates no retry policy of its own.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal indicates an unrecoverable device or command
	// failure. Terminates the run.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassCancelled indicates an abort observed at a safe point.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Error is a classified error with device and operation context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Device is the device role involved, if applicable.
	Device string `json:"device,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Device != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (device=%s, operation=%s)%s",
			e.Class, e.Message, e.Device, e.Operation, e.unwrapSuffix())
	case e.Device != "":
		return fmt.Sprintf("[%s] %s (device=%s)%s", e.Class, e.Message, e.Device, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

func (e *Error) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Unwrap returns the underlying error for chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewConfigurationError creates a configuration-class error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewResolutionError creates a resolution-class error.
func NewResolutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassResolution, Message: message, Err: err}
}

// NewStagingError creates a staging-class error.
func NewStagingError(message string, err error) *Error {
	return &Error{Class: ErrorClassStaging, Message: message, Err: err}
}

// NewTransientError creates a transient device error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewFatalError creates a fatal device error.
func NewFatalError(message string, err error) *Error {
	return &Error{Class: ErrorClassFatal, Message: message, Err: err}
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(message string) *Error {
	return &Error{Class: ErrorClassCancelled, Message: message}
}

// WithDevice adds device role context.
func (e *Error) WithDevice(role string) *Error {
	e.Device = role
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsConfiguration reports whether err is configuration-class.
func IsConfiguration(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConfiguration
}

// IsResolution reports whether err is resolution-class.
func IsResolution(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassResolution
}

// IsStaging reports whether err is staging-class.
func IsStaging(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassStaging
}

// IsTransient reports whether err is a transient device error.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsFatal reports whether err is a fatal device error. Unclassified errors
// from device drivers are treated as fatal.
func IsFatal(err error) bool {
	c, ok := classOf(err)
	if !ok {
		return err != nil
	}
	return c == ErrorClassFatal
}

// IsCancelled reports whether err records an observed abort.
func IsCancelled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassCancelled
}

// Common error codes.
const (
	ErrCodeUnknownRole       = "UNKNOWN_ROLE"
	ErrCodeMissingCapability = "MISSING_CAPABILITY"
	ErrCodeStageRefused      = "STAGE_REFUSED"
	ErrCodeUnstageFailed     = "UNSTAGE_FAILED"
	ErrCodeDeviceTimeout     = "DEVICE_TIMEOUT"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeEngineBusy        = "ENGINE_BUSY"
	ErrCodeQueueEmpty        = "QUEUE_EMPTY"
	ErrCodeBadState          = "BAD_STATE"
)
