package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("imbus: event service is required")
	ErrServiceStarted       = sterrors.New("imbus: event service already started")
	ErrConfigRequired       = sterrors.New("imbus: configuration is required")
	ErrLoggerRequired       = sterrors.New("imbus: logger is required")
	ErrHandlerRequired      = sterrors.New("imbus: handler is required")
	ErrHandlerNameRequired  = sterrors.New("imbus: handler name is required")
	ErrSubjectRequired      = sterrors.New("imbus: subject is required")
	ErrDuplicateHandler     = sterrors.New("imbus: handler already registered for subject")
	ErrTransportRequired    = sterrors.New("imbus: transport is required")
	ErrTransportClosed      = sterrors.New("imbus: transport is closed")
	ErrStoreRequired        = sterrors.New("imbus: store is required")
	ErrStoreClosed          = sterrors.New("imbus: store is closed")
	ErrEventIDRequired      = sterrors.New("imbus: event id is required")
	ErrEventPayloadRequired = sterrors.New("imbus: event payload is required")
	ErrTerminalStatus       = sterrors.New("imbus: event status is already terminal")
	ErrNotFound             = sterrors.New("imbus: event not found")
	ErrPipelineClosed       = sterrors.New("imbus: persistence pipeline is closed")
	ErrMessageTypeRequired  = sterrors.New("imbus: message type is required")
	ErrMessagePointerNeeded = sterrors.New("imbus: message type must be a pointer")
)

// Dispatch failure codes carried by synthesized failure envelopes.
const (
	CodeNoProcessorFound = "NO_PROCESSOR_FOUND"
	CodeProcessorError   = "PROCESSOR_ERROR"
	CodeNoResponse       = "NO_RESPONSE"
)

// ConfigValidationError wraps the aggregated problems found in a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("imbus: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// UnprocessableEventError marks an envelope whose payload could not be decoded
// into the type a handler expects.
type UnprocessableEventError struct {
	Subject string
	Err     error
}

func (e *UnprocessableEventError) Error() string {
	return fmt.Sprintf("unprocessable event on %s: %v", e.Subject, e.Err)
}

func (e *UnprocessableEventError) Unwrap() error {
	return e.Err
}
