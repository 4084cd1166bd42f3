package core

import (
	"errors"
	"fmt"
	"time"
)

// Error represents a pipeline error.
type Error struct {
	Type     ErrorType `json:"type"`
	Message  string    `json:"message"`
	Param    string    `json:"param,omitempty"`
	Code     string    `json:"code,omitempty"`
	Role     Role      `json:"role,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Cause    error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrProviderUnavailable   ErrorType = "provider_unavailable"
	ErrProviderRejected      ErrorType = "provider_rejected"
	ErrProviderTimeout       ErrorType = "provider_timeout"
	ErrDialogueLimitExceeded ErrorType = "dialogue_limit_exceeded"
	ErrTransportClosed       ErrorType = "transport_closed"
	ErrInterruptionRace      ErrorType = "interruption_race"
	ErrStreamProtocol        ErrorType = "stream_protocol_error"
	ErrInvalidConfig         ErrorType = "invalid_config"
	ErrNotFound              ErrorType = "not_found_error"
)

// NewProviderUnavailableError creates a provider unavailable error.
func NewProviderUnavailableError(role Role, provider string, cause error) *Error {
	return &Error{
		Type:     ErrProviderUnavailable,
		Message:  fmt.Sprintf("%s %s unavailable: %v", role, provider, cause),
		Role:     role,
		Provider: provider,
		Cause:    cause,
	}
}

// NewProviderRejectedError creates a provider rejected error.
func NewProviderRejectedError(role Role, provider string, cause error) *Error {
	return &Error{
		Type:     ErrProviderRejected,
		Message:  fmt.Sprintf("%s %s rejected the request: %v", role, provider, cause),
		Role:     role,
		Provider: provider,
		Cause:    cause,
	}
}

// NewProviderTimeoutError creates a provider timeout error.
func NewProviderTimeoutError(role Role, provider string, after time.Duration) *Error {
	return &Error{
		Type:     ErrProviderTimeout,
		Message:  fmt.Sprintf("%s %s produced no chunk within %s", role, provider, after),
		Role:     role,
		Provider: provider,
	}
}

// NewStreamProtocolError creates an error for malformed chunk sequencing.
func NewStreamProtocolError(role Role, provider, message string) *Error {
	return &Error{
		Type:     ErrStreamProtocol,
		Message:  fmt.Sprintf("%s %s: %s", role, provider, message),
		Role:     role,
		Provider: provider,
	}
}

// NewDialogueLimitError creates a dialogue limit error.
func NewDialogueLimitError(nodeID string, maxTurns int) *Error {
	return &Error{
		Type:    ErrDialogueLimitExceeded,
		Message: fmt.Sprintf("dialogue reached %d turns at node %q", maxTurns, nodeID),
		Param:   nodeID,
	}
}

// NewTransportClosedError creates a transport closed error.
func NewTransportClosedError(message string) *Error {
	return &Error{
		Type:    ErrTransportClosed,
		Message: message,
	}
}

// NewInterruptionRaceError creates the no-op interruption error.
func NewInterruptionRaceError(state string) *Error {
	return &Error{
		Type:    ErrInterruptionRace,
		Message: "no synthesis in progress",
		Code:    state,
	}
}

// NewInvalidConfigError creates a configuration error with a parameter.
func NewInvalidConfigError(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidConfig,
		Message: message,
		Param:   param,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrProviderUnavailable, ErrProviderTimeout:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err carries the given error type.
func IsType(err error, t ErrorType) bool {
	e, ok := AsError(err)
	return ok && e.Type == t
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.IsRetryable()
}
