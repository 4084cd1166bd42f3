package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/sessions"
)

// Gateway-level error types. Pipeline failures keep their core.ErrorType.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeRateLimit      = "rate_limit_error"
	TypeOverloaded     = "overloaded_error"
	TypeAPI            = "api_error"
)

// Error is the JSON body of every non-2xx HTTP response.
type Error struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	return e.Type + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	if errors.Is(err, sessions.ErrAtCapacity) {
		return &Error{
			Type:      TypeOverloaded,
			Message:   err.Error(),
			Code:      "at_capacity",
			RequestID: requestID,
		}, http.StatusServiceUnavailable
	}
	if errors.Is(err, sessions.ErrDraining) {
		return &Error{
			Type:      TypeOverloaded,
			Message:   err.Error(),
			Code:      "draining",
			RequestID: requestID,
		}, http.StatusServiceUnavailable
	}

	if coreErr, ok := core.AsError(err); ok {
		return &Error{
			Type:      string(coreErr.Type),
			Message:   coreErr.Message,
			Param:     coreErr.Param,
			Code:      coreErr.Code,
			RequestID: requestID,
		}, statusFromType(coreErr.Type)
	}

	// Unknown errors: do not leak details.
	return &Error{
		Type:      TypeAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrInvalidConfig:
		return http.StatusBadRequest
	case core.ErrInterruptionRace:
		return http.StatusConflict
	case core.ErrDialogueLimitExceeded:
		return http.StatusUnprocessableEntity
	case core.ErrTransportClosed:
		return http.StatusGone
	case core.ErrProviderUnavailable, core.ErrProviderRejected, core.ErrStreamProtocol:
		return http.StatusBadGateway
	case core.ErrProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Write sends e as a JSON error envelope.
func Write(w http.ResponseWriter, status int, e *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: e})
}

// WriteError maps err and writes it.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	e, status := FromError(err, requestID)
	Write(w, status, e)
}
