package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrProviderRejected,
		Message: "invalid voice",
	}

	expected := "provider_rejected: invalid voice"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrInterruptionRace,
		Message: "no synthesis in progress",
		Code:    "LISTENING",
	}

	expected := "interruption_race: no synthesis in progress (code: LISTENING)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewProviderTimeoutError(t *testing.T) {
	err := NewProviderTimeoutError(RoleGenerator, "gemini", 2*time.Second)
	if err.Type != ErrProviderTimeout {
		t.Errorf("Type = %v, want %v", err.Type, ErrProviderTimeout)
	}
	if err.Role != RoleGenerator {
		t.Errorf("Role = %v, want %v", err.Role, RoleGenerator)
	}
	if err.Provider != "gemini" {
		t.Errorf("Provider = %q, want gemini", err.Provider)
	}
}

func TestNewDialogueLimitError(t *testing.T) {
	err := NewDialogueLimitError("collect_date", 3)
	if err.Type != ErrDialogueLimitExceeded {
		t.Errorf("Type = %v, want %v", err.Type, ErrDialogueLimitExceeded)
	}
	if err.Param != "collect_date" {
		t.Errorf("Param = %q, want collect_date", err.Param)
	}
}

func TestError_IsRetryable(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrProviderUnavailable, true},
		{ErrProviderTimeout, true},
		{ErrProviderRejected, false},
		{ErrDialogueLimitExceeded, false},
		{ErrTransportClosed, false},
		{ErrInterruptionRace, false},
		{ErrStreamProtocol, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &Error{Type: tt.errType}
			if got := err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_UnwrapAndHelpers(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("start call: %w", NewProviderUnavailableError(RoleTranscriber, "wsstream", cause))

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is should find the cause")
	}
	if !IsType(err, ErrProviderUnavailable) {
		t.Fatalf("IsType(provider_unavailable) = false")
	}
	if !IsRetryable(err) {
		t.Fatalf("IsRetryable() = false, want true")
	}
	if IsRetryable(cause) {
		t.Fatalf("plain errors must not be retryable")
	}
	e, ok := AsError(err)
	if !ok || e.Role != RoleTranscriber {
		t.Fatalf("AsError() = %v, %v", e, ok)
	}
}
