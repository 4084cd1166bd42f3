package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/sessions"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled, "req_test")
	if status != http.StatusRequestTimeout {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != TypeAPI {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
	if ce.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
}

func TestFromError_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		typ      string
		wantCode string
	}{
		{"deadline", fmt.Errorf("load: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, TypeAPI, ""},
		{"capacity", sessions.ErrAtCapacity, http.StatusServiceUnavailable, TypeOverloaded, "at_capacity"},
		{"draining", fmt.Errorf("create: %w", sessions.ErrDraining), http.StatusServiceUnavailable, TypeOverloaded, "draining"},
		{"not found", core.NewNotFoundError(`session "x" not found`), http.StatusNotFound, string(core.ErrNotFound), ""},
		{"race", core.NewInterruptionRaceError("listening"), http.StatusConflict, string(core.ErrInterruptionRace), "listening"},
		{"config", core.NewInvalidConfigError("bad", "retry.max_attempts"), http.StatusBadRequest, string(core.ErrInvalidConfig), ""},
		{"timeout", core.NewProviderTimeoutError(core.RoleGenerator, "scripted", 0), http.StatusGatewayTimeout, string(core.ErrProviderTimeout), ""},
		{"unavailable", core.NewProviderUnavailableError(core.RoleTranscriber, "ws", errors.New("dial")), http.StatusBadGateway, string(core.ErrProviderUnavailable), ""},
		{"unknown", errors.New("secret detail"), http.StatusInternalServerError, TypeAPI, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce, status := FromError(tt.err, "req_1")
			if status != tt.status {
				t.Fatalf("status=%d, want %d", status, tt.status)
			}
			if ce.Type != tt.typ {
				t.Fatalf("type=%q, want %q", ce.Type, tt.typ)
			}
			if ce.Code != tt.wantCode {
				t.Fatalf("code=%q, want %q", ce.Code, tt.wantCode)
			}
		})
	}
}

func TestFromError_UnknownDoesNotLeak(t *testing.T) {
	ce, _ := FromError(errors.New("dsn=postgres://user:pw@host"), "")
	if ce.Message != "internal error" {
		t.Fatalf("message=%q", ce.Message)
	}
}

func TestWriteError_WritesEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, core.NewNotFoundError("no such session"), "req_9")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.RequestID != "req_9" || env.Error.Message != "no such session" {
		t.Fatalf("envelope=%+v", env.Error)
	}
}
