package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-assistant/pkg/gateway/lifecycle"
)

type fixedCounter int

func (c fixedCounter) Count() int { return int(c) }

func readyResponse(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return rr.Code, resp
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.AddCheck("postgres", func(context.Context) error { return nil })

	code, resp := readyResponse(t, ReadyHandler{Lifecycle: lc, Sessions: fixedCounter(3)})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true: %v", resp)
	}
	if n, _ := resp["sessions"].(float64); n != 3 {
		t.Fatalf("sessions=%v", resp["sessions"])
	}
}

func TestReadyHandler_DrainingNotReady(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	code, resp := readyResponse(t, ReadyHandler{Lifecycle: lc})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("expected draining=true: %v", resp)
	}
}

func TestReadyHandler_FailingCheckNotReady(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	code, resp := readyResponse(t, ReadyHandler{Lifecycle: lc})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	checks, _ := resp["checks"].([]any)
	if len(checks) != 1 {
		t.Fatalf("checks=%v", resp["checks"])
	}
	c := checks[0].(map[string]any)
	if c["name"] != "redis" || c["error"] != "connection refused" {
		t.Fatalf("check=%v", c)
	}
}

func TestReadyHandler_NilLifecycleReady(t *testing.T) {
	code, _ := readyResponse(t, ReadyHandler{})
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
}
