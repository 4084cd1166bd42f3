package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-assistant/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SessionCounter reports how many live sessions are running.
type SessionCounter interface {
	Count() int
}

// ReadyHandler fails while draining or while any dependency check fails.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Sessions  SessionCounter
	// CheckTimeout bounds all dependency checks together. Default: 2s.
	CheckTimeout time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool                    `json:"ok"`
		Draining bool                    `json:"draining"`
		Sessions int                     `json:"sessions"`
		Checks   []lifecycle.CheckResult `json:"checks,omitempty"`
	}

	timeout := h.CheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := readyResp{
		Draining: h.Lifecycle.IsDraining(),
		Checks:   h.Lifecycle.Check(ctx),
	}
	if h.Sessions != nil {
		resp.Sessions = h.Sessions.Count()
	}
	resp.OK = !resp.Draining
	for _, c := range resp.Checks {
		if !c.OK {
			resp.OK = false
		}
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
