package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/live"
	"github.com/vango-go/vai-assistant/pkg/core/types"
	"github.com/vango-go/vai-assistant/pkg/gateway/config"
	"github.com/vango-go/vai-assistant/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/sessions"
)

type nopSessions struct {
	mu       sync.Mutex
	drained  bool
	shutdown bool
	snaps    []live.Snapshot
}

func (n *nopSessions) Create(context.Context, string, map[string]string) (sessions.Handle, error) {
	return "", sessions.ErrDraining
}
func (n *nopSessions) Feed(sessions.Handle, []byte) error { return nil }
func (n *nopSessions) Events(sessions.Handle) (<-chan live.Event, error) {
	return nil, core.NewNotFoundError("no session")
}
func (n *nopSessions) Interrupt(sessions.Handle) error { return nil }
func (n *nopSessions) Terminate(context.Context, sessions.Handle) (types.SessionRecord, error) {
	return types.SessionRecord{}, nil
}
func (n *nopSessions) Disconnect(context.Context, sessions.Handle) (types.SessionRecord, error) {
	return types.SessionRecord{}, nil
}
func (n *nopSessions) Snapshot(h sessions.Handle) (live.Snapshot, bool) {
	for _, s := range n.snaps {
		if s.ID == string(h) {
			return s, true
		}
	}
	return live.Snapshot{}, false
}
func (n *nopSessions) Snapshots() []live.Snapshot { return n.snaps }
func (n *nopSessions) Count() int                 { return len(n.snaps) }
func (n *nopSessions) Drain(string, string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drained = true
	return len(n.snaps)
}
func (n *nopSessions) Shutdown(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shutdown = true
	return nil
}

func testConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		CORSAllowedOrigins: map[string]struct{}{},
	}
}

func newTestServer(cfg config.Config, sess *nopSessions) *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(cfg, Deps{Sessions: sess}, logger)
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(testConfig(), &nopSessions{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID")
	}
}

func TestServer_SessionsRoutes(t *testing.T) {
	sess := &nopSessions{snaps: []live.Snapshot{{ID: "sess_1", AgentID: "front-desk"}}}
	s := newTestServer(testConfig(), sess)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"sess_1"`) {
		t.Fatalf("list status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-VAI-Version") != "1" {
		t.Fatalf("missing version header")
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/sess_1", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"live"`) {
		t.Fatalf("get status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/gone", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing session status=%d", rr.Code)
	}
}

func TestServer_RequiredAuthGuardsSessions(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"vai_sk_test": {}}
	s := newTestServer(cfg, &nopSessions{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
}

func TestServer_LiveRoute_Reachable(t *testing.T) {
	s := newTestServer(testConfig(), &nopSessions{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	s.Handler().ServeHTTP(rr, req)
	if rr.Code == http.StatusNotFound {
		t.Fatalf("/v1/live unexpectedly returned 404")
	}
}

func TestServer_DrainingFailsReadiness(t *testing.T) {
	sess := &nopSessions{}
	lc := &lifecycle.Lifecycle{}
	s := New(testConfig(), Deps{Sessions: sess, Lifecycle: lc}, nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("ready before drain: %d", rr.Code)
	}

	s.SetDraining()
	if !lc.IsDraining() || !sess.drained {
		t.Fatalf("draining=%v drained=%v", lc.IsDraining(), sess.drained)
	}
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready after drain: %d", rr.Code)
	}

	if err := s.ShutdownSessions(context.Background()); err != nil || !sess.shutdown {
		t.Fatalf("shutdown err=%v called=%v", err, sess.shutdown)
	}
}
