package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-assistant/pkg/gateway/config"
	"github.com/vango-go/vai-assistant/pkg/gateway/handlers"
	"github.com/vango-go/vai-assistant/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/session"
	"github.com/vango-go/vai-assistant/pkg/gateway/mw"
	"github.com/vango-go/vai-assistant/pkg/gateway/ratelimit"
)

// LiveSessions is what the gateway needs from *sessions.Manager.
type LiveSessions interface {
	session.Manager
	handlers.SessionDirectory
	Count() int
	Drain(code, message string) int
	Shutdown(ctx context.Context) error
}

// Deps are the collaborators built by the process entrypoint.
type Deps struct {
	Sessions LiveSessions
	// Records serves ended sessions on GET /v1/sessions/{id}. Optional.
	Records handlers.RecordStore
	// Lifecycle carries readiness checks registered by the caller. Optional.
	Lifecycle *lifecycle.Lifecycle
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	sessions  LiveSessions
	records   handlers.RecordStore
	lifecycle *lifecycle.Lifecycle
	limiter   *ratelimit.Limiter
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	lc := deps.Lifecycle
	if lc == nil {
		lc = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		sessions:  deps.Sessions,
		records:   deps.Records,
		lifecycle: lc,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxLiveSessions:       cfg.LimitMaxLiveSessions,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Sessions: s.sessions})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:    s.cfg,
		Sessions:  s.sessions,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
	})

	sh := handlers.SessionsHandler{Live: s.sessions, Records: s.records, Logger: s.logger}
	s.mux.HandleFunc("GET /v1/sessions", sh.List)
	s.mux.HandleFunc("GET /v1/sessions/{id}", sh.Get)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining fails readiness, refuses new live sessions, and warns the
// running ones. It returns the number of sessions warned.
func (s *Server) SetDraining() int {
	s.lifecycle.SetDraining(true)
	return s.sessions.Drain("draining", "server is shutting down")
}

// ShutdownSessions ends every live session and waits for their records.
func (s *Server) ShutdownSessions(ctx context.Context) error {
	return s.sessions.Shutdown(ctx)
}
