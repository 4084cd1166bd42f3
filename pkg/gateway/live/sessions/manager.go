// Package sessions owns the set of live sessions served by a process.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/agent"
	"github.com/vango-go/vai-assistant/pkg/core/live"
	"github.com/vango-go/vai-assistant/pkg/core/record"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// ErrAtCapacity is returned by Create when MaxSessions sessions are running.
var ErrAtCapacity = errors.New("session capacity reached")

// ErrDraining is returned by Create once Shutdown has begun.
var ErrDraining = errors.New("session manager is draining")

// Handle identifies a session owned by a Manager.
type Handle string

// AgentSource resolves agent ids. *agent.Cache implements it.
type AgentSource interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
}

// Config configures a Manager.
type Config struct {
	Live live.Config

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// RecordTimeout bounds delivery of one session record. Default: 10s.
	RecordTimeout time.Duration
}

// Manager creates sessions, routes audio and controls to them, and tears
// them down. A session leaves the manager only after its record has been
// handed to the recorder.
type Manager struct {
	agents   AgentSource
	cfg      Config
	recorder record.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[Handle]*entry
	draining bool
	wg       sync.WaitGroup
}

type entry struct {
	session *live.Session
	once    sync.Once
	gone    chan struct{}
	record  types.SessionRecord
}

// NewManager creates a manager. A nil recorder discards records.
func NewManager(agents AgentSource, cfg Config, recorder record.Recorder, logger *slog.Logger) (*Manager, error) {
	if agents == nil {
		return nil, core.NewInvalidConfigError("agent source is required", "agents")
	}
	if err := cfg.Live.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxSessions < 0 {
		return nil, core.NewInvalidConfigError("max sessions must be >= 0", "max_sessions")
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	if recorder == nil {
		recorder = record.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:   agents,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		sessions: make(map[Handle]*entry),
	}, nil
}

// Create loads the agent and starts a session for it. The session outlives
// ctx's cancellation; end it with Terminate or Disconnect.
func (m *Manager) Create(ctx context.Context, agentID string, vars map[string]string) (Handle, error) {
	if err := m.admit(); err != nil {
		return "", err
	}

	a, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return "", err
	}

	s, err := live.NewSession(m.cfg.Live, live.Pipeline{
		Transcriber:    a.Transcriber,
		Generator:      a.Generator,
		Synthesizer:    a.Synthesizer,
		Graph:          a.Graph,
		SystemPrompt:   a.SystemPrompt,
		WelcomeMessage: a.WelcomeMessage,
	}, live.Options{
		AgentID:    a.ID,
		Vars:       a.MergeVars(vars),
		FeePercent: a.FeePercent,
		Logger:     m.logger,
	})
	if err != nil {
		return "", err
	}

	h := Handle(s.ID())
	e := &entry{session: s, gone: make(chan struct{})}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return "", ErrDraining
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", ErrAtCapacity
	}
	m.sessions[h] = e
	m.wg.Add(1)
	m.mu.Unlock()

	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		m.remove(h, e)
		return "", fmt.Errorf("start session: %w", err)
	}
	go m.watch(h, e)

	m.logger.Info("session created", "session_id", h, "agent_id", a.ID)
	return h, nil
}

func (m *Manager) admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return ErrDraining
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return ErrAtCapacity
	}
	return nil
}

// watch delivers the session's record once it terminates, then forgets it.
func (m *Manager) watch(h Handle, e *entry) {
	<-e.session.Done()
	rec, ok := e.session.Record()
	if ok {
		e.record = rec
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RecordTimeout)
		if err := m.recorder.Record(ctx, rec); err != nil {
			m.logger.Error("session record delivery failed", "session_id", h, "error", err)
		}
		cancel()
	}
	m.remove(h, e)
}

func (m *Manager) remove(h Handle, e *entry) {
	e.once.Do(func() {
		m.mu.Lock()
		if m.sessions[h] == e {
			delete(m.sessions, h)
		}
		m.mu.Unlock()
		close(e.gone)
		m.wg.Done()
	})
}

func (m *Manager) lookup(h Handle) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[h]
	if !ok {
		return nil, core.NewNotFoundError(fmt.Sprintf("session %q not found", h))
	}
	return e, nil
}

// Session returns the live session behind h.
func (m *Manager) Session(h Handle) (*live.Session, bool) {
	e, err := m.lookup(h)
	if err != nil {
		return nil, false
	}
	return e.session, true
}

// Snapshot returns a view of the session behind h while it is running.
func (m *Manager) Snapshot(h Handle) (live.Snapshot, bool) {
	e, err := m.lookup(h)
	if err != nil {
		return live.Snapshot{}, false
	}
	return e.session.Snapshot(), true
}

// Feed delivers one frame of user audio.
func (m *Manager) Feed(h Handle, audio []byte) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	return e.session.Feed(audio)
}

// Events returns the session's event channel.
func (m *Manager) Events(h Handle) (<-chan live.Event, error) {
	e, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return e.session.Events(), nil
}

// Interrupt cancels the session's current response.
func (m *Manager) Interrupt(h Handle) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	return e.session.Interrupt()
}

// Terminate ends a session at the client's request and waits until its
// record has been delivered.
func (m *Manager) Terminate(ctx context.Context, h Handle) (types.SessionRecord, error) {
	return m.end(ctx, h, live.ReasonClientTerminated)
}

// Disconnect ends a session whose transport went away.
func (m *Manager) Disconnect(ctx context.Context, h Handle) (types.SessionRecord, error) {
	return m.end(ctx, h, live.ReasonTransportClosed)
}

func (m *Manager) end(ctx context.Context, h Handle, reason string) (types.SessionRecord, error) {
	e, err := m.lookup(h)
	if err != nil {
		return types.SessionRecord{}, err
	}
	e.session.Terminate(reason)
	select {
	case <-e.gone:
		return e.record, nil
	case <-ctx.Done():
		return types.SessionRecord{}, ctx.Err()
	}
}

// Count returns the number of sessions not yet removed.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshots returns a view of every running session.
func (m *Manager) Snapshots() []live.Snapshot {
	m.mu.Lock()
	out := make([]live.Snapshot, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session.Snapshot())
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) all() []*live.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*live.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	return out
}

// WarnAll sends a warning event to every session.
func (m *Manager) WarnAll(code, message string) (sent int) {
	for _, s := range m.all() {
		s.Warn(code, message)
		sent++
	}
	return sent
}

// TerminateAll asks every session to stop with reason. It does not wait.
func (m *Manager) TerminateAll(reason string) (terminated int) {
	for _, s := range m.all() {
		s.Terminate(reason)
		terminated++
	}
	return terminated
}

// Wait blocks until every session has been removed or ctx is done.
func (m *Manager) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain stops admitting sessions and warns the running ones.
func (m *Manager) Drain(code, message string) int {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	return m.WarnAll(code, message)
}

// Shutdown drains, terminates every session with the shutdown reason, and
// waits for their records.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	if n := m.TerminateAll(live.ReasonShutdown); n > 0 {
		m.logger.Info("terminating sessions for shutdown", "count", n)
	}
	if !m.Wait(ctx) {
		return fmt.Errorf("shutdown: %d sessions still running: %w", m.Count(), ctx.Err())
	}
	return nil
}
