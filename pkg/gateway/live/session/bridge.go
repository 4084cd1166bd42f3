// Package session bridges one /v1/live WebSocket connection to a live
// session: client audio and controls flow in, session events flow out.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/live"
	"github.com/vango-go/vai-assistant/pkg/core/types"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-assistant/pkg/gateway/live/sessions"
)

const (
	outboundPriorityQueueSize = 16
	controlTimeout            = 5 * time.Second
	closeHandshakeWait        = 2 * time.Second
)

// Config bounds one connection.
type Config struct {
	Audio live.AudioConfig

	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout closes a connection that sends nothing, pongs included.
	ReadTimeout time.Duration

	OutboundQueueSize int
}

func (c Config) withDefaults() Config {
	if c.Audio.SampleRate == 0 {
		c.Audio = live.DefaultAudioConfig()
	}
	if c.MaxAudioFrameBytes <= 0 {
		c.MaxAudioFrameBytes = 64 * 1024
	}
	if c.MaxJSONMessageBytes <= 0 {
		c.MaxJSONMessageBytes = 64 * 1024
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	return c
}

// Manager is the part of *sessions.Manager a connection drives.
type Manager interface {
	Create(ctx context.Context, agentID string, vars map[string]string) (sessions.Handle, error)
	Feed(h sessions.Handle, audio []byte) error
	Events(h sessions.Handle) (<-chan live.Event, error)
	Interrupt(h sessions.Handle) error
	Terminate(ctx context.Context, h sessions.Handle) (types.SessionRecord, error)
	Disconnect(ctx context.Context, h sessions.Handle) (types.SessionRecord, error)
}

// Serve runs the connection until its session ends and the close handshake
// is done. The caller owns conn and closes it afterwards.
func Serve(ctx context.Context, conn *websocket.Conn, mgr Manager, cfg Config, logger *slog.Logger) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	conn.SetReadLimit(max(int64(cfg.MaxAudioFrameBytes), cfg.MaxJSONMessageBytes))

	hello, err := readHello(conn, cfg)
	if err != nil {
		reject(conn, cfg, protocol.ErrorFrom(err), websocket.ClosePolicyViolation, "bad hello")
		return err
	}
	logger.Info("live hello", "hello", hello.RedactedForLog())

	h, err := mgr.Create(ctx, hello.AgentID, hello.Vars)
	if err != nil {
		frame, code := createFailure(err)
		reject(conn, cfg, frame, code, "session not created")
		return err
	}
	events, err := mgr.Events(h)
	if err != nil {
		reject(conn, cfg, protocol.ErrorFrom(err), websocket.CloseInternalServerErr, "session ended")
		return err
	}

	b := &bridge{
		conn:     conn,
		mgr:      mgr,
		handle:   h,
		cfg:      cfg,
		logger:   logger.With("session_id", string(h)),
		limiter:  newInboundAudioLimiter(nil, cfg.MaxAudioFPS, cfg.MaxAudioBytesPerSecond, cfg.InboundBurstSeconds),
		priority: make(chan outboundFrame, outboundPriorityQueueSize),
		normal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		closed:   make(chan struct{}),
	}
	b.priority <- outboundFrame{text: protocol.EncodeHelloAck(string(h), hello.AgentID, cfg.Audio)}
	return b.run(ctx, events)
}

func readHello(conn *websocket.Conn, cfg Config) (protocol.Hello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Hello{}, &protocol.DecodeError{Code: "bad_request", Message: "failed to read hello"}
	}
	if messageType != websocket.TextMessage {
		return protocol.Hello{}, &protocol.DecodeError{Code: "bad_request", Message: "first frame must be hello", Param: "type"}
	}
	return protocol.DecodeHello(data)
}

func createFailure(err error) ([]byte, int) {
	switch {
	case errors.Is(err, sessions.ErrAtCapacity):
		return protocol.EncodeError("at_capacity", err.Error(), ""), websocket.CloseTryAgainLater
	case errors.Is(err, sessions.ErrDraining):
		return protocol.EncodeError("draining", err.Error(), ""), websocket.CloseGoingAway
	case core.IsType(err, core.ErrNotFound):
		return protocol.ErrorFrom(err), websocket.ClosePolicyViolation
	default:
		return protocol.ErrorFrom(err), websocket.CloseInternalServerErr
	}
}

// reject answers a connection that never got a session.
func reject(conn *websocket.Conn, cfg Config, frame []byte, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	_ = conn.WriteControl(websocket.CloseMessage, protocol.CloseMessage(code, reason), time.Now().Add(cfg.WriteTimeout))
}

type bridge struct {
	conn    *websocket.Conn
	mgr     Manager
	handle  sessions.Handle
	cfg     Config
	logger  *slog.Logger
	limiter *inboundAudioLimiter

	qmu      sync.RWMutex
	qclosed  bool
	priority chan outboundFrame
	normal   chan outboundFrame

	// epoch counts audio flushes; audio queued before a flush is stale.
	epoch atomic.Uint64

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason atomic.Value // string

	lastLimitWarn time.Time
}

func (b *bridge) run(ctx context.Context, events <-chan live.Event) error {
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	w := &outboundWriter{
		ws:       b.conn,
		ctx:      writerCtx,
		cfg:      b.cfg,
		priority: b.priority,
		normal:   b.normal,
		epoch:    b.epoch.Load,
		closing:  b.closeMessage,
	}
	writerDone := make(chan error, 1)
	go func() { writerDone <- w.Run() }()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		b.readLoop(ctx)
	}()

	writerGone := make(chan struct{})
	var writerErr error
	go func() {
		writerErr = <-writerDone
		close(writerGone)
	}()

	b.pump(events, writerGone)
	select {
	case <-writerGone:
	case <-time.After(2 * b.cfg.WriteTimeout):
		stopWriter()
		<-writerGone
	}
	if writerErr != nil {
		b.logger.Debug("live writer stopped", "error", writerErr)
	}

	if w.dropped > 0 {
		b.logger.Debug("stale audio dropped", "frames", w.dropped)
	}

	_ = b.conn.WriteControl(websocket.CloseMessage, b.closeMessage(), time.Now().Add(b.cfg.WriteTimeout))
	_ = b.conn.SetReadDeadline(time.Now().Add(closeHandshakeWait))
	<-readerDone
	return nil
}

// pump forwards session events until the session closes its channel, then
// closes both queues so the writer drains and exits.
func (b *bridge) pump(events <-chan live.Event, writerGone <-chan struct{}) {
	defer b.closeQueues()

	for ev := range events {
		switch e := ev.(type) {
		case *live.AudioDeltaEvent:
			b.send(b.normal, outboundFrame{audio: e.Data, epoch: b.epoch.Load()}, writerGone)
			continue
		case *live.AudioFlushEvent:
			b.epoch.Add(1)
		case *live.SessionClosedEvent:
			b.markClosed(e.Reason)
		}

		text, err := protocol.EncodeEvent(ev)
		if err != nil {
			b.logger.Error("encode live event", "error", err)
			continue
		}
		queue := b.normal
		switch ev.(type) {
		case *live.AudioFlushEvent, *live.ResponseInterruptedEvent, *live.ErrorEvent, *live.WarningEvent:
			queue = b.priority
		}
		b.send(queue, outboundFrame{text: text}, writerGone)
	}
	b.markClosed(live.ReasonInternalError)
}

func (b *bridge) send(queue chan outboundFrame, frame outboundFrame, writerGone <-chan struct{}) {
	select {
	case queue <- frame:
	case <-writerGone:
	}
}

func (b *bridge) closeQueues() {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	b.qclosed = true
	close(b.priority)
	close(b.normal)
}

// reply queues a priority frame from the reader without ever blocking it.
func (b *bridge) reply(text []byte) {
	b.qmu.RLock()
	defer b.qmu.RUnlock()
	if b.qclosed {
		return
	}
	select {
	case b.priority <- outboundFrame{text: text}:
	default:
		b.logger.Debug("priority queue full; reply dropped")
	}
}

func (b *bridge) markClosed(reason string) {
	b.closeOnce.Do(func() {
		b.closeReason.Store(reason)
		close(b.closed)
	})
}

func (b *bridge) reason() string {
	if r, ok := b.closeReason.Load().(string); ok {
		return r
	}
	return live.ReasonTransportClosed
}

func (b *bridge) closeMessage() []byte {
	reason := b.reason()
	return protocol.CloseMessage(protocol.CloseCode(reason), reason)
}

func (b *bridge) readLoop(ctx context.Context) {
	b.conn.SetPongHandler(func(string) error {
		b.extendRead()
		return nil
	})

	for {
		b.extendRead()
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.closed:
			default:
				b.logger.Info("live transport closed", "error", err)
				b.disconnect(ctx)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			b.handleAudio(data)
		case websocket.TextMessage:
			b.handleControl(ctx, data)
		}
	}
}

// extendRead pushes the idle deadline out. Once the session has closed the
// deadline is left to the close handshake.
func (b *bridge) extendRead() {
	select {
	case <-b.closed:
	default:
		_ = b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	}
}

func (b *bridge) handleAudio(data []byte) {
	if len(data) > b.cfg.MaxAudioFrameBytes {
		b.reply(protocol.EncodeError("audio_frame_too_large", "audio frame exceeds the size limit", ""))
		return
	}
	if ok, limit := b.limiter.Allow(len(data)); !ok {
		now := time.Now()
		if now.Sub(b.lastLimitWarn) >= time.Second {
			b.lastLimitWarn = now
			b.reply(protocol.EncodeError("rate_limited", "inbound audio exceeds "+limit, ""))
		}
		return
	}
	if err := b.mgr.Feed(b.handle, data); err != nil && !core.IsType(err, core.ErrNotFound) {
		b.logger.Debug("feed audio", "error", err)
	}
}

func (b *bridge) handleControl(ctx context.Context, data []byte) {
	if int64(len(data)) > b.cfg.MaxJSONMessageBytes {
		b.reply(protocol.EncodeError("bad_request", "message exceeds the size limit", ""))
		return
	}
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		b.reply(protocol.ErrorFrom(err))
		return
	}

	switch msg.Type {
	case protocol.TypeInterrupt:
		if err := b.mgr.Interrupt(b.handle); err != nil {
			b.reply(protocol.ErrorFrom(err))
		}
	case protocol.TypeTerminate:
		go func() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), controlTimeout)
			defer cancel()
			if _, err := b.mgr.Terminate(tctx, b.handle); err != nil && !core.IsType(err, core.ErrNotFound) {
				b.logger.Warn("terminate session", "error", err)
			}
		}()
	}
}

func (b *bridge) disconnect(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), controlTimeout)
	defer cancel()
	if _, err := b.mgr.Disconnect(dctx, b.handle); err != nil && !core.IsType(err, core.ErrNotFound) {
		b.logger.Warn("disconnect session", "error", err)
	}
}
