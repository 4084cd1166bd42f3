package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one queued write. Audio frames carry the playback epoch
// they were produced in; a flush bumps the epoch and older audio is dropped.
type outboundFrame struct {
	text  []byte
	audio []byte
	epoch uint64
}

// outboundWriter is the only goroutine that writes data frames to the
// connection. Priority frames always go first. It returns nil once both
// queues are closed and drained.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame

	// epoch returns the current playback epoch.
	epoch func() uint64
	// closing builds the close frame written when ctx ends first.
	closing func() []byte

	dropped int
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	w.cfg = w.cfg.withDefaults()

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushPriorityOnShutdown()
				payload := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
				if w.closing != nil {
					payload = w.closing()
				}
				_ = w.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(w.cfg.WriteTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame); err != nil {
				return err
			}
			continue
		default:
		}

		// A priority frame queued after pendingNormal was taken still wins.
		if pendingNormal != nil {
			select {
			case frame, ok := <-w.priority:
				if !ok {
					w.priority = nil
					continue
				}
				if err := w.writeFrame(frame); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingNormal); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		var done <-chan struct{}
		if w.ctx != nil {
			done = w.ctx.Done()
		}

		select {
		case <-done:
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown() {
	if w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if w.cfg.WriteTimeout > 0 && w.cfg.WriteTimeout < flushTimeout {
		flushTimeout = w.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame)
		default:
			return
		}
	}
}

func (w *outboundWriter) stale(frame outboundFrame) bool {
	return frame.audio != nil && w.epoch != nil && frame.epoch < w.epoch()
}

func (w *outboundWriter) writeFrame(frame outboundFrame) error {
	if w.stale(frame) {
		w.dropped++
		return nil
	}

	messageType, payload := websocket.TextMessage, frame.text
	if frame.audio != nil {
		messageType, payload = websocket.BinaryMessage, frame.audio
	}
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(messageType, payload)
}
