package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Transcriber streams audio to the sidecar's /stt endpoint.
type Transcriber struct {
	ep    endpoint
	price float64
}

// NewTranscriber creates a sidecar Transcriber from configuration.
func NewTranscriber(cfg core.AdapterConfig) (*Transcriber, error) {
	ep, err := newEndpoint(core.RoleTranscriber, cfg, "/stt")
	if err != nil {
		return nil, err
	}
	return &Transcriber{ep: ep, price: cfg.Price(types.UnitAudioSecond)}, nil
}

// Name returns the adapter identifier.
func (t *Transcriber) Name() string { return t.ep.provider }

// Transcribe dials the sidecar and starts one transcription call.
func (t *Transcriber) Transcribe(ctx context.Context, audio <-chan []byte) (*core.ChunkStream, error) {
	conn, err := t.ep.dial(ctx)
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn}
	stream := core.NewChunkStream(16)
	stop := make(chan struct{})

	var sent atomic.Int64
	go c.closeWhenDone(ctx, stream.Done(), stop)
	go t.writeLoop(ctx, c, audio, &sent, stop)
	go t.readLoop(ctx, c, stream, &sent, stop)
	return stream, nil
}

// writeLoop forwards audio frames and asks for a final transcript once the
// audio channel closes.
func (t *Transcriber) writeLoop(ctx context.Context, c *wsConn, audio <-chan []byte, sent *atomic.Int64, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case frame, ok := <-audio:
			if !ok {
				c.writeJSON(message{Type: "finalize"})
				return
			}
			if err := c.writeBinary(frame); err != nil {
				return
			}
			sent.Add(int64(len(frame)))
		}
	}
}

func (t *Transcriber) readLoop(ctx context.Context, c *wsConn, stream *core.ChunkStream, sent *atomic.Int64, stop chan struct{}) {
	defer close(stop)

	var once sync.Once
	report := func() {
		once.Do(func() {
			stream.Report(types.Observation{
				Category:  types.CategoryTranscription,
				Unit:      types.UnitAudioSecond,
				Quantity:  t.ep.bytesToSeconds(sent.Load()),
				UnitPrice: t.price,
			})
		})
	}

	seq := 0
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			report()
			if ctx.Err() != nil || stopped(stream.Done()) {
				stream.Finish()
				return
			}
			stream.Fail(core.NewProviderUnavailableError(t.ep.role, t.ep.provider, fmt.Errorf("connection lost: %w", err)))
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			report()
			stream.Fail(core.NewStreamProtocolError(t.ep.role, t.ep.provider, "malformed message: "+err.Error()))
			return
		}

		switch m.Type {
		case "transcript":
			seq++
			chunk := types.StreamChunk{Seq: seq, Text: m.Text, Final: m.IsFinal}
			if chunk.Final {
				report()
				stream.Push(chunk)
				stream.Finish()
				return
			}
			if !stream.Push(chunk) {
				report()
				stream.Finish()
				return
			}
		case "error":
			report()
			stream.Fail(t.ep.serverError(m))
			return
		}
	}
}

func stopped(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
