package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Synthesizer streams text to the sidecar's /tts endpoint and relays the
// audio it returns.
type Synthesizer struct {
	ep    endpoint
	price float64
}

// NewSynthesizer creates a sidecar Synthesizer from configuration.
func NewSynthesizer(cfg core.AdapterConfig) (*Synthesizer, error) {
	ep, err := newEndpoint(core.RoleSynthesizer, cfg, "/tts")
	if err != nil {
		return nil, err
	}
	return &Synthesizer{ep: ep, price: cfg.Price(types.UnitCharacter)}, nil
}

// Name returns the adapter identifier.
func (s *Synthesizer) Name() string { return s.ep.provider }

// Synthesize dials the sidecar and starts one synthesis call.
func (s *Synthesizer) Synthesize(ctx context.Context, text <-chan string) (*core.ChunkStream, error) {
	conn, err := s.ep.dial(ctx)
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn}
	stream := core.NewChunkStream(16)
	stop := make(chan struct{})

	var chars atomic.Int64
	go c.closeWhenDone(ctx, stream.Done(), stop)
	go s.writeLoop(ctx, c, text, &chars, stop)
	go s.readLoop(ctx, c, stream, &chars, stop)
	return stream, nil
}

// writeLoop sends each text as it arrives and flushes once the input closes.
func (s *Synthesizer) writeLoop(ctx context.Context, c *wsConn, text <-chan string, chars *atomic.Int64, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t, ok := <-text:
			if !ok {
				c.writeJSON(message{Type: "flush"})
				return
			}
			if t == "" {
				continue
			}
			if err := c.writeJSON(message{Type: "text", Text: t}); err != nil {
				return
			}
			chars.Add(int64(utf8.RuneCountInString(t)))
		}
	}
}

func (s *Synthesizer) readLoop(ctx context.Context, c *wsConn, stream *core.ChunkStream, chars *atomic.Int64, stop chan struct{}) {
	defer close(stop)

	var once sync.Once
	report := func() {
		once.Do(func() {
			stream.Report(types.Observation{
				Category:  types.CategorySynthesis,
				Unit:      types.UnitCharacter,
				Quantity:  float64(chars.Load()),
				UnitPrice: s.price,
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
			stream.Fail(core.NewProviderUnavailableError(s.ep.role, s.ep.provider, fmt.Errorf("connection lost: %w", err)))
			return
		}

		if kind == websocket.BinaryMessage {
			if len(data) == 0 {
				continue
			}
			seq++
			if !stream.Push(types.StreamChunk{Seq: seq, Audio: data}) {
				report()
				stream.Finish()
				return
			}
			continue
		}

		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			report()
			stream.Fail(core.NewStreamProtocolError(s.ep.role, s.ep.provider, "malformed message: "+err.Error()))
			return
		}
		switch m.Type {
		case "done":
			report()
			seq++
			stream.Push(types.StreamChunk{Seq: seq, Final: true})
			stream.Finish()
			return
		case "error":
			report()
			stream.Fail(s.ep.serverError(m))
			return
		}
	}
}
