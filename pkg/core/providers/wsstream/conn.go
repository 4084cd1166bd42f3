// Package wsstream implements a Transcriber and a Synthesizer that talk to a
// speech sidecar over WebSocket.
//
// The framing is deliberately small so any vendor can sit behind a sidecar:
//
//	transcriber  client → binary PCM16LE frames, {"type":"finalize"}
//	             server → {"type":"transcript","text":"...","is_final":false}
//	synthesizer  client → {"type":"text","text":"..."}, {"type":"flush"}
//	             server → binary PCM16LE frames, {"type":"done"}
//	both         server → {"type":"error","error":"...","code":"rejected"}
//
// Kind "cartesia" speaks Cartesia's native streaming speech API instead of
// the sidecar framing.
//
// One WebSocket connection serves one adapter call.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/core"
)

// Kind is the registry kind of the sidecar adapters.
const Kind = "wsstream"

// Register adds the sidecar and Cartesia adapters to reg.
func Register(reg *core.Registry) {
	reg.RegisterTranscriber(Kind, func(cfg core.AdapterConfig) (core.Transcriber, error) {
		return NewTranscriber(cfg)
	})
	reg.RegisterSynthesizer(Kind, func(cfg core.AdapterConfig) (core.Synthesizer, error) {
		return NewSynthesizer(cfg)
	})
	reg.RegisterTranscriber(CartesiaKind, func(cfg core.AdapterConfig) (core.Transcriber, error) {
		return NewCartesiaTranscriber(cfg)
	})
	reg.RegisterSynthesizer(CartesiaKind, func(cfg core.AdapterConfig) (core.Synthesizer, error) {
		return NewCartesiaSynthesizer(cfg)
	})
}

// message is the JSON text frame exchanged with the sidecar.
type message struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// endpoint is the resolved connection settings shared by both adapters.
type endpoint struct {
	role       core.Role
	provider   string
	url        *url.URL
	headers    http.Header
	sampleRate int
	dialer     *websocket.Dialer
}

func newEndpoint(role core.Role, cfg core.AdapterConfig, path string) (endpoint, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return endpoint{}, core.NewInvalidConfigError(fmt.Sprintf("%s endpoint is required", role), string(role)+".endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return endpoint{}, core.NewInvalidConfigError(fmt.Sprintf("%s endpoint must be a ws:// or wss:// URL, got %q", role, raw), string(role)+".endpoint")
	}
	rate, err := strconv.Atoi(cfg.Option("sample_rate", "24000"))
	if err != nil || rate <= 0 {
		return endpoint{}, core.NewInvalidConfigError("sample_rate must be a positive integer", string(role)+".options.sample_rate")
	}

	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(rate))
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.Voice != "" {
		q.Set("voice", cfg.Voice)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if key := cfg.Option("api_key", ""); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}
	return endpoint{
		role:       role,
		provider:   cfg.Option("provider", Kind),
		url:        u,
		headers:    headers,
		sampleRate: rate,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// dial opens one call's connection, classifying handshake failures.
func (e endpoint) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := e.dialer.DialContext(ctx, e.url.String(), e.headers.Clone())
	if err == nil {
		return conn, nil
	}
	if resp != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		cause := fmt.Errorf("handshake status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, core.NewProviderUnavailableError(e.role, e.provider, cause)
		case resp.StatusCode >= 400:
			return nil, core.NewProviderRejectedError(e.role, e.provider, cause)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, core.NewProviderUnavailableError(e.role, e.provider, err)
}

// bytesToSeconds converts a PCM16 mono byte count to seconds.
func (e endpoint) bytesToSeconds(n int64) float64 {
	return float64(n) / float64(e.sampleRate*2)
}

// serverError classifies an error frame.
func (e endpoint) serverError(m message) error {
	cause := errors.New(m.Error)
	switch m.Code {
	case "rejected", "invalid_request", "unauthorized", "forbidden":
		return core.NewProviderRejectedError(e.role, e.provider, cause)
	default:
		return core.NewProviderUnavailableError(e.role, e.provider, cause)
	}
}

// wsConn serializes writes and closes once.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) writeBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

// closeWhenDone closes c once the call is cancelled, the consumer stops
// reading, or stop is closed.
func (c *wsConn) closeWhenDone(ctx context.Context, consumer <-chan struct{}, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-consumer:
	case <-stop:
	}
	c.close()
}
