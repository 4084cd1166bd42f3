package wsstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

const (
	// CartesiaKind is the registry kind of the Cartesia adapters.
	CartesiaKind = "cartesia"

	cartesiaURL          = "wss://api.cartesia.ai"
	cartesiaVersion      = "2025-04-16"
	cartesiaSTTModel     = "ink-whisper"
	cartesiaTTSModel     = "sonic-3"
	cartesiaDefaultVoice = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// cartesiaEndpoint resolves the Cartesia URL for path. The key comes from the
// api_key option, or else from the variable named by api_key_env
// (CARTESIA_API_KEY).
func cartesiaEndpoint(role core.Role, cfg core.AdapterConfig, path string, query url.Values) (endpoint, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		raw = cartesiaURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return endpoint{}, core.NewInvalidConfigError(fmt.Sprintf("%s endpoint must be a ws:// or wss:// URL, got %q", role, raw), string(role)+".endpoint")
	}
	rate, err := strconv.Atoi(cfg.Option("sample_rate", "24000"))
	if err != nil || rate <= 0 {
		return endpoint{}, core.NewInvalidConfigError("sample_rate must be a positive integer", string(role)+".options.sample_rate")
	}

	key := cfg.Option("api_key", "")
	if key == "" {
		key = os.Getenv(cfg.Option("api_key_env", "CARTESIA_API_KEY"))
	}
	if key == "" {
		return endpoint{}, core.NewInvalidConfigError("cartesia requires an API key", string(role)+".options.api_key")
	}

	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		query.Set("sample_rate", strconv.Itoa(rate))
		u.RawQuery = query.Encode()
	}

	headers := http.Header{}
	headers.Set("X-API-Key", key)
	headers.Set("Cartesia-Version", cartesiaVersion)
	return endpoint{
		role:       role,
		provider:   CartesiaKind,
		url:        u,
		headers:    headers,
		sampleRate: rate,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// cartesiaMessage is a server frame from either Cartesia endpoint.
type cartesiaMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`
	Data       string `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e endpoint) cartesiaError(m cartesiaMessage) error {
	cause := errors.New(m.Error)
	if m.StatusCode >= 400 && m.StatusCode < 500 && m.StatusCode != http.StatusTooManyRequests {
		return core.NewProviderRejectedError(e.role, e.provider, cause)
	}
	return core.NewProviderUnavailableError(e.role, e.provider, cause)
}

// CartesiaTranscriber streams audio to Cartesia's STT WebSocket.
//
// A call ends with the first final transcript. Cartesia endpoints an
// utterance after max_silence_secs of silence; closing the audio channel
// finalizes whatever was heard.
type CartesiaTranscriber struct {
	ep    endpoint
	price float64
}

// NewCartesiaTranscriber creates a Cartesia Transcriber from configuration.
//
// Options: api_key, api_key_env, sample_rate (24000), min_volume (0.01),
// max_silence_secs (0.6).
func NewCartesiaTranscriber(cfg core.AdapterConfig) (*CartesiaTranscriber, error) {
	model := cfg.Model
	if model == "" {
		model = cartesiaSTTModel
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	q := url.Values{}
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", "pcm_s16le")
	q.Set("min_volume", cfg.Option("min_volume", "0.01"))
	q.Set("max_silence_duration_secs", cfg.Option("max_silence_secs", "0.6"))

	ep, err := cartesiaEndpoint(core.RoleTranscriber, cfg, "/stt/websocket", q)
	if err != nil {
		return nil, err
	}
	return &CartesiaTranscriber{ep: ep, price: cfg.Price(types.UnitAudioSecond)}, nil
}

// Name returns the adapter identifier.
func (t *CartesiaTranscriber) Name() string { return CartesiaKind }

// Transcribe dials Cartesia and starts one transcription call.
func (t *CartesiaTranscriber) Transcribe(ctx context.Context, audio <-chan []byte) (*core.ChunkStream, error) {
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

func (t *CartesiaTranscriber) writeLoop(ctx context.Context, c *wsConn, audio <-chan []byte, sent *atomic.Int64, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case frame, ok := <-audio:
			if !ok {
				c.writeText("finalize")
				return
			}
			sent.Add(int64(len(frame)))
			if err := c.writeBinary(frame); err != nil {
				return
			}
		}
	}
}

func (t *CartesiaTranscriber) readLoop(ctx context.Context, c *wsConn, stream *core.ChunkStream, sent *atomic.Int64, stop chan struct{}) {
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

	var (
		seq   int
		heard string
	)
	final := func(text string) {
		report()
		seq++
		stream.Push(types.StreamChunk{Seq: seq, Text: text, Final: true})
		stream.Finish()
	}

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

		var m cartesiaMessage
		if err := json.Unmarshal(data, &m); err != nil {
			report()
			stream.Fail(core.NewStreamProtocolError(t.ep.role, t.ep.provider, "malformed message: "+err.Error()))
			return
		}

		switch m.Type {
		case "transcript":
			text := strings.TrimSpace(m.Text)
			if m.IsFinal && text != "" {
				final(text)
				return
			}
			if text == "" || text == heard {
				continue
			}
			heard = text
			seq++
			if !stream.Push(types.StreamChunk{Seq: seq, Text: text}) {
				report()
				stream.Finish()
				return
			}
		case "flush_done", "done":
			final(heard)
			return
		case "error":
			report()
			stream.Fail(t.ep.cartesiaError(m))
			return
		}
	}
}

// CartesiaSynthesizer streams text into one Cartesia TTS context and relays
// the raw PCM it returns.
type CartesiaSynthesizer struct {
	ep             endpoint
	model          string
	voice          string
	language       string
	maxBufferDelay int
	price          float64
}

// NewCartesiaSynthesizer creates a Cartesia Synthesizer from configuration.
//
// Options: api_key, api_key_env, sample_rate (24000),
// max_buffer_delay_ms (500).
func NewCartesiaSynthesizer(cfg core.AdapterConfig) (*CartesiaSynthesizer, error) {
	ep, err := cartesiaEndpoint(core.RoleSynthesizer, cfg, "/tts/websocket", nil)
	if err != nil {
		return nil, err
	}
	delay, err := strconv.Atoi(cfg.Option("max_buffer_delay_ms", "500"))
	if err != nil || delay < 0 {
		return nil, core.NewInvalidConfigError("max_buffer_delay_ms must be a non-negative integer", "synthesizer.options.max_buffer_delay_ms")
	}
	s := &CartesiaSynthesizer{
		ep:             ep,
		model:          cfg.Model,
		voice:          cfg.Voice,
		language:       cfg.Language,
		maxBufferDelay: delay,
		price:          cfg.Price(types.UnitCharacter),
	}
	if s.model == "" {
		s.model = cartesiaTTSModel
	}
	if s.voice == "" {
		s.voice = cartesiaDefaultVoice
	}
	return s, nil
}

// Name returns the adapter identifier.
func (s *CartesiaSynthesizer) Name() string { return CartesiaKind }

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaRequest continues a TTS context. Continue stays true until the
// last request, which closes the context.
type cartesiaRequest struct {
	ModelID          string               `json:"model_id"`
	Transcript       string               `json:"transcript"`
	Voice            cartesiaVoice        `json:"voice"`
	OutputFormat     cartesiaOutputFormat `json:"output_format"`
	ContextID        string               `json:"context_id"`
	Continue         bool                 `json:"continue"`
	MaxBufferDelayMs int                  `json:"max_buffer_delay_ms,omitempty"`
	Language         string               `json:"language,omitempty"`
}

// Synthesize dials Cartesia and starts one synthesis call.
func (s *CartesiaSynthesizer) Synthesize(ctx context.Context, text <-chan string) (*core.ChunkStream, error) {
	conn, err := s.ep.dial(ctx)
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn}
	stream := core.NewChunkStream(16)
	stop := make(chan struct{})
	base := cartesiaRequest{
		ModelID:          s.model,
		Voice:            cartesiaVoice{Mode: "id", ID: s.voice},
		OutputFormat:     cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: s.ep.sampleRate},
		ContextID:        uuid.NewString(),
		MaxBufferDelayMs: s.maxBufferDelay,
		Language:         s.language,
	}

	var chars atomic.Int64
	go c.closeWhenDone(ctx, stream.Done(), stop)
	go s.writeLoop(ctx, c, base, text, &chars, stop)
	go s.readLoop(ctx, c, stream, &chars, stop)
	return stream, nil
}

func (s *CartesiaSynthesizer) writeLoop(ctx context.Context, c *wsConn, base cartesiaRequest, text <-chan string, chars *atomic.Int64, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t, ok := <-text:
			req := base
			if !ok {
				c.writeJSON(req)
				return
			}
			if t == "" {
				continue
			}
			req.Transcript = t
			req.Continue = true
			if err := c.writeJSON(req); err != nil {
				return
			}
			chars.Add(int64(utf8.RuneCountInString(t)))
		}
	}
}

func (s *CartesiaSynthesizer) readLoop(ctx context.Context, c *wsConn, stream *core.ChunkStream, chars *atomic.Int64, stop chan struct{}) {
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
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			report()
			if ctx.Err() != nil || stopped(stream.Done()) {
				stream.Finish()
				return
			}
			stream.Fail(core.NewProviderUnavailableError(s.ep.role, s.ep.provider, fmt.Errorf("connection lost: %w", err)))
			return
		}

		var m cartesiaMessage
		if err := json.Unmarshal(data, &m); err != nil {
			report()
			stream.Fail(core.NewStreamProtocolError(s.ep.role, s.ep.provider, "malformed message: "+err.Error()))
			return
		}
		switch m.Type {
		case "chunk":
			audio, err := base64.StdEncoding.DecodeString(m.Data)
			if err != nil {
				report()
				stream.Fail(core.NewStreamProtocolError(s.ep.role, s.ep.provider, "decode audio: "+err.Error()))
				return
			}
			if len(audio) == 0 {
				continue
			}
			seq++
			if !stream.Push(types.StreamChunk{Seq: seq, Audio: audio}) {
				report()
				stream.Finish()
				return
			}
		case "done":
			report()
			seq++
			stream.Push(types.StreamChunk{Seq: seq, Final: true})
			stream.Finish()
			return
		case "error":
			report()
			stream.Fail(s.ep.cartesiaError(m))
			return
		}
	}
}
