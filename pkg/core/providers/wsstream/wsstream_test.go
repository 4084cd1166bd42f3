package wsstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

var upgrader = websocket.Upgrader{}

// sidecar is a minimal speech sidecar: /stt echoes a fixed transcript once
// finalized and /tts answers every flush with two audio frames.
type sidecar struct {
	status   int
	sttError *message
	sttQuery chan string
	sttBytes chan int
	ttsTexts chan []string
}

func newSidecar(t *testing.T) (*sidecar, *httptest.Server) {
	sc := &sidecar{
		sttQuery: make(chan string, 1),
		sttBytes: make(chan int, 1),
		ttsTexts: make(chan []string, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/stt", sc.stt)
	mux.HandleFunc("/tts", sc.tts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sc.status != 0 {
			http.Error(w, "nope", sc.status)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return sc, srv
}

func (sc *sidecar) stt(w http.ResponseWriter, r *http.Request) {
	sc.sttQuery <- r.URL.RawQuery
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if sc.sttError != nil {
		conn.WriteJSON(sc.sttError)
		return
	}

	total := 0
	partial := false
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			total += len(data)
			if !partial {
				partial = true
				conn.WriteJSON(message{Type: "transcript", Text: "book"})
			}
			continue
		}
		var m message
		json.Unmarshal(data, &m)
		if m.Type == "finalize" {
			sc.sttBytes <- total
			conn.WriteJSON(message{Type: "transcript", Text: "book a table", IsFinal: true})
			return
		}
	}
}

func (sc *sidecar) tts(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var texts []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m message
		json.Unmarshal(data, &m)
		switch m.Type {
		case "text":
			texts = append(texts, m.Text)
		case "flush":
			sc.ttsTexts <- texts
			conn.WriteMessage(websocket.BinaryMessage, make([]byte, 960))
			conn.WriteMessage(websocket.BinaryMessage, make([]byte, 480))
			conn.WriteJSON(message{Type: "done"})
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func drain(t *testing.T, s *core.ChunkStream) []types.StreamChunk {
	t.Helper()
	var out []types.StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestNewTranscriber_ValidatesEndpoint(t *testing.T) {
	_, err := NewTranscriber(core.AdapterConfig{Kind: Kind})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrInvalidConfig))

	_, err = NewSynthesizer(core.AdapterConfig{Kind: Kind, Endpoint: "http://localhost:9000"})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrInvalidConfig))

	_, err = NewSynthesizer(core.AdapterConfig{Kind: Kind, Endpoint: "ws://localhost:9000", Options: map[string]string{"sample_rate": "0"}})
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	reg := core.NewRegistry()
	Register(reg)

	tr, err := reg.Transcriber(core.AdapterConfig{Kind: Kind, Endpoint: "ws://localhost:9000"})
	require.NoError(t, err)
	assert.Equal(t, Kind, tr.Name())

	syn, err := reg.Synthesizer(core.AdapterConfig{Kind: Kind, Endpoint: "ws://localhost:9000", Options: map[string]string{"provider": "acme-tts"}})
	require.NoError(t, err)
	assert.Equal(t, "acme-tts", syn.Name())
}

func TestTranscriber_StreamsTranscript(t *testing.T) {
	sc, srv := newSidecar(t)
	tr, err := NewTranscriber(core.AdapterConfig{
		Kind:     Kind,
		Endpoint: wsURL(srv),
		Model:    "ink",
		Language: "en",
		Options:  map[string]string{"sample_rate": "16000"},
		Prices:   map[string]float64{types.UnitAudioSecond: 0.01},
	})
	require.NoError(t, err)

	audio := make(chan []byte, 4)
	audio <- make([]byte, 3200)
	audio <- make([]byte, 3200)
	close(audio)

	s, err := tr.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	chunks := drain(t, s)
	require.NoError(t, s.Err())

	query := <-sc.sttQuery
	assert.Contains(t, query, "model=ink")
	assert.Contains(t, query, "language=en")
	assert.Contains(t, query, "sample_rate=16000")
	assert.Equal(t, 6400, <-sc.sttBytes)

	require.Len(t, chunks, 2)
	assert.Equal(t, types.StreamChunk{Seq: 1, Text: "book"}, chunks[0])
	assert.Equal(t, types.StreamChunk{Seq: 2, Text: "book a table", Final: true}, chunks[1])

	usage := s.Usage()
	require.Len(t, usage, 1)
	assert.InDelta(t, 0.2, usage[0].Quantity, 1e-9)
	assert.Equal(t, types.CategoryTranscription, usage[0].Category)
}

func TestTranscriber_ClassifiesServerErrors(t *testing.T) {
	cases := []struct {
		code string
		want core.ErrorType
	}{
		{"rejected", core.ErrProviderRejected},
		{"overloaded", core.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			sc, srv := newSidecar(t)
			sc.sttError = &message{Type: "error", Error: "no", Code: tc.code}
			tr, err := NewTranscriber(core.AdapterConfig{Kind: Kind, Endpoint: wsURL(srv)})
			require.NoError(t, err)

			s, err := tr.Transcribe(context.Background(), make(chan []byte))
			require.NoError(t, err)
			assert.Empty(t, drain(t, s))
			assert.True(t, core.IsType(s.Err(), tc.want), "got %v", s.Err())
			assert.Len(t, s.Usage(), 1)
		})
	}
}

func TestDial_ClassifiesHandshakeStatus(t *testing.T) {
	cases := []struct {
		status int
		want   core.ErrorType
	}{
		{http.StatusUnauthorized, core.ErrProviderRejected},
		{http.StatusBadRequest, core.ErrProviderRejected},
		{http.StatusServiceUnavailable, core.ErrProviderUnavailable},
		{http.StatusTooManyRequests, core.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			sc, srv := newSidecar(t)
			sc.status = tc.status
			syn, err := NewSynthesizer(core.AdapterConfig{Kind: Kind, Endpoint: wsURL(srv)})
			require.NoError(t, err)

			_, err = syn.Synthesize(context.Background(), make(chan string))
			require.Error(t, err)
			assert.True(t, core.IsType(err, tc.want), "got %v", err)
		})
	}
}

func TestDial_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	tr, err := NewTranscriber(core.AdapterConfig{Kind: Kind, Endpoint: url})
	require.NoError(t, err)
	_, err = tr.Transcribe(context.Background(), make(chan []byte))
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
}

func TestSynthesizer_RelaysAudio(t *testing.T) {
	sc, srv := newSidecar(t)
	syn, err := NewSynthesizer(core.AdapterConfig{
		Kind:     Kind,
		Endpoint: wsURL(srv),
		Voice:    "ada",
		Prices:   map[string]float64{types.UnitCharacter: 0.0001},
	})
	require.NoError(t, err)

	text := make(chan string, 3)
	text <- "Hello "
	text <- ""
	text <- "there."
	close(text)

	s, err := syn.Synthesize(context.Background(), text)
	require.NoError(t, err)
	chunks := drain(t, s)
	require.NoError(t, s.Err())

	assert.Equal(t, []string{"Hello ", "there."}, <-sc.ttsTexts)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Audio, 960)
	assert.Len(t, chunks[1].Audio, 480)
	assert.Equal(t, types.StreamChunk{Seq: 3, Final: true}, chunks[2])

	usage := s.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, 12.0, usage[0].Quantity)
}

func TestSynthesizer_StopsOnCancel(t *testing.T) {
	_, srv := newSidecar(t)
	syn, err := NewSynthesizer(core.AdapterConfig{Kind: Kind, Endpoint: wsURL(srv)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string, 1)
	text <- "never flushed"
	s, err := syn.Synthesize(ctx, text)
	require.NoError(t, err)
	cancel()

	assert.Empty(t, drain(t, s))
	assert.NoError(t, s.Err())
	assert.Len(t, s.Usage(), 1)
}
