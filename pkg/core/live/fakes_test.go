package live

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// sttScript is the behaviour of one transcription call.
type sttScript struct {
	partials []string
	final    string
	err      error
	gap      bool
}

type fakeTranscriber struct {
	mu     sync.Mutex
	script []sttScript
	calls  int
}

func (f *fakeTranscriber) Name() string { return "fake-stt" }

func (f *fakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio <-chan []byte) (*core.ChunkStream, error) {
	f.mu.Lock()
	var sc sttScript
	if f.calls < len(f.script) {
		sc = f.script[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	if sc.err != nil {
		return nil, sc.err
	}
	s := core.NewChunkStream(0)
	go func() {
		defer s.Finish()
		var heard int
		select {
		case frame, ok := <-audio:
			if !ok {
				return
			}
			heard += len(frame)
		case <-s.Done():
			return
		case <-ctx.Done():
			return
		}

		seq := 0
		next := func() int {
			seq++
			if sc.gap && seq == 2 {
				seq++
			}
			return seq
		}
		for _, p := range sc.partials {
			if !s.Push(types.StreamChunk{Seq: next(), Text: p}) {
				return
			}
		}
		s.Report(types.Observation{
			Category:  types.CategoryTranscription,
			Unit:      types.UnitAudioSecond,
			Quantity:  float64(heard) / 48000,
			UnitPrice: 0.01,
		})
		s.Push(types.StreamChunk{Seq: next(), Final: true, Text: sc.final})
	}()
	return s, nil
}

// endpointingTranscriber shows one partial on the first frame and ends the
// utterance on the first quiet frame, however long the speech runs.
type endpointingTranscriber struct {
	text  string
	calls atomic.Int32
}

func (f *endpointingTranscriber) Name() string { return "endpointing-stt" }

func (f *endpointingTranscriber) Transcribe(ctx context.Context, audio <-chan []byte) (*core.ChunkStream, error) {
	f.calls.Add(1)
	s := core.NewChunkStream(0)
	go func() {
		defer s.Finish()
		seq := 0
		for {
			select {
			case frame, ok := <-audio:
				if !ok {
					return
				}
				if CalculateRMSEnergy(frame) < 0.01 {
					seq++
					s.Push(types.StreamChunk{Seq: seq, Final: true, Text: f.text})
					return
				}
				if seq == 0 {
					seq++
					if !s.Push(types.StreamChunk{Seq: seq, Text: strings.Fields(f.text)[0]}) {
						return
					}
				}
			case <-s.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

// genScript is the behaviour of one generation call.
type genScript struct {
	deltas []string
	output types.GeneratorOutput
	err    error
	hang   bool
}

type fakeGenerator struct {
	mu       sync.Mutex
	script   []genScript
	requests []core.GenerateRequest
}

func (f *fakeGenerator) Name() string { return "fake-llm" }

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeGenerator) Requests() []core.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.GenerateRequest(nil), f.requests...)
}

func (f *fakeGenerator) Generate(ctx context.Context, req core.GenerateRequest) (*core.ChunkStream, error) {
	f.mu.Lock()
	sc := genScript{deltas: []string{"ok."}}
	if n := len(f.requests); n < len(f.script) {
		sc = f.script[n]
	}
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if sc.err != nil {
		return nil, sc.err
	}
	s := core.NewChunkStream(0)
	go func() {
		defer s.Finish()
		usage := types.Observation{Category: types.CategoryGeneration, Unit: types.UnitOutputToken, UnitPrice: 0.001}

		seq := 0
		for _, d := range sc.deltas {
			seq++
			usage.Quantity++
			if !s.Push(types.StreamChunk{Seq: seq, Text: d}) {
				s.Report(usage)
				return
			}
		}
		if sc.hang {
			select {
			case <-s.Done():
			case <-ctx.Done():
			}
			s.Report(usage)
			return
		}
		s.Report(usage)
		out := sc.output
		seq++
		s.Push(types.StreamChunk{Seq: seq, Final: true, Output: &out})
	}()
	return s, nil
}

type fakeSynthesizer struct {
	framesPerText int
	frameMs       int
	delay         time.Duration

	mu    sync.Mutex
	texts []string
	calls int
}

func (f *fakeSynthesizer) Name() string { return "fake-tts" }

func (f *fakeSynthesizer) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text <-chan string) (*core.ChunkStream, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	frames := f.framesPerText
	if frames == 0 {
		frames = 2
	}
	frameMs := f.frameMs
	if frameMs == 0 {
		frameMs = 20
	}
	frame := make([]byte, DefaultAudioConfig().BytesForDurationMs(frameMs))

	s := core.NewChunkStream(0)
	go func() {
		defer s.Finish()
		chars := 0
		reported := false
		report := func() {
			if reported {
				return
			}
			reported = true
			s.Report(types.Observation{
				Category:  types.CategorySynthesis,
				Unit:      types.UnitCharacter,
				Quantity:  float64(chars),
				UnitPrice: 0.0001,
			})
		}
		defer report()

		seq := 0
		for t := range text {
			f.mu.Lock()
			f.texts = append(f.texts, t)
			f.mu.Unlock()
			chars += len(t)
			for i := 0; i < frames; i++ {
				if f.delay > 0 {
					select {
					case <-time.After(f.delay):
					case <-s.Done():
						return
					}
				}
				seq++
				if !s.Push(types.StreamChunk{Seq: seq, Audio: frame}) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		report()
		seq++
		s.Push(types.StreamChunk{Seq: seq, Final: true})
	}()
	return s, nil
}

// slowStartSynthesizer blocks in Synthesize for delay regardless of ctx,
// then reports its usage once the consumer closes the stream.
type slowStartSynthesizer struct {
	delay time.Duration
	usage types.Observation
}

func (f *slowStartSynthesizer) Name() string { return "slow-tts" }

func (f *slowStartSynthesizer) Synthesize(ctx context.Context, text <-chan string) (*core.ChunkStream, error) {
	time.Sleep(f.delay)
	s := core.NewChunkStream(0)
	go func() {
		<-s.Done()
		s.Report(f.usage)
		s.Finish()
	}()
	return s, nil
}

// eventLog drains a session's events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	closed chan struct{}
}

func watchEvents(s *Session) *eventLog {
	l := &eventLog{closed: make(chan struct{})}
	go func() {
		defer close(l.closed)
		for ev := range s.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(eventType string) int {
	n := 0
	for _, ev := range l.all() {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}

// waitCount blocks until n events of eventType were seen.
func (l *eventLog) waitCount(t *testing.T, eventType string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.count(eventType) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, saw %v", n, eventType, l.types())
}

func (l *eventLog) first(eventType string) (int, Event) {
	for i, ev := range l.all() {
		if ev.EventType() == eventType {
			return i, ev
		}
	}
	return -1, nil
}

func (l *eventLog) types() []string {
	var out []string
	for _, ev := range l.all() {
		out = append(out, ev.EventType())
	}
	return out
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state is %s", want, s.State())
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not terminate, state %s", s.State())
	}
}

// speak feeds frames of 20ms loud audio.
func speak(t *testing.T, s *Session, frames int) {
	t.Helper()
	loud := tone(DefaultAudioConfig(), 20, 16384)
	for i := 0; i < frames; i++ {
		if err := s.Feed(loud); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
}
