package scripted

import (
	"context"
	"strings"
	"sync"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/live"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Transcriber returns its configured utterances in order, one per call.
// The position is per session: ForSession hands each session its own copy
// starting at the first utterance.
//
// A call ends once speech has been heard and is followed by silence_ms of
// audio below threshold, or when the audio channel closes. Partial chunks
// reveal the utterance a word at a time, one per partial_ms of speech.
//
// Options: utterances ("|" separated), sample_rate (24000), threshold
// (0.02), silence_ms (500), partial_ms (200), loop (false).
type Transcriber struct {
	utterances []string
	loop       bool
	sampleRate int
	threshold  float64
	silenceMs  int
	partialMs  int
	price      float64

	mu   sync.Mutex
	next int
}

// NewTranscriber creates a scripted Transcriber from configuration.
func NewTranscriber(cfg core.AdapterConfig) (*Transcriber, error) {
	t := &Transcriber{
		utterances: splitList(cfg.Option("utterances", "")),
		loop:       boolOption(cfg, "loop"),
		price:      cfg.Price(types.UnitAudioSecond),
	}
	var err error
	if t.sampleRate, err = intOption(cfg, "sample_rate", 24000); err != nil {
		return nil, err
	}
	if t.threshold, err = floatOption(cfg, "threshold", 0.02); err != nil {
		return nil, err
	}
	if t.silenceMs, err = intOption(cfg, "silence_ms", 500); err != nil {
		return nil, err
	}
	if t.partialMs, err = intOption(cfg, "partial_ms", 200); err != nil {
		return nil, err
	}
	return t, nil
}

// Name returns the adapter identifier.
func (t *Transcriber) Name() string { return Kind }

// ForSession returns a copy positioned at the first utterance.
func (t *Transcriber) ForSession() core.Transcriber {
	return &Transcriber{
		utterances: t.utterances,
		loop:       t.loop,
		sampleRate: t.sampleRate,
		threshold:  t.threshold,
		silenceMs:  t.silenceMs,
		partialMs:  t.partialMs,
		price:      t.price,
	}
}

// current returns the utterance the next call will produce.
func (t *Transcriber) current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.utterances) == 0 {
		return ""
	}
	if t.next >= len(t.utterances) {
		if !t.loop {
			return ""
		}
		t.next = 0
	}
	return t.utterances[t.next]
}

// advance moves past the current utterance once it has been spoken.
func (t *Transcriber) advance() {
	t.mu.Lock()
	t.next++
	t.mu.Unlock()
}

// Transcribe starts one transcription call.
func (t *Transcriber) Transcribe(ctx context.Context, audio <-chan []byte) (*core.ChunkStream, error) {
	utterance := t.current()
	s := core.NewChunkStream(8)
	go t.run(ctx, audio, utterance, s)
	return s, nil
}

func (t *Transcriber) run(ctx context.Context, audio <-chan []byte, utterance string, s *core.ChunkStream) {
	defer s.Finish()

	var (
		heard     int
		speechMs  int
		silenceMs int
		spoke     bool
		seq       int
		shown     int
	)
	words := strings.Fields(utterance)
	rate := bytesPerSecond(t.sampleRate)
	report := func() {
		s.Report(types.Observation{
			Category:  types.CategoryTranscription,
			Unit:      types.UnitAudioSecond,
			Quantity:  float64(heard) / float64(rate),
			UnitPrice: t.price,
		})
	}

	for {
		select {
		case <-ctx.Done():
			report()
			return
		case <-s.Done():
			report()
			return
		case frame, ok := <-audio:
			if !ok {
				if ctx.Err() != nil {
					report()
					return
				}
				t.finish(s, &seq, spoke, utterance, report)
				return
			}
			heard += len(frame)
			ms := len(frame) * 1000 / rate
			if live.CalculateRMSEnergy(frame) >= t.threshold {
				spoke = true
				speechMs += ms
				silenceMs = 0
				if want := min(speechMs/t.partialMs, len(words)); want > shown {
					shown = want
					seq++
					if !s.Push(types.StreamChunk{Seq: seq, Text: strings.Join(words[:shown], " ")}) {
						report()
						return
					}
				}
				continue
			}
			if spoke {
				silenceMs += ms
				if silenceMs >= t.silenceMs {
					t.finish(s, &seq, spoke, utterance, report)
					return
				}
			}
		}
	}
}

func (t *Transcriber) finish(s *core.ChunkStream, seq *int, spoke bool, utterance string, report func()) {
	report()
	text := ""
	if spoke {
		text = utterance
		t.advance()
	}
	*seq++
	s.Push(types.StreamChunk{Seq: *seq, Final: true, Text: text})
}
