package scripted

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Synthesizer renders each text as PCM16LE silence, ms_per_char (60)
// milliseconds per character, in frames of frame_ms (100). With realtime set
// frames are paced at playback speed.
type Synthesizer struct {
	sampleRate int
	msPerChar  int
	frameMs    int
	realtime   bool
	price      float64
}

// NewSynthesizer creates a scripted Synthesizer from configuration.
func NewSynthesizer(cfg core.AdapterConfig) (*Synthesizer, error) {
	s := &Synthesizer{
		realtime: boolOption(cfg, "realtime"),
		price:    cfg.Price(types.UnitCharacter),
	}
	var err error
	if s.sampleRate, err = intOption(cfg, "sample_rate", 24000); err != nil {
		return nil, err
	}
	if s.msPerChar, err = intOption(cfg, "ms_per_char", 60); err != nil {
		return nil, err
	}
	if s.frameMs, err = intOption(cfg, "frame_ms", 100); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the adapter identifier.
func (s *Synthesizer) Name() string { return Kind }

// DurationMs returns how long text renders for.
func (s *Synthesizer) DurationMs(text string) int {
	return utf8.RuneCountInString(text) * s.msPerChar
}

// Synthesize starts one synthesis call.
func (s *Synthesizer) Synthesize(ctx context.Context, text <-chan string) (*core.ChunkStream, error) {
	stream := core.NewChunkStream(8)
	go s.run(ctx, text, stream)
	return stream, nil
}

func (s *Synthesizer) run(ctx context.Context, text <-chan string, stream *core.ChunkStream) {
	defer stream.Finish()

	chars := 0
	report := func() {
		stream.Report(types.Observation{
			Category:  types.CategorySynthesis,
			Unit:      types.UnitCharacter,
			Quantity:  float64(chars),
			UnitPrice: s.price,
		})
	}
	frameBytes := bytesPerSecond(s.sampleRate) * s.frameMs / 1000 &^ 1

	seq := 0
	for {
		var (
			t  string
			ok bool
		)
		select {
		case t, ok = <-text:
		case <-ctx.Done():
			report()
			return
		case <-stream.Done():
			report()
			return
		}
		if !ok {
			break
		}
		chars += utf8.RuneCountInString(t)

		remaining := bytesPerSecond(s.sampleRate) * s.DurationMs(t) / 1000 &^ 1
		for remaining > 0 {
			n := min(frameBytes, remaining)
			remaining -= n
			if s.realtime {
				select {
				case <-time.After(time.Duration(s.frameMs) * time.Millisecond):
				case <-ctx.Done():
					report()
					return
				case <-stream.Done():
					report()
					return
				}
			}
			seq++
			if !stream.Push(types.StreamChunk{Seq: seq, Audio: make([]byte, n)}) {
				report()
				return
			}
		}
	}

	if ctx.Err() != nil {
		report()
		return
	}
	report()
	seq++
	stream.Push(types.StreamChunk{Seq: seq, Final: true})
}
