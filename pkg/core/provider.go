package core

import (
	"context"

	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Role names one of the three adapter capabilities.
type Role string

const (
	RoleTranscriber Role = "transcriber"
	RoleGenerator   Role = "generator"
	RoleSynthesizer Role = "synthesizer"
)

// Category returns the ledger category costs of this role are booked under.
func (r Role) Category() types.Category {
	switch r {
	case RoleTranscriber:
		return types.CategoryTranscription
	case RoleGenerator:
		return types.CategoryGeneration
	default:
		return types.CategorySynthesis
	}
}

// Transcriber turns live audio into transcript chunks.
//
// Audio frames arrive on the audio channel until it is closed or ctx is done.
// Partial chunks carry the running hypothesis; the final chunk carries the
// complete utterance and ends the call.
type Transcriber interface {
	// Name returns the adapter identifier.
	Name() string

	// Transcribe starts one transcription call.
	Transcribe(ctx context.Context, audio <-chan []byte) (*ChunkStream, error)
}

// SessionTranscriber is a Transcriber that keeps state across the calls of
// one session. Sessions call ForSession once at creation and use the result
// for all their calls, so a transcriber shared through an agent cache never
// carries state from one session into another.
type SessionTranscriber interface {
	Transcriber
	ForSession() Transcriber
}

// GenerateRequest is the input to one generation call.
type GenerateRequest struct {
	SystemPrompt string
	NodeID       string
	NodePrompt   string
	Transcript   []types.Turn
	Vars         map[string]string
}

// Message is one entry of the conversational view of a transcript.
type Message struct {
	Role string // "user" or "assistant"
	Text string
}

// History returns the transcript as a conversation.
//
// User transcriptions and agent generations become messages. A truncated
// synthesis replaces the generation it spoke with what was actually heard;
// a synthesis with no generation before it (a welcome message) is kept.
func (r GenerateRequest) History() []Message {
	var out []Message
	spoken := -1
	for _, t := range r.Transcript {
		switch {
		case t.Speaker == types.SpeakerUser:
			out = append(out, Message{Role: "user", Text: t.Text})
			spoken = -1
		case t.Stage == types.StageGeneration:
			out = append(out, Message{Role: "assistant", Text: t.Text})
			spoken = len(out) - 1
		case t.Stage == types.StageSynthesis:
			switch {
			case spoken < 0:
				out = append(out, Message{Role: "assistant", Text: t.Text})
			case t.Truncated:
				out[spoken].Text = t.Text
			}
			spoken = -1
		}
	}

	kept := out[:0]
	for _, m := range out {
		if m.Text != "" {
			kept = append(kept, m)
		}
	}
	return kept
}

// Generator streams a reply for the running transcript.
//
// Non-final chunks carry text deltas. The final chunk carries the structured
// GeneratorOutput.
type Generator interface {
	// Name returns the adapter identifier.
	Name() string

	// Generate starts one generation call.
	Generate(ctx context.Context, req GenerateRequest) (*ChunkStream, error)
}

// Synthesizer turns text into audio.
//
// Text arrives on the text channel until it is closed. Chunks carry audio
// bytes; the final chunk follows the last audio for the closed input.
// Cancelling ctx must stop synthesis and report the partial quantity consumed.
type Synthesizer interface {
	// Name returns the adapter identifier.
	Name() string

	// Synthesize starts one synthesis call.
	Synthesize(ctx context.Context, text <-chan string) (*ChunkStream, error)
}
