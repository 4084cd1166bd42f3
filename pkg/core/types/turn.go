package types

import (
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"

	// SpeakerSystem marks bookkeeping turns nobody said.
	SpeakerSystem Speaker = "system"
)

// Stage identifies the pipeline stage that produced a turn.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StageSynthesis     Stage = "synthesis"

	// StageUsage turns carry usage reported after, or without, the turn of
	// the call that consumed it.
	StageUsage Stage = "usage"
)

// AudioRef describes audio associated with a turn without holding the bytes.
type AudioRef struct {
	Bytes      int `json:"bytes"`
	DurationMs int `json:"duration_ms"`
}

// Turn is one entry in a session transcript. Turns are immutable once appended.
type Turn struct {
	ID           string        `json:"id"`
	Speaker      Speaker       `json:"speaker"`
	Stage        Stage         `json:"stage"`
	NodeID       string        `json:"node_id,omitempty"`
	Text         string        `json:"text"`
	Audio        *AudioRef     `json:"audio,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	Observations []Observation `json:"observations,omitempty"`
	At           time.Time     `json:"at"`
}

// Cost returns the sum of the turn's observations.
func (t Turn) Cost() float64 {
	var total float64
	for _, o := range t.Observations {
		total += o.Amount()
	}
	return total
}

func (t Turn) clone() Turn {
	if t.Audio != nil {
		ref := *t.Audio
		t.Audio = &ref
	}
	if t.Observations != nil {
		t.Observations = append([]Observation(nil), t.Observations...)
	}
	return t
}

// Transcript is an append-only ordered list of turns.
// It is written by one goroutine and may be read concurrently.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// Append adds a copy of turn to the end of the transcript.
func (t *Transcript) Append(turn Turn) {
	t.mu.Lock()
	t.turns = append(t.turns, turn.clone())
	t.mu.Unlock()
}

// Turns returns a copy of all turns in order.
func (t *Transcript) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		out[i] = turn.clone()
	}
	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}
