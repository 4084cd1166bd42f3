package live

import (
	"github.com/vango-go/vai-assistant/pkg/core/cost"
)

// Event is the interface for all session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// SessionCreatedEvent is emitted once the coordinator is running.
type SessionCreatedEvent struct {
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id"`
	NodeID     string `json:"node_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func (e *SessionCreatedEvent) EventType() string { return "session.created" }

// SessionClosedEvent is the last event of a session.
type SessionClosedEvent struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

func (e *SessionClosedEvent) EventType() string { return "session.closed" }

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// TranscriptDeltaEvent carries the transcriber's running hypothesis.
type TranscriptDeltaEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final,omitempty"`
}

func (e *TranscriptDeltaEvent) EventType() string { return "transcript.delta" }

// InputCommittedEvent is emitted when a user turn is appended.
type InputCommittedEvent struct {
	TurnID     string `json:"turn_id"`
	Transcript string `json:"transcript"`
}

func (e *InputCommittedEvent) EventType() string { return "input.committed" }

// AssistantTextEvent carries generated text as it streams.
type AssistantTextEvent struct {
	Delta string `json:"delta"`
}

func (e *AssistantTextEvent) EventType() string { return "assistant.text" }

// NodeChangedEvent is emitted when the dialogue cursor moves.
type NodeChangedEvent struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Turns int    `json:"turns"`
}

func (e *NodeChangedEvent) EventType() string { return "node.changed" }

// AudioDeltaEvent carries synthesized audio.
type AudioDeltaEvent struct {
	Data   []byte `json:"data"`
	Format string `json:"format,omitempty"` // e.g., "pcm_s16le"
}

func (e *AudioDeltaEvent) EventType() string { return "audio_delta" }

// AudioCommittedEvent is emitted when all audio for a response has been sent.
type AudioCommittedEvent struct {
	DurationMs int `json:"duration_ms"`
}

func (e *AudioCommittedEvent) EventType() string { return "audio.committed" }

// AudioFlushEvent signals that buffered, unplayed audio must be discarded.
type AudioFlushEvent struct{}

func (e *AudioFlushEvent) EventType() string { return "audio.flush" }

// ResponseInterruptedEvent is emitted after an interrupted response is torn down.
type ResponseInterruptedEvent struct {
	PartialText     string `json:"partial_text"`
	AudioPositionMs int    `json:"audio_position_ms"`
	Source          string `json:"source"` // "speech" or "client"
}

func (e *ResponseInterruptedEvent) EventType() string { return "response.interrupted" }

// CostUpdatedEvent carries the ledger after new usage was booked.
type CostUpdatedEvent struct {
	Costs cost.Snapshot `json:"costs"`
	Total float64       `json:"total"`
}

func (e *CostUpdatedEvent) EventType() string { return "cost.updated" }

// WarningEvent is an advisory message, e.g. an upcoming shutdown.
type WarningEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WarningEvent) EventType() string { return "warning" }

// ErrorEvent is emitted when an error occurs.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// DebugEvent is emitted for debugging information.
type DebugEvent struct {
	Category string `json:"category"` // AUDIO, STT, LLM, TTS, INTERRUPT, DIALOGUE, SESSION
	Message  string `json:"message"`
}

func (e *DebugEvent) EventType() string { return "debug" }
