package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-assistant/pkg/core"
)

// State represents the current state of a session.
type State int

const (
	// StateIdle is the initial state before the session is started.
	StateIdle State = iota
	// StateListening waits for user speech.
	StateListening
	// StateTranscribing streams user audio to the transcriber.
	StateTranscribing
	// StateGenerating waits for the generator to produce speakable text.
	StateGenerating
	// StateSynthesizing streams agent audio to the user.
	StateSynthesizing
	// StateInterrupted is the short window in which a cancelled synthesis is torn down.
	StateInterrupted
	// StateTerminated is final.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateGenerating:
		return "GENERATING"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state as its lower-case name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// InterruptMode specifies how user speech during synthesis is handled.
type InterruptMode string

const (
	// InterruptModeAlways treats sustained user speech during synthesis as an interrupt.
	InterruptModeAlways InterruptMode = "always"
	// InterruptModeNever ignores user speech during synthesis.
	InterruptModeNever InterruptMode = "never"
)

// InterruptConfig configures barge-in detection during synthesis.
type InterruptConfig struct {
	// Mode defaults to "always".
	Mode InterruptMode `json:"mode"`

	// EnergyThreshold is the RMS level (0.0 to 1.0) a frame must reach to
	// count as speech. Required.
	EnergyThreshold float64 `json:"energy_threshold"`

	// MinSpeechMs is how much continuous speech triggers an interrupt. Required.
	MinSpeechMs int `json:"min_speech_ms"`
}

// ActivityConfig configures speech onset detection while listening.
// Zero thresholds fall back to the interrupt settings.
type ActivityConfig struct {
	EnergyThreshold float64 `json:"energy_threshold"`
	MinSpeechMs     int     `json:"min_speech_ms"`

	// PreRollMs is audio kept from before speech onset so the transcriber
	// hears the start of the utterance. Never less than MinSpeechMs.
	PreRollMs int `json:"pre_roll_ms"`
}

// RetryConfig bounds retries of retryable adapter failures. Required.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// TimeoutConfig holds the per-role chunk deadlines. Required.
type TimeoutConfig struct {
	Transcriber time.Duration `json:"transcriber"`
	Generator   time.Duration `json:"generator"`
	Synthesizer time.Duration `json:"synthesizer"`
}

// For returns the deadline of a role.
func (c TimeoutConfig) For(role core.Role) time.Duration {
	switch role {
	case core.RoleTranscriber:
		return c.Transcriber
	case core.RoleGenerator:
		return c.Generator
	default:
		return c.Synthesizer
	}
}

// Config holds the runtime configuration shared by sessions.
type Config struct {
	Audio     AudioConfig     `json:"audio"`
	Interrupt InterruptConfig `json:"interrupt"`
	Activity  ActivityConfig  `json:"activity"`
	Retry     RetryConfig     `json:"retry"`
	Timeouts  TimeoutConfig   `json:"timeouts"`

	// CancelGrace bounds how long a cancelled adapter call may take to stop
	// and report its usage. Required. The coordinator waits up to twice this
	// long for cancelled calls (see cancelWait).
	CancelGrace time.Duration `json:"cancel_grace"`

	// MaxBacklogMs caps user audio held while the agent is busy. Default: 10000.
	MaxBacklogMs int `json:"max_backlog_ms"`

	// EventBuffer is the outbound event channel size. Default: 256.
	EventBuffer int `json:"event_buffer"`

	// Debug enables debug events.
	Debug bool `json:"debug"`
}

// Validate reports the first missing or invalid setting.
func (c Config) Validate() error {
	switch c.Interrupt.Mode {
	case "", InterruptModeAlways, InterruptModeNever:
	default:
		return invalidConfig(fmt.Sprintf("unknown interrupt mode %q", c.Interrupt.Mode), "interrupt.mode")
	}
	if c.Interrupt.EnergyThreshold <= 0 || c.Interrupt.EnergyThreshold > 1 {
		return invalidConfig("interrupt.energy_threshold must be in (0, 1]", "interrupt.energy_threshold")
	}
	if c.Interrupt.MinSpeechMs <= 0 {
		return invalidConfig("interrupt.min_speech_ms must be > 0", "interrupt.min_speech_ms")
	}
	if c.Activity.EnergyThreshold < 0 || c.Activity.EnergyThreshold > 1 {
		return invalidConfig("activity.energy_threshold must be in [0, 1]", "activity.energy_threshold")
	}
	if c.Activity.MinSpeechMs < 0 || c.Activity.PreRollMs < 0 {
		return invalidConfig("activity durations must be >= 0", "activity")
	}
	if c.Retry.MaxAttempts < 1 {
		return invalidConfig("retry.max_attempts must be >= 1", "retry.max_attempts")
	}
	if c.Retry.InitialBackoff <= 0 {
		return invalidConfig("retry.initial_backoff must be > 0", "retry.initial_backoff")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return invalidConfig("retry.max_backoff must be >= retry.initial_backoff", "retry.max_backoff")
	}
	for _, role := range []core.Role{core.RoleTranscriber, core.RoleGenerator, core.RoleSynthesizer} {
		if c.Timeouts.For(role) <= 0 {
			return invalidConfig(fmt.Sprintf("timeouts.%s must be > 0", role), "timeouts."+string(role))
		}
	}
	if c.CancelGrace <= 0 {
		return invalidConfig("cancel_grace must be > 0", "cancel_grace")
	}
	if c.MaxBacklogMs < 0 || c.EventBuffer < 0 {
		return invalidConfig("max_backlog_ms and event_buffer must be >= 0", "max_backlog_ms")
	}
	return nil
}

// withDefaults fills the optional settings.
// cancelWait is how long the coordinator waits for cancelled calls to exit:
// one grace for the adapter to stop and one for its pump to forward the
// usage.
func (c Config) cancelWait() time.Duration {
	return 2 * c.CancelGrace
}

func (c Config) withDefaults() Config {
	if c.Audio.SampleRate == 0 {
		c.Audio = DefaultAudioConfig()
	}
	if c.Interrupt.Mode == "" {
		c.Interrupt.Mode = InterruptModeAlways
	}
	if c.Activity.EnergyThreshold == 0 {
		c.Activity.EnergyThreshold = c.Interrupt.EnergyThreshold
	}
	if c.Activity.MinSpeechMs == 0 {
		c.Activity.MinSpeechMs = c.Interrupt.MinSpeechMs
	}
	if c.Activity.PreRollMs == 0 {
		c.Activity.PreRollMs = 300
	}
	if c.Activity.PreRollMs < c.Activity.MinSpeechMs {
		c.Activity.PreRollMs = c.Activity.MinSpeechMs + 100
	}
	if c.MaxBacklogMs == 0 {
		c.MaxBacklogMs = 10000
	}
	if c.MaxBacklogMs < c.Activity.PreRollMs {
		c.MaxBacklogMs = c.Activity.PreRollMs
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	return c
}

func invalidConfig(msg, param string) error {
	return core.NewInvalidConfigError(msg, param)
}

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultAudioConfig returns 24kHz mono PCM16.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    24000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}
