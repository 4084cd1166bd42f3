package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/live"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCM16LE = "pcm_s16le"

	MaxVars        = 64
	MaxVarKeyBytes = 64
	MaxVarBytes    = 1024
)

// Client control message types.
const (
	TypeHello     = "hello"
	TypeInterrupt = "interrupt"
	TypeTerminate = "terminate"
)

// Application close codes, above the range reserved by RFC 6455.
const (
	CloseDialogueLimit = 4000
	CloseRejected      = 4001
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the PCM shape of a direction of audio.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// FormatOf describes cfg as PCM16LE.
func FormatOf(cfg live.AudioConfig) AudioFormat {
	return AudioFormat{Encoding: EncodingPCM16LE, SampleRateHz: cfg.SampleRate, Channels: cfg.Channels}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Hello is the first frame a client sends.
type Hello struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	AgentID         string            `json:"agent_id"`
	Vars            map[string]string `json:"vars,omitempty"`
	Client          HelloClient       `json:"client,omitempty"`
}

// RedactedForLog keeps var names but not their values, which may carry
// caller details.
func (h Hello) RedactedForLog() map[string]any {
	names := make([]string, 0, len(h.Vars))
	for k := range h.Vars {
		names = append(names, k)
	}
	return map[string]any{
		"protocol_version": h.ProtocolVersion,
		"agent_id":         h.AgentID,
		"var_names":        names,
		"client":           h.Client,
	}
}

// Control is a client text frame after hello.
type Control struct {
	Type string `json:"type"`
}

// DecodeHello strictly decodes and validates a hello frame.
func DecodeHello(data []byte) (Hello, error) {
	var msg Hello
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return Hello{}, badRequest("invalid hello frame: "+err.Error(), "")
	}
	if err := ValidateHello(msg); err != nil {
		return Hello{}, err
	}
	msg.AgentID = strings.TrimSpace(msg.AgentID)
	return msg, nil
}

func ValidateHello(h Hello) error {
	if h.Type != TypeHello {
		return badRequest("first frame must be hello", "type")
	}
	switch h.ProtocolVersion {
	case "", ProtocolVersion1:
	default:
		return unsupported(fmt.Sprintf("protocol_version %q is not supported", h.ProtocolVersion), "protocol_version")
	}
	if strings.TrimSpace(h.AgentID) == "" {
		return badRequest("agent_id is required", "agent_id")
	}
	if len(h.Vars) > MaxVars {
		return badRequest(fmt.Sprintf("at most %d vars are allowed", MaxVars), "vars")
	}
	for k, v := range h.Vars {
		if strings.TrimSpace(k) == "" || len(k) > MaxVarKeyBytes {
			return badRequest("var names must be 1-64 bytes", "vars")
		}
		if len(v) > MaxVarBytes {
			return badRequest(fmt.Sprintf("var %q exceeds %d bytes", k, MaxVarBytes), "vars."+k)
		}
	}
	return nil
}

// DecodeControl decodes a control frame sent after hello.
func DecodeControl(data []byte) (Control, error) {
	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		return Control{}, badRequest("invalid json frame", "")
	}
	msg.Type = strings.TrimSpace(msg.Type)
	switch msg.Type {
	case "":
		return Control{}, badRequest("missing type", "type")
	case TypeInterrupt, TypeTerminate:
		return msg, nil
	case TypeHello:
		return Control{}, badRequest("hello was already received", "type")
	default:
		return Control{}, unsupported(fmt.Sprintf("unsupported message type %q", msg.Type), "type")
	}
}

// HelloAck answers an accepted hello.
type HelloAck struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	AgentID         string      `json:"agent_id"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

func EncodeHelloAck(sessionID, agentID string, audio live.AudioConfig) []byte {
	b, _ := json.Marshal(HelloAck{
		Type:            "hello_ack",
		ProtocolVersion: ProtocolVersion1,
		SessionID:       sessionID,
		AgentID:         agentID,
		AudioIn:         FormatOf(audio),
		AudioOut:        FormatOf(audio),
	})
	return b
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func EncodeError(code, message, param string) []byte {
	b, _ := json.Marshal(ErrorMessage{Type: "error", Code: code, Message: message, Param: param})
	return b
}

// ErrorFrom encodes err as an error frame, keeping the pipeline error type
// as the code when there is one.
func ErrorFrom(err error) []byte {
	var de *DecodeError
	if errors.As(err, &de) {
		return EncodeError(de.Code, de.Message, de.Param)
	}
	if e, ok := core.AsError(err); ok {
		return EncodeError(string(e.Type), e.Message, e.Param)
	}
	return EncodeError("internal_error", err.Error(), "")
}

// EncodeEvent renders a session event as a JSON text frame:
// {"type": <event type>, ...event fields}.
func EncodeEvent(ev live.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	typ, _ := json.Marshal(ev.EventType())

	var out bytes.Buffer
	out.Grow(len(body) + len(typ) + 10)
	out.WriteString(`{"type":`)
	out.Write(typ)
	if inner := bytes.TrimSpace(body); len(inner) > 2 {
		out.WriteByte(',')
		out.Write(inner[1:])
	} else {
		out.WriteByte('}')
	}
	return out.Bytes(), nil
}

// CloseCode maps a session termination reason to a WebSocket close code.
func CloseCode(reason string) int {
	switch reason {
	case live.ReasonClientTerminated, live.ReasonTransportClosed, live.ReasonContextCanceled:
		return websocket.CloseNormalClosure
	case live.ReasonShutdown:
		return websocket.CloseGoingAway
	case string(core.ErrProviderUnavailable), string(core.ErrProviderTimeout):
		return websocket.CloseTryAgainLater
	case string(core.ErrDialogueLimitExceeded):
		return CloseDialogueLimit
	case string(core.ErrProviderRejected):
		return CloseRejected
	default:
		return websocket.CloseInternalServerErr
	}
}

// CloseMessage builds a close frame payload. The reason is truncated to fit
// the 123 bytes a control frame allows.
func CloseMessage(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	return websocket.FormatCloseMessage(code, reason)
}
