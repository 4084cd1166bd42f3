package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/live"
)

func TestDecodeHello(t *testing.T) {
	raw := []byte(`{
		"type":"hello",
		"protocol_version":"1",
		"agent_id":" front-desk ",
		"vars":{"caller":"Ada"},
		"client":{"name":"kiosk","version":"2.1.0"}
	}`)

	hello, err := DecodeHello(raw)
	if err != nil {
		t.Fatalf("DecodeHello() error = %v", err)
	}
	if hello.AgentID != "front-desk" {
		t.Fatalf("agent_id=%q", hello.AgentID)
	}
	if hello.Vars["caller"] != "Ada" {
		t.Fatalf("vars=%v", hello.Vars)
	}
	if hello.Client.Name != "kiosk" {
		t.Fatalf("client=%+v", hello.Client)
	}
}

func TestDecodeHello_Rejects(t *testing.T) {
	manyVars := make(map[string]string, MaxVars+1)
	for i := 0; i <= MaxVars; i++ {
		manyVars[strings.Repeat("k", i%MaxVarKeyBytes+1)+string(rune('a'+i%26))] = "v"
	}
	tooMany, _ := json.Marshal(Hello{Type: TypeHello, AgentID: "a", Vars: manyVars})

	tests := []struct {
		name  string
		raw   string
		code  string
		param string
	}{
		{"not json", `{"type":`, "bad_request", ""},
		{"unknown field", `{"type":"hello","agent_id":"a","model":"x"}`, "bad_request", ""},
		{"wrong type", `{"type":"interrupt","agent_id":"a"}`, "bad_request", "type"},
		{"missing agent", `{"type":"hello","agent_id":"  "}`, "bad_request", "agent_id"},
		{"future version", `{"type":"hello","protocol_version":"2","agent_id":"a"}`, "unsupported", "protocol_version"},
		{"var too long", `{"type":"hello","agent_id":"a","vars":{"note":"` + strings.Repeat("x", MaxVarBytes+1) + `"}}`, "bad_request", "vars.note"},
		{"too many vars", string(tooMany), "bad_request", "vars"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHello([]byte(tt.raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err=%v (%T), want *DecodeError", err, err)
			}
			if de.Code != tt.code || de.Param != tt.param {
				t.Fatalf("code=%q param=%q, want %q %q", de.Code, de.Param, tt.code, tt.param)
			}
		})
	}
}

func TestHello_RedactedForLog(t *testing.T) {
	h := Hello{Type: TypeHello, AgentID: "a", Vars: map[string]string{"phone": "+15550100"}}
	b, _ := json.Marshal(h.RedactedForLog())
	if strings.Contains(string(b), "+15550100") {
		t.Fatalf("var value leaked: %s", b)
	}
	if !strings.Contains(string(b), "phone") {
		t.Fatalf("var name missing: %s", b)
	}
}

func TestDecodeControl(t *testing.T) {
	for _, typ := range []string{TypeInterrupt, TypeTerminate} {
		msg, err := DecodeControl([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("DecodeControl(%s) error = %v", typ, err)
		}
		if msg.Type != typ {
			t.Fatalf("type=%q", msg.Type)
		}
	}

	tests := []struct {
		raw  string
		code string
	}{
		{`nope`, "bad_request"},
		{`{}`, "bad_request"},
		{`{"type":"hello","agent_id":"a"}`, "bad_request"},
		{`{"type":"response.create"}`, "unsupported"},
	}
	for _, tt := range tests {
		_, err := DecodeControl([]byte(tt.raw))
		var de *DecodeError
		if !errors.As(err, &de) || de.Code != tt.code {
			t.Fatalf("DecodeControl(%s) err=%v, want code %q", tt.raw, err, tt.code)
		}
	}
}

func TestEncodeHelloAck(t *testing.T) {
	b := EncodeHelloAck("sess_1", "front-desk", live.DefaultAudioConfig())
	var ack HelloAck
	if err := json.Unmarshal(b, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.Type != "hello_ack" || ack.SessionID != "sess_1" || ack.AgentID != "front-desk" {
		t.Fatalf("ack=%+v", ack)
	}
	want := AudioFormat{Encoding: EncodingPCM16LE, SampleRateHz: 24000, Channels: 1}
	if ack.AudioIn != want || ack.AudioOut != want {
		t.Fatalf("formats=%+v %+v", ack.AudioIn, ack.AudioOut)
	}
}

func TestEncodeEvent(t *testing.T) {
	b, err := EncodeEvent(&live.InputCommittedEvent{TurnID: "t1", Transcript: "hello"})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if got["type"] != "input.committed" || got["turn_id"] != "t1" || got["transcript"] != "hello" {
		t.Fatalf("got=%v", got)
	}

	b, err = EncodeEvent(&live.AudioFlushEvent{})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	if string(b) != `{"type":"audio.flush"}` {
		t.Fatalf("empty event=%s", b)
	}
}

func TestErrorFrom(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{badRequest("missing type", "type"), "bad_request"},
		{core.NewInterruptionRaceError("listening"), string(core.ErrInterruptionRace)},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		var msg ErrorMessage
		if err := json.Unmarshal(ErrorFrom(tt.err), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "error" || msg.Code != tt.code {
			t.Fatalf("ErrorFrom(%v)=%+v, want code %q", tt.err, msg, tt.code)
		}
	}
}

func TestCloseCode(t *testing.T) {
	tests := map[string]int{
		live.ReasonClientTerminated:           websocket.CloseNormalClosure,
		live.ReasonTransportClosed:            websocket.CloseNormalClosure,
		live.ReasonShutdown:                   websocket.CloseGoingAway,
		string(core.ErrProviderUnavailable):   websocket.CloseTryAgainLater,
		string(core.ErrProviderTimeout):       websocket.CloseTryAgainLater,
		string(core.ErrDialogueLimitExceeded): CloseDialogueLimit,
		string(core.ErrProviderRejected):      CloseRejected,
		live.ReasonInternalError:              websocket.CloseInternalServerErr,
	}
	for reason, want := range tests {
		if got := CloseCode(reason); got != want {
			t.Fatalf("CloseCode(%q)=%d, want %d", reason, got, want)
		}
	}
}

func TestCloseMessage_Truncates(t *testing.T) {
	msg := CloseMessage(websocket.CloseNormalClosure, strings.Repeat("x", 200))
	if len(msg) != 125 {
		t.Fatalf("len=%d, want 125", len(msg))
	}
}
