package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	codec := NewCodec()
	mid := "0"
	index := uint16(0)

	tests := []struct {
		name string
		env  Envelope
	}{
		{"recipient", NewRecipient()},
		{"offer", NewOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})},
		{"answer", NewAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"})},
		{"candidate", NewICECandidate(webrtc.ICECandidateInit{
			Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		})},
	}

	for _, tt := range tests {
		body, err := codec.EncodeEnvelope(tt.env)
		if err != nil {
			t.Fatalf("%s: EncodeEnvelope failed: %v", tt.name, err)
		}

		decoded, err := codec.DecodeEnvelope(body)
		if err != nil {
			t.Fatalf("%s: DecodeEnvelope failed: %v", tt.name, err)
		}
		if decoded.Type != tt.env.Type {
			t.Errorf("%s: expected type %v, got %v", tt.name, tt.env.Type, decoded.Type)
		}
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	codec := NewCodec()
	body, err := codec.EncodeEnvelope(NewOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if raw["type"] != "NEW_OFFER" {
		t.Errorf("expected type NEW_OFFER, got %v", raw["type"])
	}
	offer, ok := raw["offer"].(map[string]any)
	if !ok {
		t.Fatalf("expected offer object, got %T", raw["offer"])
	}
	if offer["type"] != "offer" || offer["sdp"] != "v=0" {
		t.Errorf("unexpected offer payload: %v", offer)
	}
	if _, ok := raw["answer"]; ok {
		t.Error("answer should be omitted")
	}
}

func TestOutboundFrame(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeOutbound("peer-b", NewRecipient())
	if err != nil {
		t.Fatalf("EncodeOutbound failed: %v", err)
	}
	if !strings.Contains(string(data), `"action":"SEND_MESSAGE"`) {
		t.Errorf("missing action in %s", data)
	}

	frame, err := codec.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("DecodeOutbound failed: %v", err)
	}
	if frame.Recipient != "peer-b" {
		t.Errorf("expected recipient peer-b, got %q", frame.Recipient)
	}
	if frame.Body != `{"type":"NEW_RECIPIENT"}` {
		t.Errorf("unexpected body %q", frame.Body)
	}
}

func TestDecodeOutboundRejects(t *testing.T) {
	codec := NewCodec()
	tests := []string{
		`not json`,
		`{"action":"BROADCAST","recipient":"x","body":"{}"}`,
		`{"action":"SEND_MESSAGE","body":"{}"}`,
	}

	for _, input := range tests {
		if _, err := codec.DecodeOutbound([]byte(input)); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("DecodeOutbound(%s): expected ErrInvalidMessage, got %v", input, err)
		}
	}
}

func TestInboundFrame(t *testing.T) {
	codec := NewCodec()
	body, _ := codec.EncodeEnvelope(NewAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))

	data, err := codec.EncodeInbound(InboundFrame{Sender: "a", Recipient: "b", Body: body})
	if err != nil {
		t.Fatalf("EncodeInbound failed: %v", err)
	}

	frame, env, err := codec.DecodeInbound(data)
	if err != nil {
		t.Fatalf("DecodeInbound failed: %v", err)
	}
	if frame.Sender != "a" || frame.Recipient != "b" {
		t.Errorf("unexpected addresses: %+v", frame)
	}
	if env.Type != MsgNewAnswer || env.Answer == nil || env.Answer.SDP != "v=0" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestDecodeEnvelopeInvalid(t *testing.T) {
	codec := NewCodec()
	tests := []string{
		``,
		`{"type":"NEW_GOODBYE"}`,
		`{"type":"NEW_OFFER"}`,
		`{"type":"NEW_ANSWER","offer":{"type":"offer","sdp":"x"}}`,
		`{"type":"NEW_ICE_CANDIDATE"}`,
	}

	for _, body := range tests {
		if _, err := codec.DecodeEnvelope(body); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("DecodeEnvelope(%q): expected ErrInvalidMessage, got %v", body, err)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		msgType  MessageType
		expected string
	}{
		{MsgNewRecipient, "NEW_RECIPIENT"},
		{MsgNewOffer, "NEW_OFFER"},
		{MsgNewAnswer, "NEW_ANSWER"},
		{MsgNewICECandidate, "NEW_ICE_CANDIDATE"},
		{MsgUnknown, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.msgType.String(); got != tt.expected {
			t.Errorf("MessageType(%d).String() = %q, want %q", tt.msgType, got, tt.expected)
		}
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"offerer", "sender", "receiver"} {
		role, err := ParseRole(s)
		if err != nil {
			t.Fatalf("ParseRole(%q) failed: %v", s, err)
		}
		if role.String() != s {
			t.Errorf("expected %q, got %q", s, role)
		}
	}

	if _, err := ParseRole("observer"); err == nil {
		t.Error("expected error for unknown role")
	}
}
