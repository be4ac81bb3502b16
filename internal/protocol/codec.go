package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec converts envelopes and relay frames to and from their JSON wire form.
// Envelopes travel as a JSON string inside the frame body.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) EncodeEnvelope(env Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return string(data), nil
}

func (c *Codec) DecodeEnvelope(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decoding body: %v", ErrInvalidMessage, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (c *Codec) EncodeOutbound(recipient string, env Envelope) ([]byte, error) {
	body, err := c.EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(OutboundFrame{
		Action:    ActionSendMessage,
		Recipient: recipient,
		Body:      body,
	})
}

// DecodeOutbound parses a client frame. The body is left encoded; the relay
// forwards it without interpreting it.
func (c *Codec) DecodeOutbound(data []byte) (OutboundFrame, error) {
	var frame OutboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return OutboundFrame{}, fmt.Errorf("%w: decoding frame: %v", ErrInvalidMessage, err)
	}
	if frame.Action != ActionSendMessage {
		return OutboundFrame{}, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, frame.Action)
	}
	if frame.Recipient == "" {
		return OutboundFrame{}, fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	}
	return frame, nil
}

func (c *Codec) EncodeInbound(frame InboundFrame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *Codec) DecodeInbound(data []byte) (InboundFrame, Envelope, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return InboundFrame{}, Envelope{}, fmt.Errorf("%w: decoding frame: %v", ErrInvalidMessage, err)
	}
	env, err := c.DecodeEnvelope(frame.Body)
	if err != nil {
		return frame, Envelope{}, err
	}
	return frame, env, nil
}
