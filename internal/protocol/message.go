package protocol

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

var ErrInvalidMessage = errors.New("invalid message")

// Envelope is a signaling message exchanged between peers through the relay.
// Exactly one payload field is set, matching Type; NEW_RECIPIENT has none.
type Envelope struct {
	Type      MessageType                `json:"type"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func NewRecipient() Envelope {
	return Envelope{Type: MsgNewRecipient}
}

func NewOffer(offer webrtc.SessionDescription) Envelope {
	return Envelope{Type: MsgNewOffer, Offer: &offer}
}

func NewAnswer(answer webrtc.SessionDescription) Envelope {
	return Envelope{Type: MsgNewAnswer, Answer: &answer}
}

func NewICECandidate(candidate webrtc.ICECandidateInit) Envelope {
	return Envelope{Type: MsgNewICECandidate, Candidate: &candidate}
}

func (e Envelope) Validate() error {
	switch e.Type {
	case MsgNewRecipient:
		return nil
	case MsgNewOffer:
		if e.Offer == nil {
			return fmt.Errorf("%w: %s without offer", ErrInvalidMessage, e.Type)
		}
	case MsgNewAnswer:
		if e.Answer == nil {
			return fmt.Errorf("%w: %s without answer", ErrInvalidMessage, e.Type)
		}
	case MsgNewICECandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: %s without candidate", ErrInvalidMessage, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown message type", ErrInvalidMessage)
	}
	return nil
}

// OutboundFrame is what a client writes to the relay.
type OutboundFrame struct {
	Action    string `json:"action"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

// InboundFrame is what the relay delivers. Recipient is the address of the
// socket the frame was delivered to.
type InboundFrame struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}
