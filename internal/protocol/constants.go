package protocol

import "fmt"

// ActionSendMessage is the only action the relay accepts from clients.
const ActionSendMessage = "SEND_MESSAGE"

type MessageType uint8

const (
	MsgUnknown MessageType = iota
	MsgNewRecipient
	MsgNewOffer
	MsgNewAnswer
	MsgNewICECandidate
)

func (t MessageType) String() string {
	switch t {
	case MsgNewRecipient:
		return "NEW_RECIPIENT"
	case MsgNewOffer:
		return "NEW_OFFER"
	case MsgNewAnswer:
		return "NEW_ANSWER"
	case MsgNewICECandidate:
		return "NEW_ICE_CANDIDATE"
	default:
		return "UNKNOWN"
	}
}

func ParseMessageType(s string) (MessageType, error) {
	switch s {
	case "NEW_RECIPIENT":
		return MsgNewRecipient, nil
	case "NEW_OFFER":
		return MsgNewOffer, nil
	case "NEW_ANSWER":
		return MsgNewAnswer, nil
	case "NEW_ICE_CANDIDATE":
		return MsgNewICECandidate, nil
	default:
		return MsgUnknown, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, s)
	}
}

func (t MessageType) MarshalText() ([]byte, error) {
	if t == MsgUnknown || t > MsgNewICECandidate {
		return nil, fmt.Errorf("%w: cannot encode message type %d", ErrInvalidMessage, t)
	}
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Role is the part a relay connection plays in a transfer. Offerer is the
// sending side's long-lived entry point; Sender is the per-receiver
// connection it opens for each negotiation.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOfferer, RoleSender, RoleReceiver:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, s)
	}
}

func (r Role) String() string {
	return string(r)
}
