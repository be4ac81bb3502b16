package session

// Side is which half of the handshake a session plays.
type Side int

const (
	SideOffer Side = iota
	SideAnswer
)

func (s Side) String() string {
	switch s {
	case SideOffer:
		return "offer"
	case SideAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

type State int

const (
	StateInit State = iota
	StateOfferSent
	StateAnswerReceived
	StateOfferReceived
	StateAnswerSent
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOfferSent:
		return "OFFER_SENT"
	case StateAnswerReceived:
		return "ANSWER_RECEIVED"
	case StateOfferReceived:
		return "OFFER_RECEIVED"
	case StateAnswerSent:
		return "ANSWER_SENT"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

type Event int

const (
	EventOfferSent Event = iota
	EventAnswerApplied
	EventOfferApplied
	EventAnswerSent
	EventChannelOpen
	EventChannelClosed
	EventFailure
)

func (e Event) String() string {
	switch e {
	case EventOfferSent:
		return "offer_sent"
	case EventAnswerApplied:
		return "answer_applied"
	case EventOfferApplied:
		return "offer_applied"
	case EventAnswerSent:
		return "answer_sent"
	case EventChannelOpen:
		return "channel_open"
	case EventChannelClosed:
		return "channel_closed"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

type transitionKey struct {
	side  Side
	state State
	event Event
}

var transitions = map[transitionKey]State{
	{SideOffer, StateInit, EventOfferSent}:             StateOfferSent,
	{SideOffer, StateOfferSent, EventAnswerApplied}:    StateAnswerReceived,
	{SideOffer, StateAnswerReceived, EventChannelOpen}: StateOpen,
	{SideOffer, StateOpen, EventChannelClosed}:         StateClosed,
	{SideAnswer, StateInit, EventOfferApplied}:         StateOfferReceived,
	{SideAnswer, StateOfferReceived, EventAnswerSent}:  StateAnswerSent,
	{SideAnswer, StateAnswerSent, EventChannelOpen}:    StateOpen,
	{SideAnswer, StateOpen, EventChannelClosed}:        StateClosed,
}

// Transition returns the state that follows event in state, or false when
// the pair is not allowed. A failure, or a channel closing before it ever
// opened, moves any live state to StateFailed. Terminal states accept
// nothing.
func Transition(side Side, state State, event Event) (State, bool) {
	if state.Terminal() {
		return state, false
	}
	if next, ok := transitions[transitionKey{side, state, event}]; ok {
		return next, true
	}
	if event == EventFailure || (event == EventChannelClosed && state != StateOpen) {
		return StateFailed, true
	}
	return state, false
}
