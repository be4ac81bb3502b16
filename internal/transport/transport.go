// Package transport defines the peer-connection surface the session
// negotiator and chunk transport depend on. The webrtc subpackage backs it
// with pion; tests back it with in-memory fakes.
package transport

import (
	"context"

	"github.com/pion/webrtc/v3"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
)

// DataChannel is an ordered, reliable, message-oriented channel.
// Callbacks may run on arbitrary goroutines.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(data []byte))
	OnError(f func(err error))
	Close() error
}

type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnICECandidate reports each gathered local candidate and nil once
	// gathering completes.
	OnICECandidate(f func(candidate *webrtc.ICECandidateInit))
	OnDataChannel(f func(dc DataChannel))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	Close() error
}

// Factory creates a fresh peer connection for one session.
type Factory func() (PeerConnection, error)

// Signaler delivers an envelope to a peer address through the relay.
type Signaler interface {
	Send(ctx context.Context, recipient string, env protocol.Envelope) error
}
