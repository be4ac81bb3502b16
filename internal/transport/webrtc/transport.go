// Package webrtc implements the transport interfaces with pion/webrtc.
package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sendfiles-dev/sendfiles/internal/transport"
)

// NewFactory returns a factory producing pion peer connections that share
// the given configuration. Data channels are created with
// ReliableChannelInit.
func NewFactory(config webrtc.Configuration) transport.Factory {
	channelInit := ReliableChannelInit()
	return func() (transport.PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return &peerConnection{pc: pc, channelInit: channelInit}, nil
	}
}
