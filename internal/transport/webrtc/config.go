package webrtc

import "github.com/pion/webrtc/v3"

const (
	ChannelLabel    = "data"
	ChannelProtocol = "file-transfer"
)

// DefaultConfiguration uses a single STUN server and no TURN relays.
func DefaultConfiguration(stunURL string) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{stunURL}},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

// ReliableChannelInit describes the transfer channel. Chunks carry no
// sequence numbers, so delivery must be ordered and retransmitted without
// limit; leaving MaxRetransmits and MaxPacketLifeTime unset gives that.
func ReliableChannelInit() *webrtc.DataChannelInit {
	ordered, protocol := true, ChannelProtocol
	return &webrtc.DataChannelInit{Ordered: &ordered, Protocol: &protocol}
}
