package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sendfiles-dev/sendfiles/internal/transport"
)

type peerConnection struct {
	pc          *webrtc.PeerConnection
	channelInit *webrtc.DataChannelInit
}

func (p *peerConnection) CreateDataChannel(label string) (transport.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, p.channelInit)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return &dataChannel{dc: dc}, nil
}

func (p *peerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		candidate := c.ToJSON()
		f(&candidate)
	})
}

func (p *peerConnection) OnDataChannel(f func(transport.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&dataChannel{dc: dc})
	})
}

func (p *peerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string {
	return d.dc.Label()
}

func (d *dataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *dataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

func (d *dataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.dc.SetBufferedAmountLowThreshold(threshold)
}

func (d *dataChannel) OnBufferedAmountLow(f func()) {
	d.dc.OnBufferedAmountLow(f)
}

func (d *dataChannel) OnOpen(f func()) {
	d.dc.OnOpen(f)
}

func (d *dataChannel) OnClose(f func()) {
	d.dc.OnClose(f)
}

func (d *dataChannel) OnMessage(f func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (d *dataChannel) OnError(f func(error)) {
	d.dc.OnError(f)
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}
