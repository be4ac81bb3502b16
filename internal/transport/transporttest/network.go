// Package transporttest provides an in-memory implementation of the transport
// interfaces for tests. Peer connections created from the same Network find
// each other through the fake session descriptions they exchange.
package transporttest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sendfiles-dev/sendfiles/internal/transport"
)

var (
	ErrNoRemoteDescription = errors.New("remote description is not set")
	ErrUnknownDescription  = errors.New("description does not match any peer connection")
)

const (
	offerPrefix  = "fake-offer:"
	answerPrefix = "fake-answer:"
)

type Network struct {
	// Latency delays every message delivery, letting the sender's buffer
	// fill up.
	Latency time.Duration

	mu    sync.Mutex
	next  int
	conns map[string]*PeerConnection
	order []*PeerConnection
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*PeerConnection)}
}

type Option func(*PeerConnection)

// WithRemoteDescriptionError makes SetRemoteDescription fail with err.
func WithRemoteDescriptionError(err error) Option {
	return func(p *PeerConnection) {
		p.remoteErr = err
	}
}

// WithoutCandidates suppresses local candidate gathering.
func WithoutCandidates() Option {
	return func(p *PeerConnection) {
		p.noCandidates = true
	}
}

func (n *Network) Factory(opts ...Option) transport.Factory {
	return func() (transport.PeerConnection, error) {
		return n.NewPeerConnection(opts...), nil
	}
}

func (n *Network) NewPeerConnection(opts ...Option) *PeerConnection {
	n.mu.Lock()
	n.next++
	pc := &PeerConnection{
		network: n,
		id:      fmt.Sprintf("pc-%d", n.next),
	}
	n.conns[pc.id] = pc
	n.order = append(n.order, pc)
	n.mu.Unlock()

	for _, opt := range opts {
		opt(pc)
	}
	return pc
}

// Connections returns every peer connection created so far, in creation
// order.
func (n *Network) Connections() []*PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*PeerConnection(nil), n.order...)
}

func (n *Network) lookup(sdp string) (*PeerConnection, error) {
	id := strings.TrimPrefix(strings.TrimPrefix(sdp, offerPrefix), answerPrefix)

	n.mu.Lock()
	defer n.mu.Unlock()
	pc, ok := n.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDescription, sdp)
	}
	return pc, nil
}

type PeerConnection struct {
	network      *Network
	id           string
	remoteErr    error
	noCandidates bool

	mu            sync.Mutex
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	peer          *PeerConnection
	channels      []*Channel
	candidates    []webrtc.ICECandidateInit
	closed        bool
	onCandidate   func(*webrtc.ICECandidateInit)
	onDataChannel func(transport.DataChannel)
	onState       func(webrtc.PeerConnectionState)
}

func (p *PeerConnection) ID() string { return p.id }

func (p *PeerConnection) CreateDataChannel(label string) (transport.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("peer connection closed")
	}
	ch := newChannel(label, p.network.Latency)
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerPrefix + p.id}, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerPrefix + p.id}, nil
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	f := p.onCandidate
	p.mu.Unlock()

	if f != nil && !p.noCandidates {
		go func() {
			f(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host " + p.id})
			f(nil)
		}()
	}
	return nil
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if p.remoteErr != nil {
		return p.remoteErr
	}

	peer, err := p.network.lookup(desc.SDP)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.remote = &desc
	p.peer = peer
	p.mu.Unlock()

	if desc.Type == webrtc.SDPTypeAnswer {
		go connect(p, peer)
	}
	return nil
}

func (p *PeerConnection) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote == nil {
		return ErrNoRemoteDescription
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

// RemoteCandidates returns the candidates applied through AddICECandidate.
func (p *PeerConnection) RemoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *PeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *PeerConnection) OnDataChannel(f func(transport.DataChannel)) {
	p.mu.Lock()
	p.onDataChannel = f
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

// Fail reports a failed connection state, as ICE does when connectivity is
// lost.
func (p *PeerConnection) Fail() {
	p.setState(webrtc.PeerConnectionStateFailed)
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	channels := append([]*Channel(nil), p.channels...)
	p.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	p.setState(webrtc.PeerConnectionStateClosed)
	return nil
}

func (p *PeerConnection) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Channels returns the data channels created or announced on p.
func (p *PeerConnection) Channels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Channel(nil), p.channels...)
}

func (p *PeerConnection) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()

	if f != nil {
		f(state)
	}
}

// connect pairs every channel the offerer created with a new channel on the
// answerer, announces it, then opens both ends.
func connect(offerer, answerer *PeerConnection) {
	offerer.mu.Lock()
	local := append([]*Channel(nil), offerer.channels...)
	offerer.mu.Unlock()

	offerer.setState(webrtc.PeerConnectionStateConnected)
	answerer.setState(webrtc.PeerConnectionStateConnected)

	for _, ch := range local {
		remote := newChannel(ch.label, offerer.network.Latency)
		pair(ch, remote)

		answerer.mu.Lock()
		if answerer.closed {
			answerer.mu.Unlock()
			_ = remote.Close()
			_ = ch.Close()
			continue
		}
		answerer.channels = append(answerer.channels, remote)
		announce := answerer.onDataChannel
		answerer.mu.Unlock()

		if announce != nil {
			announce(remote)
		}
		remote.setOpen()
		ch.setOpen()
	}
}

// Pipe negotiates two fresh peer connections and returns the offerer's data
// channel and the answerer's announced one, both open.
func (n *Network) Pipe(label string) (*Channel, *Channel, error) {
	offerer := n.NewPeerConnection(WithoutCandidates())
	answerer := n.NewPeerConnection(WithoutCandidates())

	announced := make(chan transport.DataChannel, 1)
	answerer.OnDataChannel(func(dc transport.DataChannel) {
		announced <- dc
	})

	dc, err := offerer.CreateDataChannel(label)
	if err != nil {
		return nil, nil, err
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, _ := offerer.CreateOffer()
	_ = offerer.SetLocalDescription(offer)
	if err := answerer.SetRemoteDescription(offer); err != nil {
		return nil, nil, err
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		return nil, nil, err
	}
	_ = answerer.SetLocalDescription(answer)
	if err := offerer.SetRemoteDescription(answer); err != nil {
		return nil, nil, err
	}

	timeout := time.After(5 * time.Second)
	var remote transport.DataChannel
	select {
	case remote = <-announced:
	case <-timeout:
		return nil, nil, errors.New("timed out waiting for channel announcement")
	}
	select {
	case <-opened:
	case <-timeout:
		return nil, nil, errors.New("timed out waiting for channel open")
	}
	return dc.(*Channel), remote.(*Channel), nil
}
