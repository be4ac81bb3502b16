// Package session negotiates one peer connection and its data channel over
// the relay. Each Session runs a single event loop goroutine; SDP steps,
// candidate handling and all pion callbacks are serialized through it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sendfiles-dev/sendfiles/internal/logger"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sendfiles-dev/sendfiles/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChannelLabel = "data"
	eventBufferSize     = 64
)

var (
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrConnectionLost    = errors.New("peer connection lost")
	ErrSessionDone       = errors.New("session already terminated")
)

type Config struct {
	Side Side
	// Peer is the relay address of the other side.
	Peer     string
	Factory  transport.Factory
	Signaler transport.Signaler
	Logger   *logrus.Entry

	// ChannelLabel names the data channel the offer side creates.
	ChannelLabel string
	// OpenTimeout bounds negotiation; zero leaves it to the context.
	OpenTimeout time.Duration
	// OnChannel runs synchronously when the data channel is created or
	// announced, before any message can be delivered on it.
	OnChannel func(dc transport.DataChannel)
}

type eventKind int

const (
	evSignal eventKind = iota
	evLocalCandidate
	evChannelOpen
	evChannelClosed
	evConnectionFailed
)

type loopEvent struct {
	kind      eventKind
	env       protocol.Envelope
	candidate *webrtc.ICECandidateInit
}

type Session struct {
	side      Side
	peer      string
	label     string
	signaler  transport.Signaler
	onChannel func(transport.DataChannel)
	log       *logrus.Entry

	pc     transport.PeerConnection
	events chan loopEvent

	// loop-owned
	state   State
	pending []webrtc.ICECandidateInit

	mu      sync.Mutex
	current State
	channel transport.DataChannel
	err     error

	opened    chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeReq  chan struct{}
	closeOnce sync.Once

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Start creates the peer connection and launches the event loop. The offer
// side sends its offer right away; the answer side waits for one through
// HandleSignal. ctx bounds the whole session: expiry before the channel
// opens fails it, expiry afterwards closes it.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Factory == nil || cfg.Signaler == nil {
		return nil, fmt.Errorf("%w: factory and signaler are required", ErrNegotiationFailed)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logger.Discard())
	}
	label := cfg.ChannelLabel
	if label == "" {
		label = DefaultChannelLabel
	}

	pc, err := cfg.Factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	s := &Session{
		side:      cfg.Side,
		peer:      cfg.Peer,
		label:     label,
		signaler:  cfg.Signaler,
		onChannel: cfg.OnChannel,
		log:       log.WithFields(logrus.Fields{"peer": cfg.Peer, "side": cfg.Side.String()}),
		pc:        pc,
		events:    make(chan loopEvent, eventBufferSize),
		opened:    make(chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		closeReq:  make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		s.post(loopEvent{kind: evLocalCandidate, candidate: c})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debugf("Connection state: %s", state)
		if state == webrtc.PeerConnectionStateFailed {
			s.post(loopEvent{kind: evConnectionFailed})
		}
	})
	if cfg.Side == SideAnswer {
		pc.OnDataChannel(func(dc transport.DataChannel) {
			s.attachChannel(dc)
		})
	}

	go s.run(ctx, cfg.OpenTimeout)
	return s, nil
}

// HandleSignal queues an envelope received from the peer.
func (s *Session) HandleSignal(env protocol.Envelope) error {
	select {
	case <-s.quit:
		return ErrSessionDone
	default:
	}

	select {
	case s.events <- loopEvent{kind: evSignal, env: env}:
		return nil
	case <-s.quit:
		return ErrSessionDone
	}
}

// WaitOpen blocks until the data channel is open and returns it.
func (s *Session) WaitOpen(ctx context.Context) (transport.DataChannel, error) {
	select {
	case <-s.opened:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.channel, nil
	case <-s.done:
		return nil, s.Err()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, ctx.Err())
	}
}

// Close tears the session down and waits for the event loop to exit.
// Closing before the channel opened counts as a failed negotiation.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeReq)
	})
	<-s.done
	return nil
}

// Done is closed once the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is nil for a session that closed after opening.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) Peer() string {
	return s.peer
}

func (s *Session) Side() Side {
	return s.side
}

func (s *Session) BytesSent() uint64 {
	return s.bytesSent.Load()
}

func (s *Session) BytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// post never blocks once the loop has started shutting down, so callbacks
// fired while the peer connection closes cannot stall it.
func (s *Session) post(ev loopEvent) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) run(ctx context.Context, openTimeout time.Duration) {
	var timeout <-chan time.Time
	if openTimeout > 0 {
		timer := time.NewTimer(openTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	if s.side == SideOffer {
		if err := s.sendOffer(ctx); err != nil {
			s.fail(err)
			return
		}
	}

	for {
		select {
		case ev := <-s.events:
			if err := s.handle(ctx, ev); err != nil {
				s.fail(err)
				return
			}
			if s.state.Terminal() {
				return
			}
			if s.state == StateOpen {
				timeout = nil
			}

		case <-timeout:
			s.fail(fmt.Errorf("%w: channel not open after %s", ErrNegotiationFailed, openTimeout))
			return

		case <-s.closeReq:
			if s.state == StateOpen {
				s.finish(StateClosed, nil)
			} else {
				s.fail(fmt.Errorf("%w: closed in state %s", ErrNegotiationFailed, s.state))
			}
			return

		case <-ctx.Done():
			if s.state == StateOpen {
				s.finish(StateClosed, nil)
			} else {
				s.fail(fmt.Errorf("%w: %w", ErrNegotiationFailed, ctx.Err()))
			}
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, ev loopEvent) error {
	switch ev.kind {
	case evSignal:
		return s.handleSignal(ctx, ev.env)

	case evLocalCandidate:
		if ev.candidate == nil {
			s.log.Debug("ICE gathering complete")
			return nil
		}
		if err := s.signaler.Send(ctx, s.peer, protocol.NewICECandidate(*ev.candidate)); err != nil {
			return fmt.Errorf("%w: sending candidate: %v", ErrNegotiationFailed, err)
		}
		return nil

	case evChannelOpen:
		if !s.apply(EventChannelOpen) {
			return nil
		}
		s.log.Info("Data channel open")
		close(s.opened)
		return nil

	case evChannelClosed:
		if s.state == StateOpen {
			s.finish(StateClosed, nil)
			return nil
		}
		return fmt.Errorf("%w: data channel closed in state %s", ErrNegotiationFailed, s.state)

	case evConnectionFailed:
		if s.state == StateOpen {
			return ErrConnectionLost
		}
		return fmt.Errorf("%w: peer connection failed", ErrNegotiationFailed)
	}
	return nil
}

func (s *Session) handleSignal(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgNewOffer:
		if s.side != SideAnswer || s.state != StateInit {
			s.log.Warnf("Ignoring %s in state %s", env.Type, s.state)
			return nil
		}
		return s.acceptOffer(ctx, *env.Offer)

	case protocol.MsgNewAnswer:
		if s.side != SideOffer || s.state != StateOfferSent {
			s.log.Warnf("Ignoring %s in state %s", env.Type, s.state)
			return nil
		}
		if err := s.pc.SetRemoteDescription(*env.Answer); err != nil {
			return fmt.Errorf("%w: setting remote answer: %v", ErrNegotiationFailed, err)
		}
		s.apply(EventAnswerApplied)
		return s.flushCandidates()

	case protocol.MsgNewICECandidate:
		if !s.pc.HasRemoteDescription() {
			s.log.Warn("PrematureCandidate: remote description not set, queueing candidate")
			s.pending = append(s.pending, *env.Candidate)
			return nil
		}
		if err := s.pc.AddICECandidate(*env.Candidate); err != nil {
			return fmt.Errorf("%w: adding candidate: %v", ErrNegotiationFailed, err)
		}
		return nil

	default:
		s.log.Warnf("Ignoring unexpected %s", env.Type)
		return nil
	}
}

func (s *Session) sendOffer(ctx context.Context) error {
	dc, err := s.pc.CreateDataChannel(s.label)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	s.attachChannel(dc)

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: creating offer: %v", ErrNegotiationFailed, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: setting local offer: %v", ErrNegotiationFailed, err)
	}
	s.apply(EventOfferSent)

	if err := s.signaler.Send(ctx, s.peer, protocol.NewOffer(offer)); err != nil {
		return fmt.Errorf("%w: sending offer: %v", ErrNegotiationFailed, err)
	}
	s.log.Debug("Offer sent")
	return nil
}

func (s *Session) acceptOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: setting remote offer: %v", ErrNegotiationFailed, err)
	}
	s.apply(EventOfferApplied)
	if err := s.flushCandidates(); err != nil {
		return err
	}

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: creating answer: %v", ErrNegotiationFailed, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: setting local answer: %v", ErrNegotiationFailed, err)
	}
	s.apply(EventAnswerSent)

	if err := s.signaler.Send(ctx, s.peer, protocol.NewAnswer(answer)); err != nil {
		return fmt.Errorf("%w: sending answer: %v", ErrNegotiationFailed, err)
	}
	s.log.Debug("Answer sent")
	return nil
}

func (s *Session) flushCandidates() error {
	pending := s.pending
	s.pending = nil

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: adding queued candidate: %v", ErrNegotiationFailed, err)
		}
	}
	if len(pending) > 0 {
		s.log.Debugf("Applied %d queued candidates", len(pending))
	}
	return nil
}

// attachChannel wires the session's callbacks onto a data channel. On the
// answer side it runs inside the peer connection's announcement callback.
func (s *Session) attachChannel(raw transport.DataChannel) {
	dc := &countingChannel{DataChannel: raw, session: s}

	raw.OnOpen(func() {
		s.post(loopEvent{kind: evChannelOpen})
	})
	raw.OnClose(func() {
		s.post(loopEvent{kind: evChannelClosed})
	})
	raw.OnError(func(err error) {
		s.log.WithError(err).Warn("Data channel error")
	})

	s.mu.Lock()
	s.channel = dc
	s.mu.Unlock()

	if s.onChannel != nil {
		s.onChannel(dc)
	}
}

func (s *Session) apply(event Event) bool {
	next, ok := Transition(s.side, s.state, event)
	if !ok {
		s.log.Warnf("Rejected %s in state %s", event, s.state)
		return false
	}
	s.log.Debugf("%s -> %s", s.state, next)
	s.setState(next)
	return true
}

func (s *Session) setState(state State) {
	s.state = state
	s.mu.Lock()
	s.current = state
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.log.WithError(err).Warn("Session failed")
	s.finish(StateFailed, err)
}

// finish releases the peer connection and publishes the terminal state.
func (s *Session) finish(state State, err error) {
	close(s.quit)

	s.mu.Lock()
	dc := s.channel
	s.err = err
	s.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if closeErr := s.pc.Close(); closeErr != nil {
		s.log.WithError(closeErr).Debug("Closing peer connection")
	}

	s.setState(state)
	if state == StateClosed {
		s.log.WithFields(logrus.Fields{
			"sent":     s.bytesSent.Load(),
			"received": s.bytesReceived.Load(),
		}).Info("Session closed")
	}
	close(s.done)
}
