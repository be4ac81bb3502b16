package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sendfiles-dev/sendfiles/internal/chunk"
	"github.com/sendfiles-dev/sendfiles/internal/logger"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sendfiles-dev/sendfiles/internal/session"
	"github.com/sendfiles-dev/sendfiles/internal/transport"
	"github.com/sirupsen/logrus"
)

const resultBufferSize = 16

type OffererConfig struct {
	TransferID string
	Ciphertext []byte
	Dial       Dialer
	Factory    transport.Factory
	Logger     *logrus.Entry
	// OpenTimeout bounds each receiver's negotiation.
	OpenTimeout time.Duration
	// OnProgress, if set, is called from each receiver's goroutine.
	OnProgress func(peer string, done, total int)
}

// Result is the outcome of serving one receiver.
type Result struct {
	Peer      string
	BytesSent uint64
	Err       error
}

type SessionInfo struct {
	Peer      string
	State     session.State
	BytesSent uint64
}

// Offerer serves one ciphertext to every receiver the relay announces.
// Each receiver gets its own relay connection and session; a failure in one
// never touches the others.
type Offerer struct {
	cfg     OffererConfig
	log     *logrus.Entry
	results chan Result
	ready   chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*peerSession
}

type peerSession struct {
	peer string

	mu      sync.Mutex
	session *session.Session
}

func (p *peerSession) set(s *session.Session) {
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
}

func (p *peerSession) info() SessionInfo {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()

	if s == nil {
		return SessionInfo{Peer: p.peer, State: session.StateInit}
	}
	return SessionInfo{Peer: p.peer, State: s.State(), BytesSent: s.BytesSent()}
}

func NewOfferer(cfg OffererConfig) (*Offerer, error) {
	if cfg.TransferID == "" || cfg.Dial == nil || cfg.Factory == nil {
		return nil, errors.New("offerer needs a transfer id, dialer and factory")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logger.Discard())
	}

	return &Offerer{
		cfg:      cfg,
		log:      log.WithField("transfer", cfg.TransferID),
		results:  make(chan Result, resultBufferSize),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*peerSession),
	}, nil
}

// Run registers as the transfer's offerer and serves receivers until ctx is
// done or the relay drops the offerer connection. It returns after every
// receiver session has finished, and closes Results. Results should be
// drained while Run serves; once the offerer connection is gone, results
// that find the buffer full are dropped.
func (o *Offerer) Run(ctx context.Context) error {
	defer close(o.results)

	conn, err := o.cfg.Dial(ctx, o.cfg.TransferID, protocol.RoleOfferer)
	if err != nil {
		return fmt.Errorf("registering offer: %w", err)
	}
	defer conn.Close()

	close(o.ready)
	o.log.Info("Waiting for receivers")

	err = o.listen(ctx, conn)
	close(o.stopped)
	o.wg.Wait()
	return err
}

func (o *Offerer) listen(ctx context.Context, conn RelayConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-conn.Receive():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return relayErr(conn)
			}
			if msg.Envelope.Type != protocol.MsgNewRecipient {
				o.log.Debugf("Ignoring %s on offerer connection", msg.Envelope.Type)
				continue
			}
			o.admit(ctx, msg.Sender)
		}
	}
}

// Ready is closed once the offer is registered with the relay.
func (o *Offerer) Ready() <-chan struct{} {
	return o.ready
}

func (o *Offerer) Results() <-chan Result {
	return o.results
}

// Sessions returns a snapshot of every receiver seen so far, sorted by
// address.
func (o *Offerer) Sessions() []SessionInfo {
	o.mu.RLock()
	infos := make([]SessionInfo, 0, len(o.sessions))
	for _, ps := range o.sessions {
		infos = append(infos, ps.info())
	}
	o.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Peer < infos[j].Peer })
	return infos
}

func (o *Offerer) admit(ctx context.Context, peer string) {
	o.mu.Lock()
	if _, exists := o.sessions[peer]; exists {
		o.mu.Unlock()
		o.log.WithField("peer", peer).Warn("Duplicate recipient announcement ignored")
		return
	}
	ps := &peerSession{peer: peer}
	o.sessions[peer] = ps
	o.mu.Unlock()

	o.log.WithField("peer", peer).Info("New recipient")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.serve(ctx, ps)
	}()
}

func (o *Offerer) serve(ctx context.Context, ps *peerSession) {
	log := o.log.WithField("peer", ps.peer)

	err := o.send(ctx, ps, log)
	result := Result{Peer: ps.peer, BytesSent: ps.info().BytesSent, Err: err}

	if err != nil {
		log.WithError(err).Warnf("Transfer to recipient failed (%s)", KindOf(err))
	} else {
		log.Infof("Transfer to recipient complete, %d bytes", result.BytesSent)
	}

	select {
	case o.results <- result:
	case <-ctx.Done():
	case <-o.stopped:
		// Run is only waiting for sessions now; never block it on a
		// reader that may be gone
		select {
		case o.results <- result:
		default:
			log.Warn("Results not drained, dropping result")
		}
	}
}

func (o *Offerer) send(ctx context.Context, ps *peerSession, log *logrus.Entry) error {
	conn, err := o.cfg.Dial(ctx, o.cfg.TransferID, protocol.RoleSender)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess, err := session.Start(ctx, session.Config{
		Side:        session.SideOffer,
		Peer:        ps.peer,
		Factory:     o.cfg.Factory,
		Signaler:    conn,
		Logger:      log,
		OpenTimeout: o.cfg.OpenTimeout,
	})
	if err != nil {
		return err
	}
	ps.set(sess)
	defer sess.Close()

	go forwardSignals(conn, ps.peer, sess)

	dc, err := sess.WaitOpen(ctx)
	if err != nil {
		return err
	}

	sender := chunk.NewSender(dc, sess.Done())
	if o.cfg.OnProgress != nil {
		sender.OnProgress(func(done, total int) {
			o.cfg.OnProgress(ps.peer, done, total)
		})
	}
	if err := sender.Send(ctx, o.cfg.Ciphertext); err != nil {
		return err
	}
	// The receiver closes the channel as soon as it holds every byte, which
	// can beat the last low-watermark notification.
	if err := sender.Drain(ctx); err != nil && !errors.Is(err, chunk.ErrChannelClosed) {
		return err
	}

	<-sess.Done()
	return sess.Err()
}

// forwardSignals feeds envelopes from peer into sess until the relay
// connection closes or the session ends.
func forwardSignals(conn RelayConn, peer string, sess *session.Session) {
	for msg := range conn.Receive() {
		if msg.Sender != peer {
			continue
		}
		if err := sess.HandleSignal(msg.Envelope); errors.Is(err, session.ErrSessionDone) {
			return
		}
	}
}
