// Package relay implements the signaling relay: a websocket hub that assigns
// every connection an opaque address and forwards envelopes between
// addresses, plus the client side used by both peers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sendfiles-dev/sendfiles/internal/logger"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	inboundBufferSize = 64
	writeTimeout      = 10 * time.Second
)

var (
	ErrRelayUnreachable = errors.New("relay unreachable")
	ErrSenderGone       = fmt.Errorf("%w: sender is gone", ErrRelayUnreachable)
	ErrRelayClosed      = errors.New("relay connection closed")
)

// Message is an envelope together with the relay address that sent it.
type Message struct {
	Sender   string
	Envelope protocol.Envelope
}

// Channel is one websocket connection to the relay. Frames from any single
// sender arrive in the order they were sent.
type Channel struct {
	conn    *websocket.Conn
	codec   *protocol.Codec
	log     *logrus.Entry
	inbound chan Message

	writeMu sync.Mutex

	mu      sync.Mutex
	address string
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at baseURL in the given role for transferID.
func Dial(ctx context.Context, baseURL, transferID string, role protocol.Role, log *logrus.Entry) (*Channel, error) {
	if log == nil {
		log = logrus.NewEntry(logger.Discard())
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing url: %v", ErrRelayUnreachable, err)
	}
	q := u.Query()
	q.Set("role", role.String())
	q.Set("transfer_id", transferID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrSenderGone
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRelayUnreachable, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
	}

	c := &Channel{
		conn:    conn,
		codec:   protocol.NewCodec(),
		log:     log.WithField("role", role.String()),
		inbound: make(chan Message, inboundBufferSize),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	c.log.Debug("Connected to relay")
	return c, nil
}

// Send forwards env to recipient. Delivery is not acknowledged.
func (c *Channel) Send(ctx context.Context, recipient string, env protocol.Envelope) error {
	data, err := c.codec.EncodeOutbound(recipient, env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayClosed, err)
	}
	return nil
}

// Receive returns the inbound stream. It is closed when the socket closes;
// Err then reports why.
func (c *Channel) Receive() <-chan Message {
	return c.inbound
}

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Address is this connection's relay address, known once the first frame
// has been delivered to it.
func (c *Channel) Address() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address, c.address != ""
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.inbound)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrRelayClosed, err)
			c.mu.Unlock()
			c.log.WithError(err).Debug("Relay read loop finished")
			return
		}

		frame, env, err := c.codec.DecodeInbound(data)
		if frame.Recipient != "" {
			c.mu.Lock()
			if c.address == "" {
				c.address = frame.Recipient
			}
			c.mu.Unlock()
		}
		if err != nil {
			c.log.WithError(err).Warn("Dropping malformed relay frame")
			continue
		}

		select {
		case c.inbound <- Message{Sender: frame.Sender, Envelope: env}:
		case <-c.closed:
			c.mu.Lock()
			c.err = ErrRelayClosed
			c.mu.Unlock()
			return
		}
	}
}
