package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	DefaultOfferTTL = 15 * time.Minute
	sendBufferSize  = 64
	// MaxFrameBytes bounds one inbound frame; an SDP with its candidates
	// fits comfortably.
	MaxFrameBytes = 64 << 10
)

type room struct {
	offerer    string
	validUntil time.Time
}

type client struct {
	address    string
	role       protocol.Role
	transferID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Server is the relay hub. An offerer connection registers the entry point
// for its transfer; each receiver connection is announced to that offerer.
type Server struct {
	log      *logrus.Entry
	codec    *protocol.Codec
	upgrader websocket.Upgrader
	offerTTL time.Duration
	now      func() time.Time
	// body of the announcement sent to an offerer for each new receiver
	recipientBody string

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]room
}

func NewServer(log *logrus.Entry, offerTTL time.Duration) *Server {
	if offerTTL <= 0 {
		offerTTL = DefaultOfferTTL
	}
	codec := protocol.NewCodec()
	recipientBody, _ := codec.EncodeEnvelope(protocol.NewRecipient())

	return &Server{
		log:           log,
		codec:         codec,
		recipientBody: recipientBody,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		offerTTL: offerTTL,
		now:      time.Now,
		clients:  make(map[string]*client),
		rooms:    make(map[string]room),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleConnect).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("Relay listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	transferID := r.URL.Query().Get("transfer_id")
	if transferID == "" {
		http.Error(w, "transfer_id cannot be empty", http.StatusBadRequest)
		return
	}
	role, err := protocol.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	var offerer string
	if role == protocol.RoleReceiver {
		var ok bool
		if offerer, ok = s.liveOfferer(transferID); !ok {
			http.Error(w, "sender is gone", http.StatusNotFound)
			return
		}
	}

	c := &client{
		address:    uuid.NewString(),
		role:       role,
		transferID: transferID,
		send:       make(chan []byte, sendBufferSize),
	}
	log := s.log.WithFields(logrus.Fields{"address": c.address, "role": role.String(), "transfer": transferID})

	// registered before the upgrade so frames addressed to c queue up even
	// if the peer reacts faster than this handler
	s.register(c)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrade failed")
		s.unregister(c)
		return
	}
	log.Info("Client connected")

	go s.writeLoop(c, conn)

	if role == protocol.RoleReceiver {
		s.forward(c.address, offerer, s.recipientBody, log)
	}

	s.readLoop(c, conn, log)

	s.unregister(c)
	log.Info("Client disconnected")
}

func (s *Server) liveOfferer(transferID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm, ok := s.rooms[transferID]
	if !ok || s.now().After(rm.validUntil) {
		return "", false
	}
	if _, connected := s.clients[rm.offerer]; !connected {
		return "", false
	}
	return rm.offerer, true
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.address] = c
	if c.role == protocol.RoleOfferer {
		s.rooms[c.transferID] = room{
			offerer:    c.address,
			validUntil: s.now().Add(s.offerTTL),
		}
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.address)
	if rm, ok := s.rooms[c.transferID]; ok && rm.offerer == c.address {
		delete(s.rooms, c.transferID)
	}
	s.mu.Unlock()

	c.close()
}

func (s *Server) readLoop(c *client, conn *websocket.Conn, log *logrus.Entry) {
	conn.SetReadLimit(MaxFrameBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				log.Warnf("Dropping client, frame larger than %d bytes", MaxFrameBytes)
			}
			return
		}

		frame, err := s.codec.DecodeOutbound(data)
		if err != nil {
			log.WithError(err).Warn("Rejected frame")
			continue
		}
		s.forward(c.address, frame.Recipient, frame.Body, log)
	}
}

func (s *Server) forward(sender, recipient, body string, log *logrus.Entry) {
	s.mu.RLock()
	target, ok := s.clients[recipient]
	s.mu.RUnlock()

	if !ok {
		log.WithField("recipient", recipient).Warn("Dropping message for unknown recipient")
		return
	}

	data, err := s.codec.EncodeInbound(protocol.InboundFrame{
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
	})
	if err != nil {
		log.WithError(err).Error("Encoding frame")
		return
	}
	if !target.enqueue(data) {
		log.WithField("recipient", recipient).Warn("Recipient not accepting messages, dropping")
	}
}

func (s *Server) writeLoop(c *client, conn *websocket.Conn) {
	defer conn.Close()

	for data := range c.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
