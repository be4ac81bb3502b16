package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sendfiles-dev/sendfiles/internal/logger"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func setupRelay(t *testing.T) (*Server, string) {
	t.Helper()

	server := NewServer(logrus.NewEntry(logger.Discard()), time.Minute)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return server, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, transferID string, role protocol.Role) *Channel {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, url, transferID, role, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func receive(t *testing.T, ch *Channel) Message {
	t.Helper()

	select {
	case msg, ok := <-ch.Receive():
		require.True(t, ok, "relay stream closed: %v", ch.Err())
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relay message")
		return Message{}
	}
}

func TestReceiverWithoutOfferer(t *testing.T) {
	_, url := setupRelay(t)

	_, err := Dial(context.Background(), url, "missing", protocol.RoleReceiver, nil)
	require.ErrorIs(t, err, ErrSenderGone)
	require.ErrorIs(t, err, ErrRelayUnreachable)
}

func TestHandshakeRouting(t *testing.T) {
	_, url := setupRelay(t)
	ctx := context.Background()

	offerer := dial(t, url, "transfer-1", protocol.RoleOfferer)
	_, known := offerer.Address()
	require.False(t, known)

	receiver := dial(t, url, "transfer-1", protocol.RoleReceiver)

	announce := receive(t, offerer)
	require.Equal(t, protocol.MsgNewRecipient, announce.Envelope.Type)
	receiverAddress := announce.Sender
	require.NotEmpty(t, receiverAddress)

	offererAddress, known := offerer.Address()
	require.True(t, known)
	require.NotEqual(t, receiverAddress, offererAddress)

	sender := dial(t, url, "transfer-1", protocol.RoleSender)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, sender.Send(ctx, receiverAddress, protocol.NewOffer(offer)))

	got := receive(t, receiver)
	require.Equal(t, protocol.MsgNewOffer, got.Envelope.Type)
	require.Equal(t, "v=0", got.Envelope.Offer.SDP)
	require.NotEqual(t, offererAddress, got.Sender)

	address, known := receiver.Address()
	require.True(t, known)
	require.Equal(t, receiverAddress, address)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, receiver.Send(ctx, got.Sender, protocol.NewAnswer(answer)))

	reply := receive(t, sender)
	require.Equal(t, protocol.MsgNewAnswer, reply.Envelope.Type)
	require.Equal(t, receiverAddress, reply.Sender)
}

func TestPerSenderOrdering(t *testing.T) {
	_, url := setupRelay(t)
	ctx := context.Background()

	offerer := dial(t, url, "ordered", protocol.RoleOfferer)
	receiver := dial(t, url, "ordered", protocol.RoleReceiver)
	receiverAddress := receive(t, offerer).Sender

	for i := 0; i < 20; i++ {
		candidate := webrtc.ICECandidateInit{Candidate: "candidate:" + strings.Repeat("x", i)}
		require.NoError(t, offerer.Send(ctx, receiverAddress, protocol.NewICECandidate(candidate)))
	}

	for i := 0; i < 20; i++ {
		msg := receive(t, receiver)
		require.Equal(t, "candidate:"+strings.Repeat("x", i), msg.Envelope.Candidate.Candidate)
	}
}

func TestUnknownRecipientDropped(t *testing.T) {
	_, url := setupRelay(t)
	ctx := context.Background()

	offerer := dial(t, url, "drop", protocol.RoleOfferer)
	receiver := dial(t, url, "drop", protocol.RoleReceiver)
	receiverAddress := receive(t, offerer).Sender

	require.NoError(t, offerer.Send(ctx, "nobody", protocol.NewRecipient()))
	require.NoError(t, offerer.Send(ctx, receiverAddress, protocol.NewRecipient()))

	msg := receive(t, receiver)
	require.Equal(t, protocol.MsgNewRecipient, msg.Envelope.Type)
}

func TestOffererDisconnectRemovesRoom(t *testing.T) {
	_, url := setupRelay(t)

	offerer := dial(t, url, "gone", protocol.RoleOfferer)
	require.NoError(t, offerer.Close())

	require.Eventually(t, func() bool {
		ch, err := Dial(context.Background(), url, "gone", protocol.RoleReceiver, nil)
		if err == nil {
			_ = ch.Close()
		}
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExpiredOffer(t *testing.T) {
	server, url := setupRelay(t)
	dial(t, url, "stale", protocol.RoleOfferer)

	server.mu.Lock()
	server.now = func() time.Time { return time.Now().Add(time.Hour) }
	server.mu.Unlock()

	_, err := Dial(context.Background(), url, "stale", protocol.RoleReceiver, nil)
	require.ErrorIs(t, err, ErrSenderGone)
}

func TestBadConnectParams(t *testing.T) {
	_, url := setupRelay(t)

	_, err := Dial(context.Background(), url, "", protocol.RoleOfferer, nil)
	require.ErrorIs(t, err, ErrRelayUnreachable)

	_, err = Dial(context.Background(), url, "x", protocol.Role("observer"), nil)
	require.ErrorIs(t, err, ErrRelayUnreachable)
}

func TestDialUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	_, err := Dial(context.Background(), url, "x", protocol.RoleOfferer, nil)
	require.ErrorIs(t, err, ErrRelayUnreachable)
}

func TestCloseEndsStream(t *testing.T) {
	_, url := setupRelay(t)
	offerer := dial(t, url, "closing", protocol.RoleOfferer)

	require.NoError(t, offerer.Close())
	require.NoError(t, offerer.Close())

	select {
	case _, ok := <-offerer.Receive():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed")
	}
	require.ErrorIs(t, offerer.Err(), ErrRelayClosed)
}

func TestOversizedFrameDropsClient(t *testing.T) {
	_, url := setupRelay(t)
	ctx := context.Background()

	offerer := dial(t, url, "transfer-big", protocol.RoleOfferer)
	receiver := dial(t, url, "transfer-big", protocol.RoleReceiver)
	receiverAddress := receive(t, offerer).Sender

	sender := dial(t, url, "transfer-big", protocol.RoleSender)
	huge := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: strings.Repeat("a", MaxFrameBytes+1)}
	_ = sender.Send(ctx, receiverAddress, protocol.NewOffer(huge))

	select {
	case _, ok := <-sender.Receive():
		require.False(t, ok, "expected the relay to drop the sender")
	case <-time.After(5 * time.Second):
		t.Fatal("relay kept a client that sent an oversized frame")
	}

	select {
	case msg := <-receiver.Receive():
		t.Fatalf("oversized frame was forwarded as %s", msg.Envelope.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
