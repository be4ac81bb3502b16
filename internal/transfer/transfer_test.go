package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sendfiles-dev/sendfiles/internal/chunk"
	"github.com/sendfiles-dev/sendfiles/internal/crypto"
	"github.com/sendfiles-dev/sendfiles/internal/logger"
	"github.com/sendfiles-dev/sendfiles/internal/metadata"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sendfiles-dev/sendfiles/internal/relay"
	"github.com/sendfiles-dev/sendfiles/internal/session"
	"github.com/sendfiles-dev/sendfiles/internal/transport/transporttest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]metadata.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]metadata.Record)}
}

func (m *memStore) Put(_ context.Context, rec metadata.Record) (metadata.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = metadata.NewID()
	}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *memStore) Get(_ context.Context, id string) (metadata.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Expired(time.Now()) {
		return metadata.Record{}, metadata.ErrNotFound
	}
	return rec, nil
}

func setupRelay(t *testing.T) string {
	t.Helper()

	server := relay.NewServer(logrus.NewEntry(logger.Discard()), time.Minute)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

type runningOfferer struct {
	*Offerer
	cancel context.CancelFunc
	done   chan error
}

func startOfferer(t *testing.T, cfg OffererConfig) *runningOfferer {
	t.Helper()

	offerer, err := NewOfferer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningOfferer{Offerer: offerer, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- offerer.Run(ctx) }()
	t.Cleanup(cancel)

	select {
	case <-offerer.Ready():
	case err := <-r.done:
		t.Fatalf("offerer stopped before registering: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("offerer never registered")
	}
	return r
}

func (r *runningOfferer) stop(t *testing.T) {
	t.Helper()

	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("offerer did not stop")
	}
}

func collectResults(t *testing.T, o *Offerer, n int) []Result {
	t.Helper()

	var results []Result
	timeout := time.After(10 * time.Second)
	for len(results) < n {
		select {
		case r, ok := <-o.Results():
			require.True(t, ok, "results closed after %d of %d", len(results), n)
			results = append(results, r)
		case <-timeout:
			t.Fatalf("got %d of %d results", len(results), n)
		}
	}
	return results
}

func TestSingleReceiver(t *testing.T) {
	relayURL := setupRelay(t)
	network := transporttest.NewNetwork()
	store := newMemStore()
	ctx := context.Background()

	plaintext := randomBytes(200_000)
	offer, err := PrepareOffer(ctx, store, "photo.raw", plaintext, "hunter2", time.Hour)
	require.NoError(t, err)
	require.Len(t, offer.Ciphertext, len(plaintext)+16)

	offerer := startOfferer(t, OffererConfig{
		TransferID:  offer.TransferID,
		Ciphertext:  offer.Ciphertext,
		Dial:        RelayDialer(relayURL, nil),
		Factory:     network.Factory(),
		OpenTimeout: 5 * time.Second,
	})

	var lastProgress atomic.Int64
	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	file, err := Receive(recvCtx, ReceiverConfig{
		TransferID: offer.TransferID,
		Password:   "hunter2",
		Metadata:   store,
		Dial:       RelayDialer(relayURL, nil),
		Factory:    network.Factory(),
		OnProgress: func(done, total int) { lastProgress.Store(int64(done)) },
	})
	require.NoError(t, err)
	assert.Equal(t, "photo.raw", file.Name)
	assert.True(t, bytes.Equal(plaintext, file.Data))
	assert.Equal(t, int64(len(offer.Ciphertext)), lastProgress.Load())

	results := collectResults(t, offerer.Offerer, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, uint64(len(offer.Ciphertext)), results[0].BytesSent)

	sessions := offerer.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StateClosed, sessions[0].State)

	offerer.stop(t)
}

func TestOneFailingReceiverDoesNotAffectAnother(t *testing.T) {
	relayURL := setupRelay(t)
	network := transporttest.NewNetwork()
	store := newMemStore()
	ctx := context.Background()

	// 16 bytes of GCM tag bring the ciphertext to exactly 1 MiB.
	plaintext := randomBytes(1<<20 - 16)
	offer, err := PrepareOffer(ctx, store, "archive.tar", plaintext, "pw", time.Hour)
	require.NoError(t, err)
	require.Len(t, offer.Ciphertext, 1<<20)

	offerer := startOfferer(t, OffererConfig{
		TransferID:  offer.TransferID,
		Ciphertext:  offer.Ciphertext,
		Dial:        RelayDialer(relayURL, nil),
		Factory:     network.Factory(),
		OpenTimeout: 2 * time.Second,
	})

	recvCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	receive := func(factoryErr error) (*File, error) {
		var opts []transporttest.Option
		if factoryErr != nil {
			opts = append(opts, transporttest.WithRemoteDescriptionError(factoryErr))
		}
		return Receive(recvCtx, ReceiverConfig{
			TransferID: offer.TransferID,
			Password:   "pw",
			Metadata:   store,
			Dial:       RelayDialer(relayURL, nil),
			Factory:    network.Factory(opts...),
		})
	}

	type outcome struct {
		file *File
		err  error
	}
	failing := make(chan outcome, 1)
	healthy := make(chan outcome, 1)
	go func() {
		f, err := receive(errors.New("malformed offer"))
		failing <- outcome{f, err}
	}()
	go func() {
		f, err := receive(nil)
		healthy <- outcome{f, err}
	}()

	bad := <-failing
	require.Error(t, bad.err)
	assert.ErrorIs(t, bad.err, session.ErrNegotiationFailed)
	assert.Equal(t, KindNegotiation, KindOf(bad.err))

	good := <-healthy
	require.NoError(t, good.err)
	assert.True(t, bytes.Equal(plaintext, good.file.Data))

	results := collectResults(t, offerer.Offerer, 2)
	var succeeded, failed int
	for _, r := range results {
		if r.Err == nil {
			succeeded++
			assert.Equal(t, uint64(1<<20), r.BytesSent)
		} else {
			failed++
			assert.Equal(t, KindNegotiation, KindOf(r.Err))
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
	assert.Len(t, offerer.Sessions(), 2)

	offerer.stop(t)
}

func TestExpiredTransferNeverDials(t *testing.T) {
	store := newMemStore()
	rec, err := store.Put(context.Background(), metadata.Record{
		FileName:           "old.txt",
		ContentLengthBytes: 32,
		PrivateKey:         "irrelevant",
		ValidUntil:         time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	var dials atomic.Int32
	dial := func(ctx context.Context, transferID string, role protocol.Role) (RelayConn, error) {
		dials.Add(1)
		return nil, relay.ErrRelayUnreachable
	}

	_, err = Receive(context.Background(), ReceiverConfig{
		TransferID: rec.ID,
		Password:   "pw",
		Metadata:   store,
		Dial:       dial,
		Factory:    transporttest.NewNetwork().Factory(),
	})
	require.ErrorIs(t, err, ErrTransferNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Zero(t, dials.Load())
}

func TestWrongPassword(t *testing.T) {
	relayURL := setupRelay(t)
	network := transporttest.NewNetwork()
	store := newMemStore()
	ctx := context.Background()

	offer, err := PrepareOffer(ctx, store, "notes.txt", []byte("meeting at noon"), "right", time.Hour)
	require.NoError(t, err)

	offerer := startOfferer(t, OffererConfig{
		TransferID: offer.TransferID,
		Ciphertext: offer.Ciphertext,
		Dial:       RelayDialer(relayURL, nil),
		Factory:    network.Factory(),
	})

	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = Receive(recvCtx, ReceiverConfig{
		TransferID: offer.TransferID,
		Password:   "wrong",
		Metadata:   store,
		Dial:       RelayDialer(relayURL, nil),
		Factory:    network.Factory(),
	})
	require.ErrorIs(t, err, crypto.ErrAuthenticationFailed)
	assert.Equal(t, KindCrypto, KindOf(err))

	offerer.stop(t)
}

func TestReceiverWithoutOfferer(t *testing.T) {
	relayURL := setupRelay(t)
	store := newMemStore()

	offer, err := PrepareOffer(context.Background(), store, "a.txt", []byte("a"), "pw", time.Hour)
	require.NoError(t, err)

	_, err = Receive(context.Background(), ReceiverConfig{
		TransferID: offer.TransferID,
		Password:   "pw",
		Metadata:   store,
		Dial:       RelayDialer(relayURL, nil),
		Factory:    transporttest.NewNetwork().Factory(),
	})
	require.ErrorIs(t, err, relay.ErrSenderGone)
	assert.Equal(t, KindRelay, KindOf(err))
}

func TestDuplicateRecipientIgnored(t *testing.T) {
	var dials atomic.Int32
	offerer, err := NewOfferer(OffererConfig{
		TransferID: "t1",
		Dial: func(ctx context.Context, transferID string, role protocol.Role) (RelayConn, error) {
			dials.Add(1)
			return nil, relay.ErrRelayUnreachable
		},
		Factory: transporttest.NewNetwork().Factory(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offerer.admit(ctx, "peer-a")
	offerer.admit(ctx, "peer-a")
	offerer.admit(ctx, "peer-b")

	results := collectResults(t, offerer, 2)
	for _, r := range results {
		assert.Equal(t, KindRelay, KindOf(r.Err))
	}
	assert.Equal(t, int32(2), dials.Load())

	sessions := offerer.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "peer-a", sessions[0].Peer)
	assert.Equal(t, "peer-b", sessions[1].Peer)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{nil, KindUnknown},
		{errors.New("boom"), KindUnknown},
		{ErrTransferNotFound, KindNotFound},
		{metadata.ErrNotFound, KindNotFound},
		{relay.ErrSenderGone, KindRelay},
		{relay.ErrRelayClosed, KindRelay},
		{session.ErrNegotiationFailed, KindNegotiation},
		{session.ErrConnectionLost, KindTransport},
		{chunk.ErrTruncatedTransfer, KindTransport},
		{chunk.ErrOverrunTransfer, KindTransport},
		{crypto.ErrAuthenticationFailed, KindCrypto},
		{crypto.ErrCryptoUnavailable, KindCrypto},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.kind)
		}
	}
}

func TestPrepareOfferPublishesMetadata(t *testing.T) {
	store := newMemStore()
	plaintext := []byte("quarterly numbers")

	offer, err := PrepareOffer(context.Background(), store, "q3.csv", plaintext, "pw", 30*time.Minute)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), offer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "q3.csv", rec.FileName)
	assert.Equal(t, int64(len(offer.Ciphertext)), rec.ContentLengthBytes)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), rec.ValidUntil, 5*time.Second)

	key, err := crypto.ImportKey(rec.PrivateKey)
	require.NoError(t, err)
	decrypted, err := crypto.Decrypt(offer.Ciphertext, key, "pw")
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestMalformedMetadataNeverDials(t *testing.T) {
	tests := map[string]metadata.Record{
		"negative length": {FileName: "a.bin", ContentLengthBytes: -5, PrivateKey: "a2V5"},
		"oversized":       {FileName: "a.bin", ContentLengthBytes: metadata.MaxContentLength + 1, PrivateKey: "a2V5"},
		"missing key":     {FileName: "a.bin", ContentLengthBytes: 64},
	}

	for name, rec := range tests {
		t.Run(name, func(t *testing.T) {
			store := newMemStore()
			rec.ValidUntil = time.Now().Add(time.Hour)
			put, err := store.Put(context.Background(), rec)
			require.NoError(t, err)

			var dials atomic.Int32
			_, err = Receive(context.Background(), ReceiverConfig{
				TransferID: put.ID,
				Password:   "pw",
				Metadata:   store,
				Dial: func(ctx context.Context, transferID string, role protocol.Role) (RelayConn, error) {
					dials.Add(1)
					return nil, relay.ErrRelayUnreachable
				},
				Factory: transporttest.NewNetwork().Factory(),
			})
			require.ErrorIs(t, err, metadata.ErrInvalidRecord)
			assert.Zero(t, dials.Load())
		})
	}
}

// scriptedConn replays a fixed list of relay messages and then reports the
// connection as closed.
type scriptedConn struct {
	inbound chan relay.Message
}

func newScriptedConn(msgs ...relay.Message) *scriptedConn {
	c := &scriptedConn{inbound: make(chan relay.Message, len(msgs))}
	for _, msg := range msgs {
		c.inbound <- msg
	}
	close(c.inbound)
	return c
}

func (c *scriptedConn) Send(context.Context, string, protocol.Envelope) error {
	return nil
}

func (c *scriptedConn) Receive() <-chan relay.Message {
	return c.inbound
}

func (c *scriptedConn) Err() error {
	return relay.ErrRelayClosed
}

func (c *scriptedConn) Close() error {
	return nil
}

func TestRunReturnsWithUndrainedResults(t *testing.T) {
	var announcements []relay.Message
	for i := 0; i < 2*resultBufferSize; i++ {
		announcements = append(announcements, relay.Message{
			Sender:   fmt.Sprintf("receiver-%02d", i),
			Envelope: protocol.NewRecipient(),
		})
	}

	offerer, err := NewOfferer(OffererConfig{
		TransferID: "t1",
		Dial: func(ctx context.Context, transferID string, role protocol.Role) (RelayConn, error) {
			if role == protocol.RoleOfferer {
				return newScriptedConn(announcements...), nil
			}
			return nil, relay.ErrRelayUnreachable
		},
		Factory: transporttest.NewNetwork().Factory(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- offerer.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, relay.ErrRelayClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked on undrained results")
	}
	assert.Len(t, offerer.Sessions(), 2*resultBufferSize)

	var drained int
	for range offerer.Results() {
		drained++
	}
	assert.Equal(t, resultBufferSize, drained)
}
