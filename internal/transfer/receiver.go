package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sendfiles-dev/sendfiles/internal/chunk"
	"github.com/sendfiles-dev/sendfiles/internal/crypto"
	"github.com/sendfiles-dev/sendfiles/internal/logger"
	"github.com/sendfiles-dev/sendfiles/internal/metadata"
	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sendfiles-dev/sendfiles/internal/session"
	"github.com/sendfiles-dev/sendfiles/internal/transport"
	"github.com/sirupsen/logrus"
)

type ReceiverConfig struct {
	TransferID string
	Password   string
	Metadata   metadata.Store
	Dial       Dialer
	Factory    transport.Factory
	Logger     *logrus.Entry
	// OpenTimeout bounds negotiation once the offer arrives.
	OpenTimeout time.Duration
	OnProgress  chunk.ProgressFunc
}

// File is a received and decrypted file.
type File struct {
	Name string
	Data []byte
}

// Receive fetches the transfer's metadata, negotiates with the offerer's
// sender connection, assembles the ciphertext and decrypts it. A missing or
// expired transfer fails with ErrTransferNotFound before the relay is
// contacted.
func Receive(ctx context.Context, cfg ReceiverConfig) (*File, error) {
	if cfg.Metadata == nil || cfg.Dial == nil || cfg.Factory == nil {
		return nil, errors.New("receiver needs a metadata store, dialer and factory")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logger.Discard())
	}
	log = log.WithField("transfer", cfg.TransferID)

	rec, err := cfg.Metadata.Get(ctx, cfg.TransferID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	key, err := crypto.ImportKey(rec.PrivateKey)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.Dial(ctx, cfg.TransferID, protocol.RoleReceiver)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	log.Infof("Waiting for offer of %s (%d bytes)", rec.FileName, rec.ContentLengthBytes)

	asm := chunk.NewAssembler(int(rec.ContentLengthBytes))
	if cfg.OnProgress != nil {
		asm.OnProgress(cfg.OnProgress)
	}

	sess, err := awaitOffer(ctx, conn, session.Config{
		Side:        session.SideAnswer,
		Factory:     cfg.Factory,
		Signaler:    conn,
		Logger:      log,
		OpenTimeout: cfg.OpenTimeout,
		OnChannel:   asm.Attach,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	select {
	case <-asm.Done():
	case <-sess.Done():
		asm.Abort()
	case <-ctx.Done():
	}

	ciphertext, err := asm.Wait(ctx)
	if err != nil {
		if sessErr := sess.Err(); sessErr != nil {
			return nil, sessErr
		}
		return nil, err
	}
	_ = sess.Close()

	plaintext, err := crypto.Decrypt(ciphertext, key, cfg.Password)
	if err != nil {
		return nil, err
	}
	log.Infof("Received %s", rec.FileName)
	return &File{Name: rec.FileName, Data: plaintext}, nil
}

// awaitOffer starts the answer-side session on the first offer and keeps
// feeding it signals from that sender.
func awaitOffer(ctx context.Context, conn RelayConn, cfg session.Config) (*session.Session, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for offer: %w", session.ErrNegotiationFailed, ctx.Err())
		case msg, ok := <-conn.Receive():
			if !ok {
				return nil, fmt.Errorf("waiting for offer: %w", relayErr(conn))
			}
			if msg.Envelope.Type != protocol.MsgNewOffer {
				cfg.Logger.Debugf("Ignoring %s before offer", msg.Envelope.Type)
				continue
			}

			cfg.Peer = msg.Sender
			sess, err := session.Start(ctx, cfg)
			if err != nil {
				return nil, err
			}
			if err := sess.HandleSignal(msg.Envelope); err != nil {
				_ = sess.Close()
				return nil, err
			}
			go forwardSignals(conn, msg.Sender, sess)
			return sess, nil
		}
	}
}
