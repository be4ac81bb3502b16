// Package transfer drives whole transfers: the offerer fanning one
// ciphertext out to every receiver that shows up, and a receiver pulling it
// from one offerer.
package transfer

import (
	"context"

	"github.com/sendfiles-dev/sendfiles/internal/protocol"
	"github.com/sendfiles-dev/sendfiles/internal/relay"
	"github.com/sirupsen/logrus"
)

// RelayConn is one relay connection as the coordinator uses it.
// *relay.Channel satisfies it.
type RelayConn interface {
	Send(ctx context.Context, recipient string, env protocol.Envelope) error
	Receive() <-chan relay.Message
	Err() error
	Close() error
}

type Dialer func(ctx context.Context, transferID string, role protocol.Role) (RelayConn, error)

// RelayDialer dials the relay server at baseURL.
func RelayDialer(baseURL string, log *logrus.Entry) Dialer {
	return func(ctx context.Context, transferID string, role protocol.Role) (RelayConn, error) {
		ch, err := relay.Dial(ctx, baseURL, transferID, role, log)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

func relayErr(conn RelayConn) error {
	if err := conn.Err(); err != nil {
		return err
	}
	return relay.ErrRelayClosed
}
