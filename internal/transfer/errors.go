package transfer

import (
	"errors"
	"fmt"

	"github.com/sendfiles-dev/sendfiles/internal/chunk"
	"github.com/sendfiles-dev/sendfiles/internal/crypto"
	"github.com/sendfiles-dev/sendfiles/internal/metadata"
	"github.com/sendfiles-dev/sendfiles/internal/relay"
	"github.com/sendfiles-dev/sendfiles/internal/session"
)

var ErrTransferNotFound = fmt.Errorf("%w: expired or never existed", metadata.ErrNotFound)

// Kind is the coarse failure class a caller can act on, e.g. to tell a
// wrong password apart from an unreachable peer.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindRelay
	KindNegotiation
	KindTransport
	KindCrypto
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindRelay:
		return "relay"
	case KindNegotiation:
		return "negotiation"
	case KindTransport:
		return "transport"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, metadata.ErrNotFound):
		return KindNotFound
	case errors.Is(err, crypto.ErrCrypto):
		return KindCrypto
	case errors.Is(err, chunk.ErrTransportFailure), errors.Is(err, session.ErrConnectionLost):
		return KindTransport
	case errors.Is(err, session.ErrNegotiationFailed):
		return KindNegotiation
	case errors.Is(err, relay.ErrRelayUnreachable), errors.Is(err, relay.ErrRelayClosed):
		return KindRelay
	default:
		return KindUnknown
	}
}
