package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/sendfiles-dev/sendfiles/internal/crypto"
	"github.com/sendfiles-dev/sendfiles/internal/metadata"
)

// Offer is a published transfer ready to be served.
type Offer struct {
	TransferID string
	FileName   string
	Ciphertext []byte
	ValidUntil time.Time
}

// PrepareOffer encrypts plaintext under a fresh key and publishes the
// metadata a receiver needs. The key leaves this process only through store.
func PrepareOffer(ctx context.Context, store metadata.Store, fileName string, plaintext []byte, password string, validity time.Duration) (*Offer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt(plaintext, key, password)
	if err != nil {
		return nil, err
	}

	rec, err := store.Put(ctx, metadata.Record{
		FileName:           fileName,
		ContentLengthBytes: int64(len(ciphertext)),
		PrivateKey:         crypto.ExportKey(key),
		ValidUntil:         time.Now().Add(validity),
	})
	if err != nil {
		return nil, fmt.Errorf("publishing metadata: %w", err)
	}

	return &Offer{
		TransferID: rec.ID,
		FileName:   rec.FileName,
		Ciphertext: ciphertext,
		ValidUntil: rec.ValidUntil,
	}, nil
}
