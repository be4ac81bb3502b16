// Package crypto implements the symmetric envelope that protects a file end to
// end: a 256-bit AES-GCM key generated by the sending side and handed to the
// receiver through the metadata store, never over the relay or data channel.
//
// The GCM nonce is the UTF-8 encoding of the transfer password. That is only
// sound because a key seals exactly one plaintext; Key enforces this and
// refuses a second Encrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// KeySize is the raw key length in bytes.
const KeySize = 32

var (
	ErrCrypto               = errors.New("crypto error")
	ErrCryptoUnavailable    = fmt.Errorf("%w: crypto primitive unavailable", ErrCrypto)
	ErrAuthenticationFailed = fmt.Errorf("%w: authentication failed, wrong key or password", ErrCrypto)
	ErrKeyReused            = fmt.Errorf("%w: key already sealed a plaintext", ErrCrypto)
	ErrDecryptOnly          = fmt.Errorf("%w: imported keys can only decrypt", ErrCrypto)
	ErrEmptyPassword        = fmt.Errorf("%w: password must not be empty", ErrCrypto)
	ErrInvalidKey           = fmt.Errorf("%w: invalid key", ErrCrypto)
)

// randReader is swapped in tests to simulate a missing entropy source.
var randReader io.Reader = rand.Reader

type Key struct {
	raw         []byte
	decryptOnly bool
	sealed      atomic.Bool
}

func GenerateKey() (*Key, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, raw); err != nil {
		return nil, fmt.Errorf("%w: reading random key: %v", ErrCryptoUnavailable, err)
	}
	return &Key{raw: raw}, nil
}

// ExportKey returns the raw key bytes as standard base64.
func ExportKey(key *Key) string {
	return base64.StdEncoding.EncodeToString(key.raw)
}

// ImportKey decodes a key produced by ExportKey. The result can decrypt but
// never encrypt, matching the receiving side's usage.
func ImportKey(encoded string) (*Key, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	return &Key{raw: raw, decryptOnly: true}, nil
}

// Encrypt seals plaintext with the password as nonce. It can succeed at most
// once per key.
func Encrypt(plaintext []byte, key *Key, password string) ([]byte, error) {
	if key.decryptOnly {
		return nil, ErrDecryptOnly
	}
	aead, nonce, err := newAEAD(key, password)
	if err != nil {
		return nil, err
	}
	if !key.sealed.CompareAndSwap(false, true) {
		return nil, ErrKeyReused
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func Decrypt(ciphertext []byte, key *Key, password string) ([]byte, error) {
	aead, nonce, err := newAEAD(key, password)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newAEAD(key *Key, password string) (cipher.AEAD, []byte, error) {
	if key == nil || len(key.raw) != KeySize {
		return nil, nil, ErrInvalidKey
	}
	nonce := []byte(password)
	if len(nonce) == 0 {
		return nil, nil, ErrEmptyPassword
	}

	block, err := aes.NewCipher(key.raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: aes.NewCipher: %v", ErrCryptoUnavailable, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cipher.NewGCM: %v", ErrCryptoUnavailable, err)
	}
	return aead, nonce, nil
}
