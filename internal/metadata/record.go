// Package metadata stores what a receiver needs before it can connect: the
// file name, ciphertext length, exported key and expiry of a transfer.
package metadata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxValidity is the longest a record stays fetchable.
	MaxValidity = time.Hour
	// MaxContentLength bounds the ciphertext a receiver will buffer.
	MaxContentLength = 1 << 30
)

var (
	ErrNotFound      = errors.New("transfer not found")
	ErrInvalidRecord = errors.New("invalid transfer record")
	ErrUnavailable   = errors.New("metadata service unavailable")
)

type Record struct {
	ID                 string    `json:"id"`
	FileName           string    `json:"fileName"`
	ContentLengthBytes int64     `json:"contentLengthBytes"`
	PrivateKey         string    `json:"privateKey"`
	ValidUntil         time.Time `json:"validUntil"`
}

// Store persists records. Get reports ErrNotFound for absent and expired
// records alike.
type Store interface {
	Put(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
}

// NewID returns the unpadded base64url encoding of a random UUIDv4.
func NewID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Validate checks the fields a receiver relies on. Records fetched from a
// remote store go through it before anything is allocated for them.
func (r Record) Validate() error {
	switch {
	case r.FileName == "":
		return fmt.Errorf("%w: fileName is required", ErrInvalidRecord)
	case r.PrivateKey == "":
		return fmt.Errorf("%w: privateKey is required", ErrInvalidRecord)
	case r.ContentLengthBytes < 0:
		return fmt.Errorf("%w: negative contentLengthBytes", ErrInvalidRecord)
	case r.ContentLengthBytes > MaxContentLength:
		return fmt.Errorf("%w: contentLengthBytes %d exceeds %d", ErrInvalidRecord, r.ContentLengthBytes, MaxContentLength)
	}
	return nil
}

func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ValidUntil)
}

// Normalize validates rec and bounds its expiry to (now, now+MaxValidity].
// A zero ValidUntil means the maximum.
func Normalize(rec Record, now time.Time) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	limit := now.Add(MaxValidity)
	switch {
	case rec.ValidUntil.IsZero(), rec.ValidUntil.After(limit):
		rec.ValidUntil = limit
	case !rec.ValidUntil.After(now):
		return Record{}, fmt.Errorf("%w: validUntil is in the past", ErrInvalidRecord)
	}
	rec.ValidUntil = rec.ValidUntil.UTC()
	return rec, nil
}
