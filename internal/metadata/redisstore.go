package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sendfiles:transfer:"

// RedisStore keeps each record under a key that expires with the record.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	ttl := rec.ValidUntil.Sub(s.now())
	if ttl <= 0 {
		return Record{}, fmt.Errorf("%w: already expired", ErrInvalidRecord)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encoding transfer: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+rec.ID, data, ttl).Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.rdb.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding transfer: %w", err)
	}
	if rec.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
