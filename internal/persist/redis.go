package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/sweeney/valve-controller/internal/logic"
)

// RedisStore keeps the state on a gateway Redis, one key per device.
type RedisStore struct {
	client  *backend.Client
	key     string
	timeout time.Duration
	now     func() time.Time
}

type RedisOption func(*RedisStore)

// WithKey sets the key holding the state record.
func WithKey(key string) RedisOption {
	return func(s *RedisStore) {
		s.key = key
	}
}

// WithTimeout bounds every Redis round trip. Save must not hang the tick.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.timeout = d
	}
}

// NewRedisStore connects to the given Redis server.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		key:     "valve-controller:state",
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores the encoded record without expiry.
func (s *RedisStore) Save(state logic.ValveState) error {
	data, err := encodeRecord(state, s.now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Load reads the record. A missing key means never written.
func (s *RedisStore) Load() (logic.ValveState, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, backend.Nil) {
		return logic.StateUnknown, false, nil
	}
	if err != nil {
		return logic.StateUnknown, false, fmt.Errorf("failed to load state: %w", err)
	}
	state, _, err := decodeRecord(data)
	if err != nil {
		return logic.StateUnknown, false, err
	}
	return state, true, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
