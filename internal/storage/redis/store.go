// Package redis stores conversation records in Redis so several relay
// instances can share turn state.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
)

const (
	// DefaultKeyPrefix namespaces conversation keys.
	DefaultKeyPrefix = "relay:conversation:"
	// DefaultTTL bounds how long an untouched conversation is retained.
	DefaultTTL = 24 * time.Hour
)

// Store implements ports.ConversationStore on top of a Redis client. The
// compare-and-swap runs as an optimistic WATCH transaction on the record key.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
	owned  bool
}

var _ ports.ConversationStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL sets the key expiry refreshed on every write. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithOwnedClient makes Close close the underlying client.
func WithOwnedClient() Option {
	return func(s *Store) {
		s.owned = true
	}
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: DefaultKeyPrefix,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr, verifies the connection and returns a Store that
// owns the client.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return New(rdb, append(opts, WithOwnedClient())...), nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := s.read(ctx, s.rdb, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return domain.NewConversation(id), nil
	}
	return conv, nil
}

func (s *Store) read(ctx context.Context, c redis.Cmdable, id string) (*domain.Conversation, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv domain.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, next *domain.Conversation, expected int64) error {
	key := s.key(next.ID)

	stored := next.Clone()
	stored.Version = expected + 1
	stored.UpdatedAt = s.now()
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		var version int64
		if cur != nil {
			version = cur.Version
		}
		if version != expected {
			return domain.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		// Another writer touched the key between WATCH and EXEC.
		return domain.ErrVersionConflict
	case errors.Is(err, domain.ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("failed to store conversation: %w", err)
	}

	next.Version = stored.Version
	next.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *Store) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}
