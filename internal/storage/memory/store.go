package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
)

// Store is an in-memory implementation of ConversationStore. Records live for
// the life of the process unless a TTL is configured; only idle records
// expire.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	ttl           time.Duration
	now           func() time.Time
}

var _ ports.ConversationStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL expires idle records that have not been written for ttl.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*domain.Conversation),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live record for id, dropping it if it is idle and
// expired. Callers hold s.mu.
func (s *Store) lookup(id string) (*domain.Conversation, bool) {
	conv, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && conv.State == domain.TurnStateIdle && s.now().Sub(conv.UpdatedAt) > s.ttl {
		delete(s.conversations, id)
		return nil, false
	}
	return conv, true
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.lookup(id)
	if !ok {
		return domain.NewConversation(id), nil
	}
	return conv.Clone(), nil
}

func (s *Store) CompareAndSwap(ctx context.Context, next *domain.Conversation, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if conv, ok := s.lookup(next.ID); ok {
		current = conv.Version
	}
	if current != expected {
		return domain.ErrVersionConflict
	}

	next.Version = expected + 1
	next.UpdatedAt = s.now()
	s.conversations[next.ID] = next.Clone()
	return nil
}

// Sweep removes expired idle records and returns how many were dropped.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.conversations {
		if _, ok := s.lookup(id); !ok {
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

func (s *Store) Close() error {
	return nil
}
