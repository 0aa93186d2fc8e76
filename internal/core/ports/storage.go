package ports

import (
	"context"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
)

// ConversationStore defines the interface for conversation state storage.
// The coordinator owns every record and mutates it only through
// CompareAndSwap, which makes concurrent transitions for one conversation
// (a double-clicked "Continue", a stray retry) race-free across processes.
type ConversationStore interface {
	// Get returns the stored record, or a fresh idle record with Version 0
	// when the conversation has never been written.
	Get(ctx context.Context, id string) (*domain.Conversation, error)

	// CompareAndSwap stores next if the stored version equals expected
	// (0 meaning "absent"). On success next.Version is incremented and
	// next.UpdatedAt set. A mismatch returns domain.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, next *domain.Conversation, expected int64) error

	// Close closes the storage connection
	Close() error
}
