package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_GetUnknownIsIdle(t *testing.T) {
	store := newTestStore(t)

	conv, err := store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if conv.State != domain.TurnStateIdle || conv.Version != 0 {
		t.Errorf("Get() = %+v, want fresh idle record", conv)
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := domain.NewConversation("c1")
	conv.State = domain.TurnStateAwaitingConsent
	conv.LastResponseID = "resp_000"
	conv.Pending = &domain.PendingConsent{
		ConsentURL:     "https://login.example/consent",
		ConnectionName: "graph",
		ResponseID:     "resp_001",
		CreatedAt:      created,
	}

	if err := store.CompareAndSwap(ctx, conv, 0); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != domain.TurnStateAwaitingConsent {
		t.Errorf("State = %v, want awaiting_consent", got.State)
	}
	if got.LastResponseID != "resp_000" {
		t.Errorf("LastResponseID = %q, want resp_000", got.LastResponseID)
	}
	if got.Pending == nil || got.Pending.ResponseID != "resp_001" || got.Pending.ConnectionName != "graph" {
		t.Fatalf("Pending = %+v", got.Pending)
	}
	if !got.Pending.CreatedAt.Equal(created) {
		t.Errorf("Pending.CreatedAt = %v, want %v", got.Pending.CreatedAt, created)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestSQLiteStore_CompareAndSwapConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CompareAndSwap(ctx, domain.NewConversation("c1"), 0); err != nil {
		t.Fatal(err)
	}

	// Second insert with expected 0 loses.
	if err := store.CompareAndSwap(ctx, domain.NewConversation("c1"), 0); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("insert race error = %v, want ErrVersionConflict", err)
	}

	cur, _ := store.Get(ctx, "c1")
	cur.State = domain.TurnStateStreaming
	if err := store.CompareAndSwap(ctx, cur, 1); err != nil {
		t.Fatalf("update error = %v", err)
	}

	stale := domain.NewConversation("c1")
	stale.Version = 1
	if err := store.CompareAndSwap(ctx, stale, 1); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}

	got, _ := store.Get(ctx, "c1")
	if got.Version != 2 || got.State != domain.TurnStateStreaming {
		t.Errorf("Get() = %+v", got)
	}
}

func TestSQLiteStore_PendingCleared(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := domain.NewConversation("c1")
	conv.Pending = &domain.PendingConsent{ResponseID: "resp_001"}
	if err := store.CompareAndSwap(ctx, conv, 0); err != nil {
		t.Fatal(err)
	}

	conv.Pending = nil
	if err := store.CompareAndSwap(ctx, conv, conv.Version); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, "c1")
	if got.Pending != nil {
		t.Errorf("Pending = %+v, want nil", got.Pending)
	}
}

func TestSQLiteStore_DeleteIdleBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	idle := domain.NewConversation("idle")
	if err := store.CompareAndSwap(ctx, idle, 0); err != nil {
		t.Fatal(err)
	}
	waiting := domain.NewConversation("waiting")
	waiting.State = domain.TurnStateAwaitingConsent
	if err := store.CompareAndSwap(ctx, waiting, 0); err != nil {
		t.Fatal(err)
	}

	n, err := store.DeleteIdleBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteIdleBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if got, _ := store.Get(ctx, "waiting"); got.Version != 1 {
		t.Errorf("awaiting-consent record was deleted")
	}
}
