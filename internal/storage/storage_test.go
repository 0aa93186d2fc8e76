package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/pkg/config"
	"github.com/tjfontaine/agent-relay/internal/storage/memory"
	"github.com/tjfontaine/agent-relay/internal/storage/sqlite"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
		check   func(t *testing.T, v any)
	}{
		{
			name: "default is memory",
			cfg:  config.StorageConfig{},
			check: func(t *testing.T, v any) {
				if _, ok := v.(*memory.Store); !ok {
					t.Errorf("store = %T, want *memory.Store", v)
				}
			},
		},
		{
			name: "sqlite",
			cfg:  config.StorageConfig{Type: TypeSQLite, SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "relay.db")}},
			check: func(t *testing.T, v any) {
				if _, ok := v.(*sqlite.Store); !ok {
					t.Errorf("store = %T, want *sqlite.Store", v)
				}
			},
		},
		{
			name:    "unknown",
			cfg:     config.StorageConfig{Type: "etcd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(ctx, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer store.Close()
			tt.check(t, store)
		})
	}
}

func TestSweep_SQLite(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.StorageConfig{Type: TypeSQLite, SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "relay.db")}})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.CompareAndSwap(ctx, domain.NewConversation("c1"), 0); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than an hour yet.
	if n, err := Sweep(ctx, store, time.Hour); err != nil || n != 0 {
		t.Fatalf("Sweep(1h) = %d, %v", n, err)
	}
	// A non-positive retention disables the sweep.
	if n, err := Sweep(ctx, store, -time.Hour); err != nil || n != 0 {
		t.Fatalf("Sweep(disabled) = %d, %v", n, err)
	}
	time.Sleep(10 * time.Millisecond)
	if n, err := Sweep(ctx, store, time.Millisecond); err != nil || n != 1 {
		t.Fatalf("Sweep(1ms) = %d, %v, want 1", n, err)
	}
}

func TestSweep_Memory(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memory.New(memory.WithTTL(time.Minute), memory.WithClock(func() time.Time { return now }))
	if err := store.CompareAndSwap(ctx, domain.NewConversation("c1"), 0); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if n, err := Sweep(ctx, store, 0); err != nil || n != 1 {
		t.Errorf("Sweep() = %d, %v, want 1", n, err)
	}
}
