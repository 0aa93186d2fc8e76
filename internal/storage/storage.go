// Package storage opens the configured conversation store and runs its
// background retention sweep.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/agent-relay/internal/core/ports"
	"github.com/tjfontaine/agent-relay/internal/pkg/config"
	"github.com/tjfontaine/agent-relay/internal/storage/memory"
	"github.com/tjfontaine/agent-relay/internal/storage/redis"
	"github.com/tjfontaine/agent-relay/internal/storage/sqlite"
)

// Store types accepted by storage.type.
const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
	TypeRedis  = "redis"
)

// Open creates the store named by cfg.Type.
func Open(ctx context.Context, cfg config.StorageConfig) (ports.ConversationStore, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return memory.New(memory.WithTTL(cfg.Retention)), nil
	case TypeSQLite:
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case TypeRedis:
		store, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redis.WithTTL(cfg.Redis.TTL))
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Sweep removes records idle for longer than retention and returns how many
// were dropped. Stores that expire records on their own report zero.
func Sweep(ctx context.Context, store ports.ConversationStore, retention time.Duration) (int64, error) {
	switch s := store.(type) {
	case *memory.Store:
		return int64(s.Sweep()), nil
	case *sqlite.Store:
		if retention <= 0 {
			return 0, nil
		}
		return s.DeleteIdleBefore(ctx, time.Now().Add(-retention))
	default:
		return 0, nil
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, store ports.ConversationStore, retention, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := Sweep(ctx, store, retention)
			if err != nil {
				logger.Warn("conversation sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Info("swept idle conversations", slog.Int64("count", n))
			}
		}
	}
}
