package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
)

// Store is a SQLite implementation of ConversationStore. Compare-and-swap is
// a conditional UPDATE on the version column.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.ConversationStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection keeps CAS updates from racing into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			last_response_id TEXT NOT NULL DEFAULT '',
			pending_consent TEXT,
			streaming_since INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var (
		conv           = &domain.Conversation{ID: id}
		state          string
		pending        sql.NullString
		streamingSince int64
		updatedAt      int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT state, last_response_id, pending_consent, streaming_since, last_error, version, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&state, &conv.LastResponseID, &pending, &streamingSince, &conv.LastError, &conv.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewConversation(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv.State = domain.TurnState(state)
	conv.StreamingSince = fromUnixNano(streamingSince)
	conv.UpdatedAt = fromUnixNano(updatedAt)
	if pending.Valid && pending.String != "" {
		var p domain.PendingConsent
		if err := json.Unmarshal([]byte(pending.String), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending consent: %w", err)
		}
		conv.Pending = &p
	}

	return conv, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, next *domain.Conversation, expected int64) error {
	var pending sql.NullString
	if next.Pending != nil {
		data, err := json.Marshal(next.Pending)
		if err != nil {
			return fmt.Errorf("failed to marshal pending consent: %w", err)
		}
		pending = sql.NullString{String: string(data), Valid: true}
	}

	updatedAt := s.now()
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, state, last_response_id, pending_consent, streaming_since, last_error, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO NOTHING`,
			next.ID, string(next.State), next.LastResponseID, pending,
			toUnixNano(next.StreamingSince), next.LastError, updatedAt.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE conversations
			SET state = ?, last_response_id = ?, pending_consent = ?, streaming_since = ?,
			    last_error = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(next.State), next.LastResponseID, pending, toUnixNano(next.StreamingSince),
			next.LastError, updatedAt.UnixNano(), next.ID, expected)
	}
	if err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrVersionConflict
	}

	next.Version = expected + 1
	next.UpdatedAt = updatedAt
	return nil
}

// DeleteIdleBefore removes idle records not written since cutoff.
func (s *Store) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE state = ? AND updated_at < ?`,
		string(domain.TurnStateIdle), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
