// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists trusted senders and session snapshots with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xaio-protocol/xaio-cli/internal/channel"
	"github.com/xaio-protocol/xaio-cli/internal/session"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the snapshot database at path. Parent
// directories are created if needed; ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps sweep-timer writes from blocking router reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("snapshot store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS trusted_senders (
			channel    TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			approved_at DATETIME NOT NULL,
			PRIMARY KEY (channel, sender_id)
		);

		CREATE TABLE IF NOT EXISTS session_snapshots (
			conversation_key TEXT PRIMARY KEY,
			snapshot_json    TEXT NOT NULL,
			last_active      DATETIME NOT NULL,
			saved_at         DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_snapshots_last_active
			ON session_snapshots(last_active);
	`
	_, err := s.db.Exec(schema)
	return err
}

// IsTrusted reports whether the sender was previously approved.
func (s *SQLiteStore) IsTrusted(ctx context.Context, ch channel.Type, senderID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM trusted_senders WHERE channel = ? AND sender_id = ?",
		string(ch), senderID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying trusted sender: %w", err)
	}
	return true, nil
}

// SaveTrusted records an approved sender. Idempotent.
func (s *SQLiteStore) SaveTrusted(ctx context.Context, ch channel.Type, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO trusted_senders (channel, sender_id, approved_at) VALUES (?, ?, ?)",
		string(ch), senderID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving trusted sender: %w", err)
	}
	return nil
}

// ResetTrusted removes all trusted senders for a channel (the config-reset
// path that revokes derived trust). Returns the number removed.
func (s *SQLiteStore) ResetTrusted(ctx context.Context, ch channel.Type) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM trusted_senders WHERE channel = ?", string(ch))
	if err != nil {
		return 0, fmt.Errorf("resetting trusted senders: %w", err)
	}
	return res.RowsAffected()
}

// snapshotDoc is the JSON form of a session snapshot.
type snapshotDoc struct {
	Channel        string             `json:"channel"`
	ConversationID string             `json:"conversation_id"`
	IsDirect       bool               `json:"is_direct"`
	Model          string             `json:"model,omitempty"`
	ThinkingLevel  string             `json:"thinking_level,omitempty"`
	History        []*channel.Message `json:"history"`
	LastActive     time.Time          `json:"last_active"`
}

// SaveSession upserts a session snapshot.
func (s *SQLiteStore) SaveSession(ctx context.Context, snap *session.Snapshot) error {
	doc := snapshotDoc{
		Channel:        string(snap.Conversation.Channel),
		ConversationID: snap.Conversation.ConversationID,
		IsDirect:       snap.Conversation.IsDirect,
		Model:          snap.Model,
		ThinkingLevel:  snap.ThinkingLevel,
		History:        snap.History,
		LastActive:     snap.LastActive,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding session snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (conversation_key, snapshot_json, last_active, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			snapshot_json = excluded.snapshot_json,
			last_active = excluded.last_active,
			saved_at = excluded.saved_at`,
		snap.Conversation.Key(), string(data), snap.LastActive.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving session snapshot: %w", err)
	}
	return nil
}

// LoadSessions returns every persisted session snapshot.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]*session.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT snapshot_json FROM session_snapshots ORDER BY last_active")
	if err != nil {
		return nil, fmt.Errorf("loading session snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*session.Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc snapshotDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.logger.Warn("skipping corrupt session snapshot", "error", err)
			continue
		}
		snaps = append(snaps, &session.Snapshot{
			Conversation: channel.Conversation{
				Channel:        channel.Type(doc.Channel),
				ConversationID: doc.ConversationID,
				IsDirect:       doc.IsDirect,
			},
			Model:         doc.Model,
			ThinkingLevel: doc.ThinkingLevel,
			History:       doc.History,
			LastActive:    doc.LastActive,
		})
	}
	return snaps, rows.Err()
}

// DeleteSession removes a persisted snapshot.
func (s *SQLiteStore) DeleteSession(ctx context.Context, conversationKey string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_snapshots WHERE conversation_key = ?", conversationKey)
	if err != nil {
		return fmt.Errorf("deleting session snapshot: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
