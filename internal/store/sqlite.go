// ABOUTME: SQLite-backed ConversationStore used for queue reconciliation
// ABOUTME: WAL mode, schema auto-created, pure-Go driver

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements ConversationStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path (":memory:" for tests).
// The schema is created if it doesn't exist; parent directories are created
// if needed.
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

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status);

		CREATE INDEX IF NOT EXISTS idx_conversations_company
			ON conversations(company_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetConversation returns the conversation with the given ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, status, updated_at FROM conversations WHERE id = ?`, id)

	var conv Conversation
	err := row.Scan(&conv.ID, &conv.CompanyID, &conv.Status, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &conv, nil
}

// ListByStatus returns all conversations with the given durable status,
// oldest update first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status ConversationStatus) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, status, updated_at FROM conversations
		 WHERE status = ? ORDER BY updated_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.CompanyID, &conv.Status, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// SetStatus updates the durable status of an existing conversation.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status ConversationStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertConversation inserts or replaces a conversation record.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	updatedAt := conv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, company_id, status, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 	company_id = excluded.company_id,
		 	status = excluded.status,
		 	updated_at = excluded.updated_at`,
		conv.ID, conv.CompanyID, conv.Status, updatedAt)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
