// Package store provides storage backends for ChatSync.
//
// This file implements an SQLite-backed MessageRepo.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/ChatSync/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements MessageRepo.
var _ MessageRepo = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection keeps writes serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadMessages() ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, content, created_at_ns, sender, pending_sync FROM messages ORDER BY seq ASC`)
	if err != nil {
		slog.Error("SQLiteStore LoadMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		slog.Error("SQLiteStore LoadMessages scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore LoadMessages succeeded", "count", len(msgs))
	return msgs, nil
}

func (s *SQLiteStore) InsertMessage(m models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, seq, content, created_at_ns, sender, pending_sync)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages), ?, ?, ?, ?)`,
		m.ID, m.Content, toNanos(m.Timestamp), string(m.Sender), m.PendingSync,
	)
	if err != nil {
		slog.Error("SQLiteStore InsertMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("SQLiteStore InsertMessage succeeded", "id", m.ID)
	return nil
}

func (s *SQLiteStore) ReplaceAllMessages(msgs []models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		rollback(tx)
		slog.Error("SQLiteStore ReplaceAllMessages delete failed", "error", err)
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO messages (id, seq, content, created_at_ns, sender, pending_sync) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		rollback(tx)
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, m := range msgs {
		if _, err := stmt.Exec(m.ID, i+1, m.Content, toNanos(m.Timestamp), string(m.Sender), m.PendingSync); err != nil {
			rollback(tx)
			slog.Error("SQLiteStore ReplaceAllMessages insert failed", "error", err, "id", m.ID)
			return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	slog.Debug("SQLiteStore ReplaceAllMessages succeeded", "count", len(msgs))
	return nil
}

func (s *SQLiteStore) ReplaceMessage(oldID string, m models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	target := oldID
	if m.ID != oldID {
		var taken int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = ?`, m.ID).Scan(&taken); err != nil {
			rollback(tx)
			return fmt.Errorf("failed to check id %s: %w", m.ID, err)
		}
		if taken > 0 {
			if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, oldID); err != nil {
				rollback(tx)
				return fmt.Errorf("failed to delete message %s: %w", oldID, err)
			}
			target = m.ID
		}
	}

	_, err = tx.Exec(
		`UPDATE messages SET id = ?, content = ?, created_at_ns = ?, sender = ?, pending_sync = ? WHERE id = ?`,
		m.ID, m.Content, toNanos(m.Timestamp), string(m.Sender), m.PendingSync, target,
	)
	if err != nil {
		rollback(tx)
		slog.Error("SQLiteStore ReplaceMessage failed", "error", err, "oldID", oldID, "newID", m.ID)
		return fmt.Errorf("failed to replace message %s: %w", oldID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	slog.Debug("SQLiteStore ReplaceMessage succeeded", "oldID", oldID, "newID", m.ID)
	return nil
}

func (s *SQLiteStore) SetPendingSync(id string, pending bool) error {
	_, err := s.db.Exec(`UPDATE messages SET pending_sync = ? WHERE id = ?`, pending, id)
	if err != nil {
		slog.Error("SQLiteStore SetPendingSync failed", "error", err, "id", id)
		return fmt.Errorf("failed to set pending flag for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore SetPendingSync succeeded", "id", id, "pending", pending)
	return nil
}

func (s *SQLiteStore) DeleteAllMessages() error {
	_, err := s.db.Exec(`DELETE FROM messages`)
	if err != nil {
		slog.Error("SQLiteStore DeleteAllMessages failed", "error", err)
		return err
	}
	slog.Debug("SQLiteStore DeleteAllMessages succeeded")
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
