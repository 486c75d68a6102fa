// Package store provides storage backends for ChatSync.
//
// This file implements a PostgreSQL-backed MessageRepo.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatSync/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements MessageRepo.
var _ MessageRepo = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadMessages() ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, content, created_at_ns, sender, pending_sync FROM messages ORDER BY seq ASC`)
	if err != nil {
		slog.Error("PostgresStore LoadMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		slog.Error("PostgresStore LoadMessages scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore LoadMessages succeeded", "count", len(msgs))
	return msgs, nil
}

func (s *PostgresStore) InsertMessage(m models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, seq, content, created_at_ns, sender, pending_sync)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages), $2, $3, $4, $5)`,
		m.ID, m.Content, toNanos(m.Timestamp), string(m.Sender), m.PendingSync,
	)
	if err != nil {
		slog.Error("PostgresStore InsertMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("PostgresStore InsertMessage succeeded", "id", m.ID)
	return nil
}

func (s *PostgresStore) ReplaceAllMessages(msgs []models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		rollback(tx)
		slog.Error("PostgresStore ReplaceAllMessages delete failed", "error", err)
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO messages (id, seq, content, created_at_ns, sender, pending_sync) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		rollback(tx)
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, m := range msgs {
		if _, err := stmt.Exec(m.ID, i+1, m.Content, toNanos(m.Timestamp), string(m.Sender), m.PendingSync); err != nil {
			rollback(tx)
			slog.Error("PostgresStore ReplaceAllMessages insert failed", "error", err, "id", m.ID)
			return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	slog.Debug("PostgresStore ReplaceAllMessages succeeded", "count", len(msgs))
	return nil
}

func (s *PostgresStore) ReplaceMessage(oldID string, m models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	target := oldID
	if m.ID != oldID {
		var taken bool
		if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, m.ID).Scan(&taken); err != nil {
			rollback(tx)
			return fmt.Errorf("failed to check id %s: %w", m.ID, err)
		}
		if taken {
			if _, err := tx.Exec(`DELETE FROM messages WHERE id = $1`, oldID); err != nil {
				rollback(tx)
				return fmt.Errorf("failed to delete message %s: %w", oldID, err)
			}
			target = m.ID
		}
	}

	_, err = tx.Exec(
		`UPDATE messages SET id = $1, content = $2, created_at_ns = $3, sender = $4, pending_sync = $5 WHERE id = $6`,
		m.ID, m.Content, toNanos(m.Timestamp), string(m.Sender), m.PendingSync, target,
	)
	if err != nil {
		rollback(tx)
		slog.Error("PostgresStore ReplaceMessage failed", "error", err, "oldID", oldID, "newID", m.ID)
		return fmt.Errorf("failed to replace message %s: %w", oldID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	slog.Debug("PostgresStore ReplaceMessage succeeded", "oldID", oldID, "newID", m.ID)
	return nil
}

func (s *PostgresStore) SetPendingSync(id string, pending bool) error {
	_, err := s.db.Exec(`UPDATE messages SET pending_sync = $1 WHERE id = $2`, pending, id)
	if err != nil {
		slog.Error("PostgresStore SetPendingSync failed", "error", err, "id", id)
		return fmt.Errorf("failed to set pending flag for %s: %w", id, err)
	}
	slog.Debug("PostgresStore SetPendingSync succeeded", "id", id, "pending", pending)
	return nil
}

func (s *PostgresStore) DeleteAllMessages() error {
	_, err := s.db.Exec(`DELETE FROM messages`)
	if err != nil {
		slog.Error("PostgresStore DeleteAllMessages failed", "error", err)
		return err
	}
	slog.Debug("PostgresStore DeleteAllMessages succeeded")
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
