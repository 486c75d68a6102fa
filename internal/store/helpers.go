package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// toNanos converts a timestamp to the integer column representation.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos is the inverse of toNanos. Stored times come back in UTC.
func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// scanMessages reads every row of a `SELECT id, content, created_at_ns,
// sender, pending_sync` query.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		var ns int64
		var sender string
		if err := rows.Scan(&m.ID, &m.Content, &ns, &sender, &m.PendingSync); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.Timestamp = fromNanos(ns)
		m.Sender = models.SenderKind(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows failed: %w", err)
	}
	return msgs, nil
}

// rollback aborts tx, used on error paths where the original error wins.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
