// Package store provides the MessageRepo interface for durable message persistence.
package store

import "github.com/BTreeMap/ChatSync/internal/models"

// MessageRepo defines the durable backing used by NewPersistentStore.
// Implementations keep the display order of the list.
type MessageRepo interface {
	// LoadMessages returns every stored message in display order.
	LoadMessages() ([]models.Message, error)

	// InsertMessage appends m after the last stored message.
	InsertMessage(m models.Message) error

	// ReplaceAllMessages atomically swaps the stored list for msgs.
	ReplaceAllMessages(msgs []models.Message) error

	// ReplaceMessage overwrites the row holding oldID with m, keeping its
	// position. If another row already holds m.ID, that row is overwritten
	// instead and the oldID row is deleted.
	ReplaceMessage(oldID string, m models.Message) error

	// SetPendingSync sets the pending flag of the row holding id.
	SetPendingSync(id string, pending bool) error

	// DeleteAllMessages removes every stored message.
	DeleteAllMessages() error

	// Close releases the underlying connection.
	Close() error
}
