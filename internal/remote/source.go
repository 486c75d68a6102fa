// Package remote provides the network-backed message sources ChatSync
// reconciles its local store against.
//
// Every implementation satisfies Source: FetchAll and Send may block on I/O,
// honour ctx, and report recoverable failures as *TransientError.
package remote

import (
	"context"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// Source is the remote side of the chat.
type Source interface {
	// FetchAll returns the server's full message list in display order.
	FetchAll(ctx context.Context) ([]models.Message, error)

	// Send submits m. The returned copy may carry a different, server-owned id.
	Send(ctx context.Context, m models.Message) (models.Message, error)
}

// Responder produces a reply to a message accepted by a MemorySource.
// Only Content and Sender of the returned message are used.
type Responder interface {
	Respond(ctx context.Context, m models.Message) (models.Message, error)
}

// NoticeResponder answers every message with a fixed system notice.
type NoticeResponder struct {
	Text string
}

// Respond implements Responder.
func (r NoticeResponder) Respond(_ context.Context, _ models.Message) (models.Message, error) {
	text := r.Text
	if text == "" {
		text = "Message delivered"
	}
	return models.Message{Content: text, Sender: models.SenderSystem}, nil
}
