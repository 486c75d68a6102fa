package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// snapshotEvent is the data payload of a "snapshot" Server-Sent Event.
type snapshotEvent struct {
	Version  uint64           `json:"version"`
	Messages []models.Message `json:"messages"`
}

// streamMessagesHandler pushes every store snapshot to the client until it
// disconnects. The subscription is bound to the request context.
func (s *Server) streamMessagesHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	ctx := r.Context()
	snapshots := s.svc.Messages(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	slog.Debug("Server.streamMessagesHandler: client subscribed", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Server.streamMessagesHandler: client left", "remote", r.RemoteAddr)
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := json.Marshal(snapshotEvent{Version: snap.Version, Messages: snap.Messages})
			if err != nil {
				slog.Error("Server.streamMessagesHandler: failed to encode snapshot", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Version, data); err != nil {
				slog.Debug("Server.streamMessagesHandler: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
