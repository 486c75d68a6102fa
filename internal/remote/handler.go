package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// maxSendBody caps the size of a POST /messages body.
const maxSendBody = 64 << 10

// NewHandler exposes src over the HTTP contract consumed by HTTPSource, so a
// MemorySource can serve as a shared backend for several clients.
func NewHandler(src Source) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/messages", func(w http.ResponseWriter, r *http.Request) {
		msgs, err := src.FetchAll(r.Context())
		if err != nil {
			writeSourceError(w, "fetch all", err)
			return
		}
		writeJSON(w, http.StatusOK, models.Success(models.CloneMessages(msgs)))
	})

	r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
		var m models.Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&m); err != nil {
			writeJSON(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if m.ID == "" {
			writeJSON(w, http.StatusBadRequest, models.Error("Missing required field: id"))
			return
		}
		accepted, err := src.Send(r.Context(), m)
		if err != nil {
			writeSourceError(w, "send", err)
			return
		}
		writeJSON(w, http.StatusCreated, models.Success(accepted))
	})

	return r
}

func writeSourceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrUnavailable) {
		slog.Warn("remote handler: source unavailable", "op", op, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, models.Error("Remote source unavailable"))
		return
	}
	slog.Error("remote handler: source failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, models.Error("Internal server error"))
}

func writeJSON(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("remote handler: failed to write JSON response", "error", err)
	}
}
