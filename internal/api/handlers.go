package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ChatSync/internal/models"
	"github.com/BTreeMap/ChatSync/internal/repository"
)

// maxSendBody caps the size of a POST /messages body.
const maxSendBody = 64 << 10

// sendRequest is the body accepted by POST /messages.
type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ChatSync is running", nil))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listMessagesHandler: loading messages")
	msgs, err := s.svc.Load(r.Context())
	if err != nil {
		if errors.Is(err, repository.ErrNoCachedMessages) {
			slog.Warn("Server.listMessagesHandler: remote unavailable and cache empty", "error", err)
			writeError(w, http.StatusServiceUnavailable, "Messages unavailable: remote unreachable and nothing cached")
			return
		}
		slog.Error("Server.listMessagesHandler: load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		slog.Warn("Server.sendMessageHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	content, err := models.ValidateContent(req.Content)
	if err != nil {
		slog.Warn("Server.sendMessageHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.svc.Send(r.Context(), content)
	if errors.Is(err, repository.ErrReconcileFailed) {
		slog.Error("Server.sendMessageHandler: message committed but not reconciled", "id", msg.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage("Message stored locally but its sync state could not be saved").
			WithResult(msg).
			Build())
		return
	}
	if err != nil {
		slog.Error("Server.sendMessageHandler: send failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store message")
		return
	}
	slog.Info("Server.sendMessageHandler: message committed", "id", msg.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Message sent", msg))
}

func (s *Server) clearMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Clear(r.Context()); err != nil {
		slog.Error("Server.clearMessagesHandler: clear failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}
	slog.Info("Server.clearMessagesHandler: local cache cleared")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Local messages cleared", nil))
}

func (s *Server) pendingMessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.Pending()
	if err != nil {
		slog.Error("Server.pendingMessagesHandler: listing pending failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list pending messages")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}
