package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// internalErrorBody is the envelope sent when a response cannot be encoded.
var internalErrorBody = sync.OnceValue(func() []byte {
	return []byte(`{"status":"` + string(models.APIStatusError) + `","message":"Internal server error"}` + "\n")
})

// encodeEnvelope renders response as one JSON line. Message content is user
// text, so HTML characters are left unescaped.
func encodeEnvelope(response models.APIResponse) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(response); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeJSONResponse sends response with statusCode. An envelope that fails to
// encode is replaced by a generic 500 before anything reaches the client.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	body, err := encodeEnvelope(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encoding failed", "status", statusCode, "error", err)
		body, statusCode = internalErrorBody(), http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "error", err)
	}
}

// writeError sends an error envelope carrying message.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, models.Error(message))
}
