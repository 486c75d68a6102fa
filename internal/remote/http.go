package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// DefaultHTTPTimeout is the client timeout used when none is configured.
const DefaultHTTPTimeout = 15 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Compile-time check that HTTPSource implements Source.
var _ Source = (*HTTPSource)(nil)

// HTTPSource talks to a chat server speaking the JSON contract served by
// NewHandler: GET {base}/messages and POST {base}/messages.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// NewHTTPSource creates a client for the server at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote URL %q: scheme must be http or https", baseURL)
	}
	s := &HTTPSource{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("HTTPSource created", "baseURL", s.baseURL)
	return s, nil
}

// FetchAll implements Source.
func (s *HTTPSource) FetchAll(ctx context.Context) ([]models.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	var msgs []models.Message
	if err := s.do(req, "fetch all", &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	slog.Debug("HTTPSource.FetchAll succeeded", "count", len(msgs))
	return msgs, nil
}

// Send implements Source.
func (s *HTTPSource) Send(ctx context.Context, m models.Message) (models.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return models.Message{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var accepted models.Message
	if err := s.do(req, "send", &accepted); err != nil {
		return models.Message{}, err
	}
	slog.Debug("HTTPSource.Send succeeded", "localID", m.ID, "serverID", accepted.ID)
	return accepted, nil
}

// do executes req and decodes the envelope's result into out. Transport
// failures and 5xx/429 responses are transient; other non-2xx are not.
func (s *HTTPSource) do(req *http.Request, op string, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("HTTPSource request failed", "op", op, "error", err)
		return NewTransientError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return NewTransientError(op, fmt.Errorf("read body: %w", err))
	}

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	decodeErr := json.Unmarshal(data, &envelope)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return NewTransientError(op, fmt.Errorf("server returned %d: %s", resp.StatusCode, envelope.Message))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: server rejected request with %d: %s", op, resp.StatusCode, envelope.Message)
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: decode response: %w", op, decodeErr)
	}
	if envelope.Status != string(models.APIStatusOK) {
		return fmt.Errorf("%s: unexpected response status %q: %s", op, envelope.Status, envelope.Message)
	}
	if len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}
