// Package testutil provides common test utilities and helpers for ChatSync tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// DefaultWait bounds how long helpers wait on channels before failing.
const DefaultWait = 2 * time.Second

// NewMessage builds a message sent by the current user with a fixed timestamp.
func NewMessage(id, content string) models.Message {
	return models.Message{
		ID:        id,
		Content:   content,
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Sender:    models.SenderCurrent,
	}
}

// Receive waits for one value on ch and fails the test on timeout or close.
func Receive[T any](t *testing.T, ch <-chan T, context string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed unexpectedly", context)
		}
		return v
	case <-time.After(DefaultWait):
		t.Fatalf("%s: timed out waiting for value", context)
	}
	var zero T
	return zero
}

// WaitClosed drains ch until it is closed, failing the test on timeout.
func WaitClosed[T any](t *testing.T, ch <-chan T, context string) {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("%s: channel was not closed", context)
		}
	}
}

// Eventually polls cond until it returns true, failing the test on timeout.
func Eventually(t *testing.T, cond func() bool, context string) {
	t.Helper()
	deadline := time.Now().Add(DefaultWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met in time", context)
}

// AssertContents checks that msgs carries exactly the given contents in order.
func AssertContents(t *testing.T, msgs []models.Message, want ...string) {
	t.Helper()
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages %v, got %d: %+v", len(want), want, len(msgs), msgs)
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("message %d: expected content %q, got %q", i, want[i], m.Content)
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the standard envelope and validates its status
// field. Result is decoded into result when it is non-nil.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	var raw struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if raw.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, raw.Status, raw.Message)
	}
	if result != nil && len(raw.Result) > 0 {
		if err := json.Unmarshal(raw.Result, result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return models.APIResponse{Status: raw.Status, Message: raw.Message}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}
