package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ChatSync/internal/models"
)

func TestNewMessage(t *testing.T) {
	m := NewMessage("id-1", "hello")
	if m.ID != "id-1" || m.Content != "hello" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.Sender != models.SenderCurrent || m.PendingSync {
		t.Errorf("expected a synced current-user message, got %+v", m)
	}
	if !m.Timestamp.Equal(NewMessage("x", "y").Timestamp) {
		t.Error("expected a fixed timestamp")
	}
}

func TestReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := Receive(t, ch, "buffered value"); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestWaitClosed(t *testing.T) {
	ch := make(chan struct{}, 2)
	ch <- struct{}{}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(ch)
	}()
	WaitClosed[struct{}](t, ch, "closing channel")
}

func TestEventually(t *testing.T) {
	calls := 0
	Eventually(t, func() bool {
		calls++
		return calls >= 3
	}, "third call")
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		actual   int
	}{
		{"ok", http.StatusOK, http.StatusOK},
		{"created", http.StatusCreated, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			AssertHTTPStatus(t, tt.expected, tt.actual, tt.name)
		})
	}
}

func TestDecodeAPIResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	if err := json.NewEncoder(rr).Encode(models.SuccessWithMessage("done", []models.Message{NewMessage("a", "one")})); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var msgs []models.Message
	resp := DecodeAPIResponse(t, rr, models.APIStatusOK, &msgs)
	if resp.Message != "done" {
		t.Errorf("expected message 'done', got %q", resp.Message)
	}
	AssertContents(t, msgs, "one")
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]string{"content": "hi"})
	if req.Method != http.MethodPost || req.URL.Path != "/messages" {
		t.Errorf("unexpected request: %s %s", req.Method, req.URL.Path)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"content":"hi"}` {
		t.Errorf("unexpected body %s", body)
	}

	empty := CreateHTTPRequest(t, http.MethodGet, "/messages", nil)
	if body, _ := io.ReadAll(empty.Body); len(body) != 0 {
		t.Errorf("expected empty body, got %s", body)
	}
}
