package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSenderKindValid(t *testing.T) {
	tests := []struct {
		kind SenderKind
		want bool
	}{
		{SenderCurrent, true},
		{SenderOther, true},
		{SenderSystem, true},
		{"", false},
		{"bot", false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("SenderKind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"plain", "hi", "hi", nil},
		{"trimmed", "  hello \n", "hello", nil},
		{"empty", "", "", ErrEmptyContent},
		{"whitespace only", " \t\n ", "", ErrEmptyContent},
		{"at limit", strings.Repeat("é", MaxContentLength), strings.Repeat("é", MaxContentLength), nil},
		{"over limit", strings.Repeat("a", MaxContentLength+1), "", ErrContentTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateContent(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateContent() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageCopiesDoNotAlias(t *testing.T) {
	m := Message{ID: "a", Content: "x"}
	n := m.WithID("b").WithPendingSync(true)
	if m.ID != "a" || m.PendingSync {
		t.Errorf("original message was modified: %+v", m)
	}
	if n.ID != "b" || !n.PendingSync || n.Content != "x" {
		t.Errorf("unexpected copy: %+v", n)
	}

	src := []Message{m}
	cloned := CloneMessages(src)
	cloned[0].Content = "changed"
	if src[0].Content != "x" {
		t.Error("CloneMessages returned a slice sharing the backing array")
	}
	if CloneMessages(nil) == nil {
		t.Error("CloneMessages(nil) should return a non-nil slice")
	}
}

func TestMessageJSONFieldNames(t *testing.T) {
	m := Message{ID: "a", Content: "x", Timestamp: time.Unix(0, 0).UTC(), Sender: SenderOther, PendingSync: true}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, key := range []string{`"id"`, `"content"`, `"timestamp"`, `"sender":"other"`, `"pending_sync":true`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded message %s missing %s", data, key)
		}
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Success([]int{1}); r.Status != "ok" || r.Result == nil {
		t.Errorf("Success() = %+v", r)
	}
	if r := Error("boom"); r.Status != "error" || r.Message != "boom" || r.Result != nil {
		t.Errorf("Error() = %+v", r)
	}
	if r := SuccessWithMessage("done", nil); r.Status != "ok" || r.Message != "done" {
		t.Errorf("SuccessWithMessage() = %+v", r)
	}
}
