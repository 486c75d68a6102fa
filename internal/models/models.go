// Package models defines the core data structures for ChatSync.
//
// It includes the chat Message value shared by the local store, the remote
// sources and the reconciler, plus the JSON envelope used by every HTTP surface.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// SenderKind identifies who authored a message. The store never interprets it;
// it only drives rendering upstream.
type SenderKind string

const (
	// SenderCurrent marks messages written by the local user.
	SenderCurrent SenderKind = "current"
	// SenderOther marks messages written by another participant.
	SenderOther SenderKind = "other"
	// SenderSystem marks system-generated notices.
	SenderSystem SenderKind = "system"
)

// Valid reports whether k is one of the known sender kinds.
func (k SenderKind) Valid() bool {
	switch k {
	case SenderCurrent, SenderOther, SenderSystem:
		return true
	default:
		return false
	}
}

// Validation constants for message content
const (
	// MaxContentLength is the maximum number of runes accepted for a message body
	MaxContentLength = 4096
)

// Error variables for content validation
var (
	ErrEmptyContent   = errors.New("message content cannot be empty")
	ErrContentTooLong = errors.New("message content exceeds maximum length")
)

// Message is an immutable chat message. It is always passed by value.
type Message struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Timestamp   time.Time  `json:"timestamp"`
	Sender      SenderKind `json:"sender"`
	PendingSync bool       `json:"pending_sync"`
}

// WithID returns a copy of m carrying id.
func (m Message) WithID(id string) Message {
	m.ID = id
	return m
}

// WithPendingSync returns a copy of m with the pending flag set to pending.
func (m Message) WithPendingSync(pending bool) Message {
	m.PendingSync = pending
	return m
}

// ValidateContent trims content and checks it against the length limits.
// It returns the trimmed content on success.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// CloneMessages returns an independent copy of msgs. A nil or empty input
// yields an empty, non-nil slice so JSON encodes it as [].
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
