package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	conversations "github.com/twilio/twilio-go/rest/conversations/v1"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// twilioPageSize bounds how many messages a single list call reads.
const twilioPageSize = 100

// Compile-time check that TwilioSource implements Source.
var _ Source = (*TwilioSource)(nil)

// conversationsAPI is the subset of the Twilio Conversations service used here.
type conversationsAPI interface {
	CreateConversationMessage(conversationSid string, params *conversations.CreateConversationMessageParams) (*conversations.ConversationsV1ConversationMessage, error)
	ListConversationMessage(conversationSid string, params *conversations.ListConversationMessageParams) ([]conversations.ConversationsV1ConversationMessage, error)
}

// TwilioOpts holds configuration for a TwilioSource.
type TwilioOpts struct {
	AccountSID      string
	AuthToken       string
	ConversationSID string
	Identity        string
}

// TwilioOption configures a TwilioSource.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithConversationSID sets the conversation that holds the history.
func WithConversationSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.ConversationSID = sid }
}

// WithIdentity sets the author identity of the local participant.
func WithIdentity(identity string) TwilioOption {
	return func(o *TwilioOpts) { o.Identity = identity }
}

// TwilioSource uses a Twilio Conversation as the remote history. Messages
// authored by the configured identity map to the current user, "system"
// maps to system notices and everything else to other participants.
type TwilioSource struct {
	api             conversationsAPI
	conversationSID string
	identity        string
}

// twilioAttributes is stored on each created message so resends can be
// recognised.
type twilioAttributes struct {
	LocalID string `json:"local_id"`
}

// NewTwilioSource builds a source from options, falling back to the
// TWILIO_* environment variables for anything unset.
func NewTwilioSource(opts ...TwilioOption) (*TwilioSource, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.ConversationSID == "" {
		cfg.ConversationSID = os.Getenv("TWILIO_CONVERSATION_SID")
	}
	if cfg.Identity == "" {
		cfg.Identity = os.Getenv("TWILIO_IDENTITY")
	}
	slog.Debug("Twilio source config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"ConversationSID_set", cfg.ConversationSID != "",
		"identity", cfg.Identity)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioSource(client.ConversationsV1, cfg)
}

func newTwilioSource(api conversationsAPI, cfg TwilioOpts) (*TwilioSource, error) {
	if cfg.ConversationSID == "" {
		return nil, fmt.Errorf("conversation SID must be provided")
	}
	if cfg.Identity == "" {
		cfg.Identity = "chatsync"
	}
	return &TwilioSource{api: api, conversationSID: cfg.ConversationSID, identity: cfg.Identity}, nil
}

// FetchAll implements Source.
func (s *TwilioSource) FetchAll(ctx context.Context) ([]models.Message, error) {
	raw, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(raw))
	for _, r := range raw {
		if m, ok := s.toMessage(r); ok {
			msgs = append(msgs, m)
		}
	}
	slog.Debug("TwilioSource.FetchAll succeeded", "conversation", s.conversationSID, "count", len(msgs))
	return msgs, nil
}

// Send implements Source.
func (s *TwilioSource) Send(ctx context.Context, m models.Message) (models.Message, error) {
	existing, err := s.list(ctx)
	if err != nil {
		return models.Message{}, err
	}
	for _, r := range existing {
		if localID(r) == m.ID {
			if accepted, ok := s.toMessage(r); ok {
				slog.Debug("TwilioSource.Send: already accepted", "localID", m.ID, "sid", accepted.ID)
				return accepted, nil
			}
		}
	}

	attrs, err := json.Marshal(twilioAttributes{LocalID: m.ID})
	if err != nil {
		return models.Message{}, fmt.Errorf("encode attributes: %w", err)
	}
	params := &conversations.CreateConversationMessageParams{}
	params.SetAuthor(s.authorFor(m.Sender))
	params.SetBody(m.Content)
	params.SetDateCreated(m.Timestamp)
	params.SetAttributes(string(attrs))

	created, err := callWithContext(ctx, func() (*conversations.ConversationsV1ConversationMessage, error) {
		return s.api.CreateConversationMessage(s.conversationSID, params)
	})
	if err != nil {
		slog.Error("TwilioSource.Send failed", "localID", m.ID, "error", err)
		return models.Message{}, NewTransientError("send", err)
	}
	accepted, ok := s.toMessage(*created)
	if !ok {
		return models.Message{}, fmt.Errorf("send: twilio returned a message without sid")
	}
	slog.Debug("TwilioSource.Send: accepted", "localID", m.ID, "sid", accepted.ID)
	return accepted, nil
}

func (s *TwilioSource) list(ctx context.Context) ([]conversations.ConversationsV1ConversationMessage, error) {
	params := &conversations.ListConversationMessageParams{}
	params.SetOrder("asc")
	params.SetPageSize(twilioPageSize)
	raw, err := callWithContext(ctx, func() ([]conversations.ConversationsV1ConversationMessage, error) {
		return s.api.ListConversationMessage(s.conversationSID, params)
	})
	if err != nil {
		slog.Warn("TwilioSource list failed", "conversation", s.conversationSID, "error", err)
		return nil, NewTransientError("fetch all", err)
	}
	return raw, nil
}

func (s *TwilioSource) authorFor(sender models.SenderKind) string {
	switch sender {
	case models.SenderSystem:
		return "system"
	case models.SenderOther:
		return "other"
	default:
		return s.identity
	}
}

func (s *TwilioSource) toMessage(r conversations.ConversationsV1ConversationMessage) (models.Message, bool) {
	if r.Sid == nil || *r.Sid == "" {
		return models.Message{}, false
	}
	m := models.Message{ID: *r.Sid, Sender: models.SenderOther}
	if r.Body != nil {
		m.Content = *r.Body
	}
	if r.DateCreated != nil {
		m.Timestamp = r.DateCreated.UTC()
	}
	if r.Author != nil {
		switch *r.Author {
		case s.identity:
			m.Sender = models.SenderCurrent
		case "system":
			m.Sender = models.SenderSystem
		}
	}
	return m, true
}

func localID(r conversations.ConversationsV1ConversationMessage) string {
	if r.Attributes == nil || *r.Attributes == "" {
		return ""
	}
	var attrs twilioAttributes
	if err := json.Unmarshal([]byte(*r.Attributes), &attrs); err != nil {
		return ""
	}
	return attrs.LocalID
}

// callWithContext runs a blocking SDK call and gives up when ctx is done.
// The SDK call itself keeps running in the background until it returns.
func callWithContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}
