package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/ChatSync/internal/models"
	"github.com/BTreeMap/ChatSync/internal/remote"
	"github.com/BTreeMap/ChatSync/internal/testutil"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func replyCompletion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func newTestClient(chat chatService) *Client {
	return newClient(chat, Opts{Model: "test-model", Temperature: 0.1, MaxTokens: 50, SystemPrompt: "sys"})
}

func TestGenerateReply_Success(t *testing.T) {
	mock := &mockChatService{resp: replyCompletion("  Hello World \n")}
	out, err := newTestClient(mock).GenerateReply(context.Background(), "hi")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if mock.params.Model != "test-model" || len(mock.params.Messages) != 2 {
		t.Errorf("unexpected request params: model %q, %d messages", mock.params.Model, len(mock.params.Messages))
	}
}

func TestGenerateReply_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.GenerateReply(context.Background(), "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateReply_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}})
	_, err := client.GenerateReply(context.Background(), "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestRespond_ProducesOtherMessage(t *testing.T) {
	client := newTestClient(&mockChatService{resp: replyCompletion("sure thing")})
	reply, err := client.Respond(context.Background(), testutil.NewMessage("a", "can you help?"))
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.Content != "sure thing" || reply.Sender != models.SenderOther {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestRespond_AppendedByMemorySource(t *testing.T) {
	client := newTestClient(&mockChatService{resp: replyCompletion("pong")})
	src := remote.NewMemorySource(remote.WithResponder(client))
	if _, err := src.Send(context.Background(), testutil.NewMessage("a", "ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	src.WaitForResponders()
	msgs := src.Messages()
	testutil.AssertContents(t, msgs, "ping", "pong")
	if msgs[1].Sender != models.SenderOther {
		t.Errorf("expected reply from other, got %s", msgs[1].Sender)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithBaseURL("http://localhost:1"),
		WithTemperature(0.2), WithMaxTokens(64), WithSystemPrompt("be brief"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil || cli.model != "gpt-test" {
		t.Fatalf("unexpected client: %+v", cli)
	}
	if cli.temperature != 0.2 || cli.maxTokens != 64 || cli.systemPrompt != "be brief" {
		t.Errorf("options not applied: temperature %v, maxTokens %d, systemPrompt %q", cli.temperature, cli.maxTokens, cli.systemPrompt)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if cli.model != DefaultModel || cli.temperature != DefaultTemperature || cli.systemPrompt != DefaultSystemPrompt {
		t.Errorf("unexpected defaults: %+v", cli)
	}
}

func TestGenerateReply_SendsTemperatureAndSystemPrompt(t *testing.T) {
	mock := &mockChatService{resp: replyCompletion("ok")}
	client := newClient(mock, Opts{Model: "m", Temperature: 0.3, SystemPrompt: "reply in French"})
	if _, err := client.GenerateReply(context.Background(), "hi"); err != nil {
		t.Fatalf("GenerateReply failed: %v", err)
	}
	if got := mock.params.Temperature.Value; got != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", got)
	}
	if mock.params.MaxTokens.Valid() {
		t.Error("expected no max tokens when unset")
	}
	if sys := mock.params.Messages[0].OfSystem; sys == nil || sys.Content.OfString.Value != "reply in French" {
		t.Errorf("expected system prompt first, got %+v", mock.params.Messages[0])
	}
}
