package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatSync/internal/models"
	"github.com/BTreeMap/ChatSync/internal/util"
)

// DefaultResponderTimeout bounds a single Responder call.
const DefaultResponderTimeout = 30 * time.Second

// ErrInjectedFailure is the cause attached to failures injected into a MemorySource.
var ErrInjectedFailure = errors.New("injected failure")

// Compile-time check that MemorySource implements Source.
var _ Source = (*MemorySource)(nil)

// MemorySource is an in-process fake chat server. It supports failure
// injection, server-side re-identification, artificial latency and an
// optional Responder that appends replies asynchronously.
type MemorySource struct {
	mu          sync.Mutex
	messages    []models.Message
	offline     bool
	failSends   int
	failFetches int
	serverIDs   bool
	latency     time.Duration
	responder   Responder
	sendCalls   int
	fetchCalls  int
	now         func() time.Time
	pending     sync.WaitGroup
}

// MemoryOption configures a MemorySource.
type MemoryOption func(*MemorySource)

// WithServerIDs makes Send assign a fresh server id to every accepted message.
func WithServerIDs() MemoryOption {
	return func(s *MemorySource) { s.serverIDs = true }
}

// WithLatency delays every call by d (or until ctx is done).
func WithLatency(d time.Duration) MemoryOption {
	return func(s *MemorySource) { s.latency = d }
}

// WithResponder appends a reply produced by r after each accepted send.
func WithResponder(r Responder) MemoryOption {
	return func(s *MemorySource) { s.responder = r }
}

// WithSeed preloads the server with msgs.
func WithSeed(msgs ...models.Message) MemoryOption {
	return func(s *MemorySource) { s.messages = append(s.messages, msgs...) }
}

// NewMemorySource creates a new in-memory remote.
func NewMemorySource(opts ...MemoryOption) *MemorySource {
	s := &MemorySource{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOffline makes every call fail (true) or succeed (false).
func (s *MemorySource) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
	slog.Debug("MemorySource.SetOffline", "offline", offline)
}

// FailNextSends makes the next n Send calls fail.
func (s *MemorySource) FailNextSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = n
}

// FailNextFetches makes the next n FetchAll calls fail.
func (s *MemorySource) FailNextFetches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFetches = n
}

// FetchAll implements Source.
func (s *MemorySource) FetchAll(ctx context.Context) ([]models.Message, error) {
	if err := s.wait(ctx, "fetch all"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls++
	if s.offline || s.failFetches > 0 {
		if s.failFetches > 0 {
			s.failFetches--
		}
		slog.Debug("MemorySource.FetchAll: injected failure")
		return nil, NewTransientError("fetch all", ErrInjectedFailure)
	}
	return models.CloneMessages(s.messages), nil
}

// Send implements Source. A message whose id the server already holds is
// acknowledged without being stored twice.
func (s *MemorySource) Send(ctx context.Context, m models.Message) (models.Message, error) {
	if err := s.wait(ctx, "send"); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendCalls++
	if s.offline || s.failSends > 0 {
		if s.failSends > 0 {
			s.failSends--
		}
		slog.Debug("MemorySource.Send: injected failure", "id", m.ID)
		return models.Message{}, NewTransientError("send", ErrInjectedFailure)
	}

	for _, existing := range s.messages {
		if existing.ID == m.ID {
			return existing, nil
		}
	}

	accepted := m.WithPendingSync(false)
	if s.serverIDs {
		accepted.ID = util.NewServerID()
	}
	s.messages = append(s.messages, accepted)
	slog.Debug("MemorySource.Send: accepted", "localID", m.ID, "serverID", accepted.ID)

	if s.responder != nil {
		s.pending.Add(1)
		go s.respond(accepted)
	}
	return accepted, nil
}

// respond asks the responder for a reply and appends it. It runs detached
// from the caller's context.
func (s *MemorySource) respond(to models.Message) {
	defer s.pending.Done()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultResponderTimeout)
	defer cancel()

	reply, err := s.responder.Respond(ctx, to)
	if err != nil {
		slog.Warn("MemorySource.respond: responder failed", "error", err, "inReplyTo", to.ID)
		return
	}
	if reply.Content == "" {
		return
	}
	if !reply.Sender.Valid() {
		reply.Sender = models.SenderOther
	}
	reply.ID = util.NewServerID()
	reply.Timestamp = s.now()
	reply.PendingSync = false

	s.mu.Lock()
	s.messages = append(s.messages, reply)
	s.mu.Unlock()
	slog.Debug("MemorySource.respond: reply appended", "id", reply.ID, "sender", reply.Sender)
}

// WaitForResponders blocks until every in-flight responder has finished.
func (s *MemorySource) WaitForResponders() {
	s.pending.Wait()
}

// Messages returns a copy of the server-side list.
func (s *MemorySource) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneMessages(s.messages)
}

// SendCalls returns how many times Send was invoked.
func (s *MemorySource) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// FetchCalls returns how many times FetchAll was invoked.
func (s *MemorySource) FetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func (s *MemorySource) wait(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return NewTransientError(op, err)
	}
	if s.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return NewTransientError(op, ctx.Err())
	case <-timer.C:
		return nil
	}
}
