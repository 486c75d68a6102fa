package repository

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = 5 * time.Second
	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffMax    = 5 * time.Minute
	DefaultResendRate    = 5
	DefaultResendBurst   = 1
)

// retryState tracks the backoff of a single pending message.
type retryState struct {
	attempts int
	next     time.Time
}

// RetrySweeper periodically resends pending messages with per-message
// exponential backoff.
type RetrySweeper struct {
	repo        *Repository
	interval    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	limiter     *rate.Limiter
	now         func() time.Time

	mu    sync.Mutex
	state map[string]*retryState
}

// SweeperOption configures a RetrySweeper.
type SweeperOption func(*RetrySweeper)

// WithSweepInterval sets how often Run polls for pending messages.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *RetrySweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBackoff sets the first retry delay and the cap it doubles up to.
// Non-positive values keep the defaults, and limit is raised to base.
func WithBackoff(base, limit time.Duration) SweeperOption {
	return func(s *RetrySweeper) {
		if base > 0 {
			s.backoffBase = base
		}
		if limit > 0 {
			s.backoffMax = limit
		}
		if s.backoffMax < s.backoffBase {
			s.backoffMax = s.backoffBase
		}
	}
}

// WithResendRate limits resends to r per second with the given burst.
func WithResendRate(r rate.Limit, burst int) SweeperOption {
	return func(s *RetrySweeper) { s.limiter = rate.NewLimiter(r, burst) }
}

// WithSweeperClock overrides the clock used for backoff bookkeeping.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *RetrySweeper) { s.now = now }
}

// NewRetrySweeper creates a sweeper for repo.
func NewRetrySweeper(repo *Repository, opts ...SweeperOption) *RetrySweeper {
	s := &RetrySweeper{
		repo:        repo,
		interval:    DefaultSweepInterval,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		limiter:     rate.NewLimiter(rate.Limit(DefaultResendRate), DefaultResendBurst),
		now:         time.Now,
		state:       make(map[string]*retryState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverPending makes every pending message immediately due. Should be
// called once at startup after the store has been hydrated.
func (s *RetrySweeper) RecoverPending() (int, error) {
	pending, err := s.repo.Pending()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.state = make(map[string]*retryState)
	s.mu.Unlock()
	if len(pending) > 0 {
		slog.Info("RetrySweeper.RecoverPending: found pending messages", "count", len(pending))
	}
	return len(pending), nil
}

// Run polls until ctx is cancelled.
func (s *RetrySweeper) Run(ctx context.Context) {
	slog.Info("RetrySweeper.Run: starting retry sweeper", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("RetrySweeper.Run: stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over the pending messages and returns how many were
// synced.
func (s *RetrySweeper) Sweep(ctx context.Context) int {
	pending, err := s.repo.Pending()
	if err != nil {
		slog.Error("RetrySweeper.Sweep: listing pending messages failed", "error", err)
		return 0
	}
	s.forgetSynced(pending)

	synced := 0
	for _, m := range pending {
		if !s.due(m.ID) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return synced
		}
		err := s.repo.Resend(ctx, m.ID)
		switch {
		case err == nil:
			s.forget(m.ID)
			synced++
		case errors.Is(err, ErrNotPending):
			s.forget(m.ID)
		default:
			next := s.fail(m.ID)
			slog.Debug("RetrySweeper.Sweep: resend failed", "id", m.ID, "nextAttempt", next, "error", err)
		}
		if ctx.Err() != nil {
			return synced
		}
	}
	if synced > 0 {
		slog.Info("RetrySweeper.Sweep: synced pending messages", "count", synced)
	}
	return synced
}

func (s *RetrySweeper) due(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[id]
	return !ok || !s.now().Before(st.next)
}

// fail records a failed attempt and returns when the next one is due.
func (s *RetrySweeper) fail(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[id]
	if !ok {
		st = &retryState{}
		s.state[id] = st
	}
	st.attempts++
	st.next = s.now().Add(s.backoff(st.attempts))
	return st.next
}

// backoff returns the delay after the given number of failed attempts:
// base, 2*base, 4*base, ... capped at the configured maximum.
func (s *RetrySweeper) backoff(attempts int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempts && d < s.backoffMax; i++ {
		d *= 2
	}
	return min(d, s.backoffMax)
}

func (s *RetrySweeper) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, id)
}

// forgetSynced drops backoff state for ids that are no longer pending.
func (s *RetrySweeper) forgetSynced(pending []models.Message) {
	still := make(map[string]bool, len(pending))
	for _, m := range pending {
		still[m.ID] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.state {
		if !still[id] {
			delete(s.state, id)
		}
	}
}
