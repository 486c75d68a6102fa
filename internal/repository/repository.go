// Package repository reconciles the local message store with a remote source.
//
// The local store is the source of truth for what is displayed: every write
// commits locally first and is then offered to the remote. Remote failures
// are absorbed (messages are flagged as pending, loads fall back to the
// cache) so callers only ever see local failures.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatSync/internal/metrics"
	"github.com/BTreeMap/ChatSync/internal/models"
	"github.com/BTreeMap/ChatSync/internal/remote"
	"github.com/BTreeMap/ChatSync/internal/store"
	"github.com/BTreeMap/ChatSync/internal/util"
)

// DefaultRemoteTimeout bounds a single remote call when no timeout is configured.
const DefaultRemoteTimeout = 10 * time.Second

// Repository serializes Send, Load, Clear and Resend against one LocalStore
// and one remote Source. It holds no message state of its own.
type Repository struct {
	mu            sync.Mutex
	local         store.LocalStore
	remote        remote.Source
	now           func() time.Time
	newID         func() string
	remoteTimeout time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the clock used to timestamp new messages.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator overrides how local message ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(r *Repository) { r.newID = newID }
}

// WithRemoteTimeout bounds every remote call. Zero or negative disables the bound.
func WithRemoteTimeout(d time.Duration) Option {
	return func(r *Repository) { r.remoteTimeout = d }
}

// New creates a Repository over local and src.
func New(local store.LocalStore, src remote.Source, opts ...Option) *Repository {
	r := &Repository{
		local:         local,
		remote:        src,
		now:           time.Now,
		newID:         util.NewMessageID,
		remoteTimeout: DefaultRemoteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send commits a new message from the current user locally and then offers
// it to the remote. Remote failures leave the message flagged as pending and
// are not returned. When the local commit fails the zero Message is
// returned; when a local write after the remote attempt fails the committed
// Message is returned with an error matching ErrReconcileFailed.
func (r *Repository) Send(ctx context.Context, content string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := models.Message{
		ID:        r.newID(),
		Content:   content,
		Timestamp: r.now(),
		Sender:    models.SenderCurrent,
	}
	if err := r.local.Insert(msg); err != nil {
		metrics.SendsTotal.WithLabelValues(metrics.SendFailed).Inc()
		slog.Error("Repository.Send: local insert failed", "id", msg.ID, "error", err)
		return models.Message{}, fmt.Errorf("commit message locally: %w", err)
	}
	slog.Debug("Repository.Send: committed locally", "id", msg.ID)

	outcome, err := r.push(ctx, msg)
	metrics.SendsTotal.WithLabelValues(outcome).Inc()
	r.refreshPendingGauge()
	return msg, err
}

// push offers a locally committed message to the remote and reconciles the
// result. It reports the send outcome label and any local write failure.
func (r *Repository) push(ctx context.Context, msg models.Message) (string, error) {
	accepted, remoteErr := r.remoteSend(ctx, msg)
	if remoteErr != nil {
		slog.Warn("Repository.push: remote send failed, marking pending", "id", msg.ID, "error", remoteErr)
		if err := r.local.MarkPendingSync(msg.ID); err != nil {
			slog.Error("Repository.push: mark pending failed", "id", msg.ID, "error", err)
			return metrics.SendFailed, fmt.Errorf("%w: mark %s pending after %v: %w", ErrReconcileFailed, msg.ID, remoteErr, err)
		}
		return metrics.SendPending, nil
	}

	if accepted.ID == "" || accepted.ID == msg.ID {
		slog.Debug("Repository.push: remote accepted with same id", "id", msg.ID)
		return metrics.SendSynced, nil
	}

	if err := r.local.Replace(msg.ID, accepted.WithPendingSync(false)); err != nil {
		slog.Error("Repository.push: id reconciliation failed", "localID", msg.ID, "remoteID", accepted.ID, "error", err)
		return metrics.SendFailed, fmt.Errorf("%w: replace %s with remote id %s: %w", ErrReconcileFailed, msg.ID, accepted.ID, err)
	}
	slog.Debug("Repository.push: reconciled to remote id", "localID", msg.ID, "remoteID", accepted.ID)
	return metrics.SendReidentified, nil
}

// Load refreshes the local store from the remote and returns the resulting
// list. When the remote fails the cached list is returned; when the cache is
// also empty the error matches ErrNoCachedMessages.
func (r *Repository) Load(ctx context.Context) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.refreshPendingGauge()

	fetched, remoteErr := r.remoteFetchAll(ctx)
	if remoteErr == nil {
		if err := r.local.InsertBatch(fetched); err != nil {
			metrics.LoadsTotal.WithLabelValues(metrics.LoadFailed).Inc()
			slog.Error("Repository.Load: replacing local cache failed", "count", len(fetched), "error", err)
			return nil, fmt.Errorf("replace local cache: %w", err)
		}
		slog.Debug("Repository.Load: refreshed from remote", "count", len(fetched))
	} else {
		slog.Warn("Repository.Load: remote fetch failed, using cache", "error", remoteErr)
	}

	msgs, err := r.local.GetAll()
	if err != nil {
		metrics.LoadsTotal.WithLabelValues(metrics.LoadFailed).Inc()
		slog.Error("Repository.Load: reading local cache failed", "error", err)
		return nil, fmt.Errorf("read local cache: %w", err)
	}

	if remoteErr != nil {
		if len(msgs) == 0 {
			metrics.LoadsTotal.WithLabelValues(metrics.LoadFailed).Inc()
			return nil, errors.Join(ErrNoCachedMessages, remoteErr)
		}
		metrics.LoadsTotal.WithLabelValues(metrics.LoadCache).Inc()
		return msgs, nil
	}
	metrics.LoadsTotal.WithLabelValues(metrics.LoadRemote).Inc()
	return msgs, nil
}

// Clear empties the local store. The remote is not touched.
func (r *Repository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.local.Clear(); err != nil {
		slog.Error("Repository.Clear: local clear failed", "error", err)
		return fmt.Errorf("clear local store: %w", err)
	}
	metrics.PendingMessages.Set(0)
	slog.Debug("Repository.Clear: local store cleared")
	return nil
}

// Messages streams snapshots of the local store until ctx is done.
func (r *Repository) Messages(ctx context.Context) <-chan store.Snapshot {
	return r.local.Subscribe(ctx)
}

// Pending returns the messages still waiting for a successful send, in
// display order.
func (r *Repository) Pending() ([]models.Message, error) {
	msgs, err := r.local.GetAll()
	if err != nil {
		return nil, fmt.Errorf("read local store: %w", err)
	}
	return pendingOf(msgs), nil
}

// Resend offers a pending message to the remote again. On success the
// pending flag is cleared and a new remote id, if any, is applied. An id
// that is absent or no longer pending yields ErrNotPending.
func (r *Repository) Resend(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.refreshPendingGauge()

	msgs, err := r.local.GetAll()
	if err != nil {
		return fmt.Errorf("read local store: %w", err)
	}
	var msg models.Message
	found := false
	for _, m := range msgs {
		if m.ID == id && m.PendingSync {
			msg, found = m, true
			break
		}
	}
	if !found {
		return fmt.Errorf("resend %s: %w", id, ErrNotPending)
	}

	accepted, err := r.remoteSend(ctx, msg.WithPendingSync(false))
	if err != nil {
		metrics.ResendsTotal.WithLabelValues(metrics.SendPending).Inc()
		slog.Warn("Repository.Resend: remote send failed", "id", id, "error", err)
		return fmt.Errorf("resend %s: %w", id, err)
	}
	if accepted.ID == "" {
		accepted.ID = msg.ID
	}
	if err := r.local.Replace(msg.ID, accepted.WithPendingSync(false)); err != nil {
		metrics.ResendsTotal.WithLabelValues(metrics.SendFailed).Inc()
		slog.Error("Repository.Resend: local reconciliation failed", "id", id, "remoteID", accepted.ID, "error", err)
		return fmt.Errorf("reconcile %s: %w", id, err)
	}
	outcome := metrics.SendSynced
	if accepted.ID != msg.ID {
		outcome = metrics.SendReidentified
	}
	metrics.ResendsTotal.WithLabelValues(outcome).Inc()
	slog.Debug("Repository.Resend: message synced", "id", id, "remoteID", accepted.ID)
	return nil
}

func (r *Repository) remoteSend(ctx context.Context, m models.Message) (models.Message, error) {
	ctx, cancel := r.withRemoteTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { metrics.RemoteDuration.WithLabelValues("send").Observe(time.Since(start).Seconds()) }()
	return r.remote.Send(ctx, m)
}

func (r *Repository) remoteFetchAll(ctx context.Context) ([]models.Message, error) {
	ctx, cancel := r.withRemoteTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { metrics.RemoteDuration.WithLabelValues("fetch_all").Observe(time.Since(start).Seconds()) }()
	return r.remote.FetchAll(ctx)
}

func (r *Repository) withRemoteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.remoteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.remoteTimeout)
}

func (r *Repository) refreshPendingGauge() {
	msgs, err := r.local.GetAll()
	if err != nil {
		return
	}
	metrics.PendingMessages.Set(float64(len(pendingOf(msgs))))
}

func pendingOf(msgs []models.Message) []models.Message {
	pending := make([]models.Message, 0)
	for _, m := range msgs {
		if m.PendingSync {
			pending = append(pending, m)
		}
	}
	return pending
}
