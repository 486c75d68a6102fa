package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ChatSync/internal/models"
	"github.com/BTreeMap/ChatSync/internal/remote"
	"github.com/BTreeMap/ChatSync/internal/store"
	"github.com/BTreeMap/ChatSync/internal/testutil"
)

// spyStore counts reconciling writes made through the LocalStore interface.
type spyStore struct {
	*store.InMemoryStore
	mu        sync.Mutex
	updates   int
	replaces  int
	insertErr error
}

func newSpyStore() *spyStore {
	return &spyStore{InMemoryStore: store.NewInMemoryStore()}
}

func (s *spyStore) Insert(m models.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.InMemoryStore.Insert(m)
}

func (s *spyStore) Update(m models.Message) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.InMemoryStore.Update(m)
}

func (s *spyStore) Replace(oldID string, m models.Message) error {
	s.mu.Lock()
	s.replaces++
	s.mu.Unlock()
	return s.InMemoryStore.Replace(oldID, m)
}

func (s *spyStore) writes() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates, s.replaces
}

var fixedTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestRepository(local store.LocalStore, src remote.Source, opts ...Option) *Repository {
	var n atomic.Int64
	defaults := []Option{
		WithClock(func() time.Time { return fixedTime }),
		WithIDGenerator(func() string { return fmt.Sprintf("local-%d", n.Add(1)) }),
		WithRemoteTimeout(time.Second),
	}
	return New(local, src, append(defaults, opts...)...)
}

func mustGetAll(t *testing.T, s store.LocalStore) []models.Message {
	t.Helper()
	msgs, err := s.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	return msgs
}

func TestSend_SnapshotContainsMessageRegardlessOfRemote(t *testing.T) {
	tests := []struct {
		name    string
		offline bool
	}{
		{"remote ok", false},
		{"remote down", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := store.NewInMemoryStore()
			src := remote.NewMemorySource()
			src.SetOffline(tt.offline)
			repo := newTestRepository(local, src)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			snapshots := repo.Messages(ctx)

			if _, err := repo.Send(context.Background(), "hello"); err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			snap := testutil.Receive(t, snapshots, "snapshot after send")
			testutil.AssertContents(t, snap.Messages, "hello")
		})
	}
}

func TestSend_RemoteFailureMarksPending(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource()
	src.FailNextSends(1)
	repo := newTestRepository(local, src)

	sent, err := repo.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send should succeed after local commit, got %v", err)
	}
	if sent.PendingSync {
		t.Error("returned message is the original local copy")
	}
	msgs := mustGetAll(t, local)
	if len(msgs) != 1 || msgs[0].ID != sent.ID || !msgs[0].PendingSync {
		t.Fatalf("expected one pending message, got %+v", msgs)
	}
}

func TestSend_SameIDMakesNoReconcilingWrite(t *testing.T) {
	local := newSpyStore()
	src := remote.NewMemorySource()
	repo := newTestRepository(local, src)

	sent, err := repo.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msgs := mustGetAll(t, local)
	if len(msgs) != 1 || msgs[0].ID != sent.ID || msgs[0].PendingSync {
		t.Fatalf("expected one synced message, got %+v", msgs)
	}
	if updates, replaces := local.writes(); updates != 0 || replaces != 0 {
		t.Errorf("expected no update or replace, got %d updates and %d replaces", updates, replaces)
	}
	if src.SendCalls() != 1 {
		t.Errorf("expected one remote send, got %d", src.SendCalls())
	}
}

func TestSend_ReidentifiedKeepsPosition(t *testing.T) {
	local := store.NewInMemoryStore()
	if err := local.InsertBatch([]models.Message{testutil.NewMessage("srv_old", "earlier")}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	src := remote.NewMemorySource(remote.WithServerIDs())
	repo := newTestRepository(local, src)

	sent, err := repo.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := repo.Send(context.Background(), "after"); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	msgs := mustGetAll(t, local)
	testutil.AssertContents(t, msgs, "earlier", "hi", "after")
	serverCopy := src.Messages()[0]
	if msgs[1].ID != serverCopy.ID || msgs[1].ID == sent.ID {
		t.Errorf("expected entry at position 1 to carry server id %s, got %s", serverCopy.ID, msgs[1].ID)
	}
	for _, m := range msgs {
		if m.ID == sent.ID {
			t.Errorf("old id %s must no longer be present", sent.ID)
		}
		if m.PendingSync {
			t.Errorf("message %s should not be pending", m.ID)
		}
	}
	if err := local.Insert(testutil.NewMessage(sent.ID, "reuse")); err != nil {
		t.Errorf("old id should be free after reconciliation, got %v", err)
	}
}

func TestSend_LocalFailureSkipsRemote(t *testing.T) {
	local := newSpyStore()
	local.insertErr = &store.PersistError{Op: "insert", Err: errors.New("disk full")}
	src := remote.NewMemorySource()
	repo := newTestRepository(local, src)

	_, err := repo.Send(context.Background(), "hi")
	var perr *store.PersistError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistError, got %v", err)
	}
	if src.SendCalls() != 0 {
		t.Error("remote must not be contacted when the local commit fails")
	}
}

// flakyRepo is a MessageRepo that accepts inserts but fails the writes a
// Send makes after its remote attempt.
type flakyRepo struct {
	msgs       []models.Message
	pendingErr error
	replaceErr error
}

func (r *flakyRepo) LoadMessages() ([]models.Message, error) { return models.CloneMessages(r.msgs), nil }
func (r *flakyRepo) InsertMessage(m models.Message) error {
	r.msgs = append(r.msgs, m)
	return nil
}
func (r *flakyRepo) ReplaceAllMessages(msgs []models.Message) error {
	r.msgs = models.CloneMessages(msgs)
	return nil
}
func (r *flakyRepo) ReplaceMessage(string, models.Message) error { return r.replaceErr }
func (r *flakyRepo) SetPendingSync(string, bool) error { return r.pendingErr }
func (r *flakyRepo) DeleteAllMessages() error {
	r.msgs = nil
	return nil
}
func (r *flakyRepo) Close() error { return nil }

func TestSend_LocalFailureAfterRemoteIsReturned(t *testing.T) {
	diskFull := errors.New("disk full")
	tests := []struct {
		name    string
		repo    *flakyRepo
		offline bool
		opts    []remote.MemoryOption
	}{
		{"mark pending fails", &flakyRepo{pendingErr: diskFull}, true, nil},
		{"id replace fails", &flakyRepo{replaceErr: diskFull}, false, []remote.MemoryOption{remote.WithServerIDs()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, err := store.NewPersistentStore(tt.repo)
			if err != nil {
				t.Fatalf("NewPersistentStore failed: %v", err)
			}
			src := remote.NewMemorySource(tt.opts...)
			src.SetOffline(tt.offline)
			repo := newTestRepository(local, src)

			msg, err := repo.Send(context.Background(), "hi")
			if !errors.Is(err, ErrReconcileFailed) {
				t.Fatalf("expected ErrReconcileFailed, got %v", err)
			}
			var perr *store.PersistError
			if !errors.As(err, &perr) || !errors.Is(err, diskFull) {
				t.Errorf("expected wrapped PersistError cause, got %v", err)
			}
			if msg.ID != "local-1" || msg.Content != "hi" {
				t.Errorf("expected the committed message alongside the error, got %+v", msg)
			}
			testutil.AssertContents(t, mustGetAll(t, local), "hi")
		})
	}
}

func TestSend_DuplicateLocalIDIsReturned(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource()
	repo := newTestRepository(local, src, WithIDGenerator(func() string { return "fixed" }))

	if _, err := repo.Send(context.Background(), "one"); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if _, err := repo.Send(context.Background(), "two"); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	testutil.AssertContents(t, mustGetAll(t, local), "one")
}

func TestSend_CancelledDuringRemoteStaysCommitted(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource(remote.WithLatency(time.Hour))
	repo := newTestRepository(local, src)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sent, err := repo.Send(ctx, "slow")
	if err != nil {
		t.Fatalf("Send should succeed after local commit, got %v", err)
	}
	msgs := mustGetAll(t, local)
	if len(msgs) != 1 || msgs[0].ID != sent.ID || !msgs[0].PendingSync {
		t.Fatalf("expected committed pending message, got %+v", msgs)
	}
}

func TestSend_RemoteTimeoutMarksPending(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource(remote.WithLatency(time.Hour))
	repo := newTestRepository(local, src, WithRemoteTimeout(10*time.Millisecond))

	if _, err := repo.Send(context.Background(), "slow"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !mustGetAll(t, local)[0].PendingSync {
		t.Error("expected message to be pending after remote timeout")
	}
}

func TestSend_UsesClockAndSender(t *testing.T) {
	repo := newTestRepository(store.NewInMemoryStore(), remote.NewMemorySource())
	sent, err := repo.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !sent.Timestamp.Equal(fixedTime) || sent.Sender != models.SenderCurrent || sent.ID != "local-1" {
		t.Errorf("unexpected message: %+v", sent)
	}
}

func TestLoad_OfflineReturnsCache(t *testing.T) {
	local := store.NewInMemoryStore()
	cached := []models.Message{testutil.NewMessage("a", "x"), testutil.NewMessage("b", "y")}
	if err := local.InsertBatch(cached); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	src := remote.NewMemorySource()
	src.SetOffline(true)
	repo := newTestRepository(local, src)

	msgs, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load should fall back to cache, got %v", err)
	}
	testutil.AssertContents(t, msgs, "x", "y")
	testutil.AssertContents(t, mustGetAll(t, local), "x", "y")
}

func TestLoad_ColdFailure(t *testing.T) {
	src := remote.NewMemorySource()
	src.SetOffline(true)
	repo := newTestRepository(store.NewInMemoryStore(), src)

	msgs, err := repo.Load(context.Background())
	if !errors.Is(err, ErrNoCachedMessages) {
		t.Fatalf("expected ErrNoCachedMessages, got %v", err)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Errorf("expected the remote cause to be joined, got %v", err)
	}
	if msgs != nil {
		t.Errorf("expected no messages, got %+v", msgs)
	}
}

func TestLoad_ReplacesLocalContents(t *testing.T) {
	local := store.NewInMemoryStore()
	if err := local.InsertBatch([]models.Message{testutil.NewMessage("a", "x")}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	src := remote.NewMemorySource(remote.WithSeed(testutil.NewMessage("b", "y")))
	repo := newTestRepository(local, src)

	msgs, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for _, got := range [][]models.Message{msgs, mustGetAll(t, local)} {
		if len(got) != 1 || got[0].ID != "b" || got[0].Content != "y" {
			t.Errorf("expected exactly [{b y}], got %+v", got)
		}
	}
}

func TestLoad_DropsLocalOnlyPendingMessages(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource(remote.WithSeed(testutil.NewMessage("s1", "server")))
	src.FailNextSends(1)
	repo := newTestRepository(local, src)

	if _, err := repo.Send(context.Background(), "unsynced"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := repo.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	testutil.AssertContents(t, mustGetAll(t, local), "server")
}

func TestLoad_EmptyRemoteIsSuccess(t *testing.T) {
	repo := newTestRepository(store.NewInMemoryStore(), remote.NewMemorySource())
	msgs, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %+v", msgs)
	}
}

func TestLoad_DuplicateRemoteIDsAreRejected(t *testing.T) {
	local := store.NewInMemoryStore()
	if err := local.InsertBatch([]models.Message{testutil.NewMessage("a", "x")}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	src := remote.NewMemorySource(remote.WithSeed(testutil.NewMessage("b", "y"), testutil.NewMessage("b", "z")))
	repo := newTestRepository(local, src)

	if _, err := repo.Load(context.Background()); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	testutil.AssertContents(t, mustGetAll(t, local), "x")
}

func TestClear_DoesNotTouchRemote(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource()
	repo := newTestRepository(local, src)
	if _, err := repo.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := repo.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n := len(mustGetAll(t, local)); n != 0 {
		t.Errorf("expected empty local store, got %d", n)
	}
	testutil.AssertContents(t, src.Messages(), "hi")
}

func TestPendingAndResend(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource(remote.WithServerIDs())
	src.SetOffline(true)
	repo := newTestRepository(local, src)

	first, _ := repo.Send(context.Background(), "one")
	second, _ := repo.Send(context.Background(), "two")
	pending, err := repo.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	testutil.AssertContents(t, pending, "one", "two")

	if err := repo.Resend(context.Background(), first.ID); !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("expected remote failure, got %v", err)
	}
	if !mustGetAll(t, local)[0].PendingSync {
		t.Error("failed resend must keep the pending flag")
	}

	src.SetOffline(false)
	if err := repo.Resend(context.Background(), first.ID); err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	msgs := mustGetAll(t, local)
	testutil.AssertContents(t, msgs, "one", "two")
	if msgs[0].PendingSync || msgs[0].ID == first.ID {
		t.Errorf("expected first message synced under a server id, got %+v", msgs[0])
	}
	if msgs[1].ID != second.ID || !msgs[1].PendingSync {
		t.Errorf("second message should be untouched, got %+v", msgs[1])
	}

	if err := repo.Resend(context.Background(), first.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending for a reconciled id, got %v", err)
	}
	if err := repo.Resend(context.Background(), "missing"); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending for a missing id, got %v", err)
	}
}

func TestResend_SameIDClearsFlag(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource()
	src.FailNextSends(1)
	repo := newTestRepository(local, src)

	sent, _ := repo.Send(context.Background(), "hi")
	if err := repo.Resend(context.Background(), sent.ID); err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	msgs := mustGetAll(t, local)
	if msgs[0].ID != sent.ID || msgs[0].PendingSync {
		t.Errorf("expected synced message with original id, got %+v", msgs[0])
	}
}

func TestOperationsAreSerialized(t *testing.T) {
	local := store.NewInMemoryStore()
	src := remote.NewMemorySource(remote.WithServerIDs(), remote.WithLatency(time.Millisecond))
	repo := New(local, src, WithRemoteTimeout(time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := repo.Send(context.Background(), fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("Send failed: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := repo.Load(context.Background()); err != nil {
				t.Errorf("Load failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := repo.Load(context.Background()); err != nil {
		t.Fatalf("final Load failed: %v", err)
	}
	msgs := mustGetAll(t, local)
	if len(msgs) != 10 {
		t.Fatalf("expected 10 messages after final load, got %d", len(msgs))
	}
	for i, m := range src.Messages() {
		if msgs[i].ID != m.ID {
			t.Errorf("position %d: local %s, remote %s", i, msgs[i].ID, m.ID)
		}
	}
}
