// Package store provides the local message store for ChatSync.
//
// The store keeps the ordered message list in memory, serves synchronous
// snapshots and broadcasts a fresh copy of the list to every subscriber after
// each mutation. It can optionally write through to a durable MessageRepo
// (SQLite or PostgreSQL).
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// Error variables for local store violations
var (
	ErrDuplicateID = errors.New("duplicate message id")
	ErrEmptyID     = errors.New("message id cannot be empty")
)

// PersistError wraps a failure of the durable backing store. The in-memory
// state is left untouched when it is returned.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s failed: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Snapshot is one version of the message list as seen by a subscriber.
// Messages is an independent copy owned by the receiver.
type Snapshot struct {
	Version  uint64
	Messages []models.Message
}

// LocalStore is the local-first cache consulted by the repository.
//
// InsertBatch REPLACES the whole sequence with the given list; it does not
// merge. Entries that only exist locally are dropped by it.
type LocalStore interface {
	// Subscribe delivers the current list immediately and a new list after
	// every mutation. The channel is closed once ctx is done.
	Subscribe(ctx context.Context) <-chan Snapshot
	GetAll() ([]models.Message, error)
	Insert(m models.Message) error
	InsertBatch(msgs []models.Message) error
	Update(m models.Message) error
	// Replace swaps the entry at oldID for m in place. m may carry a new id.
	Replace(oldID string, m models.Message) error
	MarkPendingSync(id string) error
	Clear() error
}

// Compile-time check that InMemoryStore implements LocalStore.
var _ LocalStore = (*InMemoryStore)(nil)

type subscriber struct {
	ch chan Snapshot
}

// InMemoryStore is the LocalStore implementation. All mutations are
// serialized by one mutex and broadcast before the mutex is released.
type InMemoryStore struct {
	mu       sync.Mutex
	messages []models.Message
	index    map[string]int
	version  uint64
	subs     map[uint64]*subscriber
	nextSub  uint64
	repo     MessageRepo
}

// NewInMemoryStore creates an empty, session-scoped store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		index: make(map[string]int),
		subs:  make(map[uint64]*subscriber),
	}
}

// NewPersistentStore creates a store that writes through to repo and is
// hydrated from it.
func NewPersistentStore(repo MessageRepo) (*InMemoryStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("message repo cannot be nil")
	}
	msgs, err := repo.LoadMessages()
	if err != nil {
		slog.Error("InMemoryStore.NewPersistentStore: hydrate failed", "error", err)
		return nil, &PersistError{Op: "load", Err: err}
	}
	index, err := buildIndex(msgs)
	if err != nil {
		return nil, err
	}
	s := NewInMemoryStore()
	s.messages = msgs
	s.index = index
	s.repo = repo
	slog.Debug("InMemoryStore.NewPersistentStore: hydrated", "count", len(msgs))
	return s, nil
}

// Subscribe implements LocalStore. Delivery is latest-wins: a slow reader may
// skip versions but always observes the newest one, and writers never block.
func (s *InMemoryStore) Subscribe(ctx context.Context) <-chan Snapshot {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &subscriber{ch: make(chan Snapshot, 1)}
	sub.ch <- s.snapshotLocked()
	s.subs[id] = sub
	s.mu.Unlock()
	slog.Debug("InMemoryStore.Subscribe: subscriber added", "subscriberID", id)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
		slog.Debug("InMemoryStore.Subscribe: subscriber removed", "subscriberID", id)
	}()
	return sub.ch
}

// GetAll returns a copy of the current list.
func (s *InMemoryStore) GetAll() ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneMessages(s.messages), nil
}

// Insert appends m. It fails with ErrDuplicateID when m.ID is already present.
func (s *InMemoryStore) Insert(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		return ErrEmptyID
	}
	if _, exists := s.index[m.ID]; exists {
		slog.Error("InMemoryStore.Insert: duplicate id rejected", "id", m.ID)
		return fmt.Errorf("insert %s: %w", m.ID, ErrDuplicateID)
	}
	if s.repo != nil {
		if err := s.repo.InsertMessage(m); err != nil {
			slog.Error("InMemoryStore.Insert: persist failed", "error", err, "id", m.ID)
			return &PersistError{Op: "insert", Err: err}
		}
	}

	s.messages = append(s.messages, m)
	s.index[m.ID] = len(s.messages) - 1
	s.commitLocked()
	slog.Debug("InMemoryStore.Insert succeeded", "id", m.ID, "count", len(s.messages))
	return nil
}

// InsertBatch replaces the entire list with msgs. It is not an append and
// not a merge: anything absent from msgs is gone afterwards.
func (s *InMemoryStore) InsertBatch(msgs []models.Message) error {
	index, err := buildIndex(msgs)
	if err != nil {
		slog.Error("InMemoryStore.InsertBatch: invalid batch", "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.ReplaceAllMessages(msgs); err != nil {
			slog.Error("InMemoryStore.InsertBatch: persist failed", "error", err)
			return &PersistError{Op: "replace all", Err: err}
		}
	}

	dropped := len(s.messages)
	s.messages = models.CloneMessages(msgs)
	s.index = index
	s.commitLocked()
	slog.Debug("InMemoryStore.InsertBatch succeeded", "previous", dropped, "count", len(s.messages))
	return nil
}

// Update replaces the entry with m.ID in place; no-op if absent.
func (s *InMemoryStore) Update(m models.Message) error {
	return s.Replace(m.ID, m)
}

// Replace swaps the entry at oldID for m, keeping its position. It is a
// no-op if oldID is absent. When m.ID already belongs to another entry, that
// entry is overwritten with m and the oldID entry is dropped, so ids stay
// unique.
func (s *InMemoryStore) Replace(oldID string, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		return ErrEmptyID
	}
	pos, ok := s.index[oldID]
	if !ok {
		slog.Debug("InMemoryStore.Replace: id not found, ignoring", "id", oldID)
		return nil
	}
	if s.repo != nil {
		if err := s.repo.ReplaceMessage(oldID, m); err != nil {
			slog.Error("InMemoryStore.Replace: persist failed", "error", err, "oldID", oldID, "newID", m.ID)
			return &PersistError{Op: "replace", Err: err}
		}
	}

	if other, taken := s.index[m.ID]; taken && other != pos {
		s.messages[other] = m
		s.messages = append(s.messages[:pos], s.messages[pos+1:]...)
		s.index, _ = buildIndex(s.messages)
		slog.Warn("InMemoryStore.Replace: new id already present, merged entries", "oldID", oldID, "newID", m.ID)
	} else {
		s.messages[pos] = m
		if oldID != m.ID {
			delete(s.index, oldID)
			s.index[m.ID] = pos
		}
	}
	s.commitLocked()
	slog.Debug("InMemoryStore.Replace succeeded", "oldID", oldID, "newID", m.ID, "pendingSync", m.PendingSync)
	return nil
}

// MarkPendingSync flags the entry with id as not yet confirmed remotely.
func (s *InMemoryStore) MarkPendingSync(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		slog.Debug("InMemoryStore.MarkPendingSync: id not found, ignoring", "id", id)
		return nil
	}
	if s.messages[pos].PendingSync {
		return nil
	}
	if s.repo != nil {
		if err := s.repo.SetPendingSync(id, true); err != nil {
			slog.Error("InMemoryStore.MarkPendingSync: persist failed", "error", err, "id", id)
			return &PersistError{Op: "mark pending", Err: err}
		}
	}
	s.messages[pos] = s.messages[pos].WithPendingSync(true)
	s.commitLocked()
	slog.Debug("InMemoryStore.MarkPendingSync succeeded", "id", id)
	return nil
}

// Clear empties the list.
func (s *InMemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.DeleteAllMessages(); err != nil {
			slog.Error("InMemoryStore.Clear: persist failed", "error", err)
			return &PersistError{Op: "clear", Err: err}
		}
	}
	s.messages = nil
	s.index = make(map[string]int)
	s.commitLocked()
	slog.Debug("InMemoryStore.Clear succeeded")
	return nil
}

// Version returns the current snapshot version.
func (s *InMemoryStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// commitLocked bumps the version and hands every subscriber its own copy.
// Must be called with s.mu held.
func (s *InMemoryStore) commitLocked() {
	s.version++
	for _, sub := range s.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- s.snapshotLocked()
	}
}

func (s *InMemoryStore) snapshotLocked() Snapshot {
	return Snapshot{Version: s.version, Messages: models.CloneMessages(s.messages)}
}

func buildIndex(msgs []models.Message) (map[string]int, error) {
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			return nil, ErrEmptyID
		}
		if _, dup := index[m.ID]; dup {
			return nil, fmt.Errorf("batch %s: %w", m.ID, ErrDuplicateID)
		}
		index[m.ID] = i
	}
	return index, nil
}
