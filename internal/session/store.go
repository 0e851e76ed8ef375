// Package session provides the process-wide registry of conversations
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("session store closed")

// Options configures a Store
type Options struct {
	// Seed returns the messages every new conversation starts with,
	// typically a system prompt. Nil means conversations start empty.
	Seed func(now time.Time) []types.Message

	// Persister, when set, receives deletions and is the source for
	// Restore. Turn commits reach it through Save.
	Persister conversation.Persister

	// OnEvict is called after a conversation is removed by idle eviction
	OnEvict func(id string)

	// Now overrides the clock, for tests
	Now func() time.Time

	Logger *slog.Logger
}

// Store maps conversation ids to conversations.
//
// The map lock is held only to insert, remove or copy entries. Turns lock
// their own conversation through conversation.Context.Acquire, so turns
// on different conversations never contend here.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*conversation.Context
	closed   bool

	seed      func(time.Time) []types.Message
	persister conversation.Persister
	onEvict   func(string)
	now       func() time.Time
	logger    *slog.Logger

	// persistMu orders journal writes against deletions so a turn that
	// finishes after its conversation was deleted cannot write it back.
	persistMu sync.Mutex

	stopEvictor context.CancelFunc
	evictorDone chan struct{}
}

// NewStore creates an empty store
func NewStore(opts Options) *Store {
	s := &Store{
		contexts:  make(map[string]*conversation.Context),
		seed:      opts.Seed,
		persister: opts.Persister,
		onEvict:   opts.OnEvict,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// Persister returns the configured persister, or nil
func (s *Store) Persister() conversation.Persister {
	return s.persister
}

// GetOrCreate returns the conversation for id, creating it if unseen.
// Concurrent callers racing on the same unseen id all receive the same
// instance; created reports whether this call made it.
func (s *Store) GetOrCreate(id string) (c *conversation.Context, created bool, err error) {
	s.mu.RLock()
	c, ok := s.contexts[id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, false, ErrClosed
	}
	if ok {
		return c, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if c, ok := s.contexts[id]; ok {
		return c, false, nil
	}

	now := s.now()
	var seed []types.Message
	if s.seed != nil {
		seed = s.seed(now)
	}
	c = conversation.New(id, now, seed...)
	s.contexts[id] = c

	s.logger.Info("created conversation", "conversation_id", id, "total", len(s.contexts))
	return c, true, nil
}

// Get returns the conversation for id without creating it
func (s *Store) Get(id string) (*conversation.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.contexts[id]
	if !ok {
		return nil, conversation.NewError(conversation.KindNotFound, "get", id, nil)
	}
	return c, nil
}

// Delete removes a conversation. Delete is best-effort relative to
// in-flight turns: a turn already holding the conversation's lease
// completes against the detached instance and its result is not
// retained; a turn that has not yet acquired the lease sees the deletion.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	c, ok := s.contexts[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("attempted to delete unknown conversation", "conversation_id", id)
		return conversation.NewError(conversation.KindNotFound, "delete", id, nil)
	}
	delete(s.contexts, id)
	c.Detach()
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Delete(ctx, id); err != nil {
			return conversation.NewError(conversation.KindStorage, "delete", id, err)
		}
	}

	s.logger.Info("deleted conversation", "conversation_id", id)
	return nil
}

// Save journals a committed turn to the persister. Snapshots of
// conversations that are no longer registered, or whose id now names a
// newer conversation, are dropped.
func (s *Store) Save(ctx context.Context, snap conversation.Snapshot) error {
	if s.persister == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	c, ok := s.contexts[snap.ID]
	s.mu.RUnlock()
	if !ok || c.Detached() || !c.CreatedAt().Equal(snap.CreatedAt) {
		s.logger.Debug("dropping journal write for removed conversation", "conversation_id", snap.ID)
		return nil
	}
	return s.persister.Save(ctx, snap)
}

// List returns a point-in-time snapshot of conversation metadata ordered
// by creation time, then id.
func (s *Store) List() []types.ConversationInfo {
	s.mu.RLock()
	entries := make([]*conversation.Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		entries = append(entries, c)
	}
	s.mu.RUnlock()

	infos := make([]types.ConversationInfo, 0, len(entries))
	for _, c := range entries {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ConversationID < infos[j].ConversationID
	})
	return infos
}

// Len returns the number of conversations
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Restore loads every persisted conversation into the store. Ids already
// present are left untouched.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}

	snaps, err := s.persister.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	restored := 0
	for _, snap := range snaps {
		if _, exists := s.contexts[snap.ID]; exists {
			continue
		}
		s.contexts[snap.ID] = conversation.FromSnapshot(snap)
		restored++
	}

	s.logger.Info("restored conversations", "count", restored)
	return restored, nil
}

// Closed reports whether Close has been called
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops the evictor and detaches every conversation. It does not
// close the persister, which the caller owns.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, c := range s.contexts {
		c.Detach()
		delete(s.contexts, id)
	}
	stop, done := s.stopEvictor, s.evictorDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return nil
}
