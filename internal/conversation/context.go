// Package conversation provides the conversation entity, its token
// budgeting policy and persistent storage
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Snapshot is a point-in-time deep copy of a conversation
type Snapshot struct {
	ID           string          `json:"conversation_id"`
	Messages     []types.Message `json:"messages"`
	TotalTokens  int             `json:"total_tokens"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
}

// Info returns the listing metadata for the snapshot
func (s Snapshot) Info() types.ConversationInfo {
	return types.ConversationInfo{
		ConversationID: s.ID,
		CreatedAt:      s.CreatedAt,
		LastActiveAt:   s.LastActiveAt,
		MessageCount:   len(s.Messages),
		TotalTokens:    s.TotalTokens,
	}
}

// Context holds one conversation's ordered history.
//
// History is mutated only through a Lease, and at most one Lease exists
// per Context at a time. A turn holds its Lease from before window
// fitting until after commit, including the wait on the completion
// service, so turns on one conversation never interleave.
type Context struct {
	id        string
	createdAt time.Time

	// turn is a one-slot semaphore; holding the slot is holding the Lease.
	turn chan struct{}

	// mu guards the fields below. It is held only to copy or swap them,
	// never across a completion call, so readers such as List are not
	// blocked by slow turns.
	mu           sync.RWMutex
	messages     []types.Message
	totalTokens  int
	lastActiveAt time.Time
	detached     bool
}

// New creates an empty conversation, optionally seeded with messages
// (typically a system prompt).
func New(id string, now time.Time, seed ...types.Message) *Context {
	msgs := make([]types.Message, len(seed))
	copy(msgs, seed)
	return &Context{
		id:           id,
		createdAt:    now,
		turn:         make(chan struct{}, 1),
		messages:     msgs,
		totalTokens:  SumTokens(msgs),
		lastActiveAt: now,
	}
}

// FromSnapshot rebuilds a conversation from persisted state
func FromSnapshot(s Snapshot) *Context {
	c := New(s.ID, s.CreatedAt, s.Messages...)
	c.lastActiveAt = s.LastActiveAt
	return c
}

// ID returns the conversation id
func (c *Context) ID() string {
	return c.id
}

// CreatedAt returns when the conversation was created
func (c *Context) CreatedAt() time.Time {
	return c.createdAt
}

// Acquire blocks until the caller holds the conversation's exclusive
// Lease or ctx is done. It fails with ErrDetached if the conversation
// was removed from its store before the Lease was granted.
func (c *Context) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if c.Detached() {
		<-c.turn
		return nil, ErrDetached
	}
	return &Lease{c: c}, nil
}

// TryAcquire returns a Lease only if no turn is in flight
func (c *Context) TryAcquire() (*Lease, bool) {
	select {
	case c.turn <- struct{}{}:
		return &Lease{c: c}, true
	default:
		return nil, false
	}
}

// Busy reports whether a Lease is currently held
func (c *Context) Busy() bool {
	return len(c.turn) == 1
}

// Detach marks the conversation as removed from its store. Turns that
// already hold the Lease finish normally; later Acquire calls fail.
func (c *Context) Detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

// Detached reports whether Detach was called
func (c *Context) Detached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detached
}

// Snapshot returns a deep copy of the committed state
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Info returns listing metadata without copying messages
func (c *Context) Info() types.ConversationInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.ConversationInfo{
		ConversationID: c.id,
		CreatedAt:      c.createdAt,
		LastActiveAt:   c.lastActiveAt,
		MessageCount:   len(c.messages),
		TotalTokens:    c.totalTokens,
	}
}

// LastActiveAt returns the time of the last committed turn
func (c *Context) LastActiveAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActiveAt
}

func (c *Context) snapshotLocked() Snapshot {
	msgs := make([]types.Message, len(c.messages))
	copy(msgs, c.messages)
	return Snapshot{
		ID:           c.id,
		Messages:     msgs,
		TotalTokens:  c.totalTokens,
		CreatedAt:    c.createdAt,
		LastActiveAt: c.lastActiveAt,
	}
}

// Lease is exclusive access to one conversation for the duration of a
// turn. It is not safe for use by more than one goroutine.
type Lease struct {
	c        *Context
	released bool
}

// ID returns the leased conversation's id
func (l *Lease) ID() string {
	return l.c.id
}

// Messages returns a copy of the committed history
func (l *Lease) Messages() []types.Message {
	return l.c.Snapshot().Messages
}

// Snapshot returns a deep copy of the committed state
func (l *Lease) Snapshot() Snapshot {
	return l.c.Snapshot()
}

// Commit replaces the history with w. The window must be internally
// consistent: its total must equal the sum of its messages and its
// messages must be ordered by creation time.
func (l *Lease) Commit(w Window, now time.Time) error {
	if l.released {
		return fmt.Errorf("commit on released lease for conversation %s", l.c.id)
	}
	if sum := SumTokens(w.Messages); sum != w.TotalTokens {
		return fmt.Errorf("window total %d does not match message sum %d", w.TotalTokens, sum)
	}
	for i := 1; i < len(w.Messages); i++ {
		if w.Messages[i].CreatedAt.Before(w.Messages[i-1].CreatedAt) {
			return fmt.Errorf("window message %d predates message %d", i, i-1)
		}
	}

	msgs := make([]types.Message, len(w.Messages))
	copy(msgs, w.Messages)

	l.c.mu.Lock()
	l.c.messages = msgs
	l.c.totalTokens = w.TotalTokens
	l.c.lastActiveAt = now
	l.c.mu.Unlock()
	return nil
}

// PendingSnapshot returns the snapshot that Commit(w, now) would produce
func (l *Lease) PendingSnapshot(w Window, now time.Time) Snapshot {
	msgs := make([]types.Message, len(w.Messages))
	copy(msgs, w.Messages)
	return Snapshot{
		ID:           l.c.id,
		Messages:     msgs,
		TotalTokens:  w.TotalTokens,
		CreatedAt:    l.c.createdAt,
		LastActiveAt: now,
	}
}

// Release gives up the Lease. Calling Release more than once is a no-op.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.c.turn
}
