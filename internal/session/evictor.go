package session

import (
	"context"
	"fmt"
	"time"
)

// EvictIdle removes conversations whose last activity is older than idle.
// Conversations with a turn in flight are skipped. Evicted conversations
// are also removed from the persister. Returns the evicted ids.
func (s *Store) EvictIdle(ctx context.Context, idle time.Duration) []string {
	cutoff := s.now().Add(-idle)

	s.mu.RLock()
	var candidates []string
	for id, c := range s.contexts {
		if c.LastActiveAt().Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	var evicted []string
	for _, id := range candidates {
		if s.evictOne(ctx, id, cutoff) {
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		s.logger.Info("evicted idle conversations", "count", len(evicted), "idle", idle)
	}
	return evicted
}

func (s *Store) evictOne(ctx context.Context, id string, cutoff time.Time) bool {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	c, ok := s.contexts[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	lease, free := c.TryAcquire()
	if !free {
		s.mu.Unlock()
		return false
	}
	// Re-check under the lease: a turn may have committed since the scan.
	if !c.LastActiveAt().Before(cutoff) {
		lease.Release()
		s.mu.Unlock()
		return false
	}
	delete(s.contexts, id)
	c.Detach()
	lease.Release()
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Delete(ctx, id); err != nil {
			s.logger.Error("removing evicted conversation from persister", "conversation_id", id, "error", err)
		}
	}
	if s.onEvict != nil {
		s.onEvict(id)
	}
	return true
}

// StartEvictor runs EvictIdle every interval until ctx is done or the
// store is closed. Only one evictor may run per store.
func (s *Store) StartEvictor(ctx context.Context, interval, idle time.Duration) error {
	if interval <= 0 || idle <= 0 {
		return fmt.Errorf("evictor interval and idle must be positive (got %v, %v)", interval, idle)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.stopEvictor != nil {
		s.mu.Unlock()
		return fmt.Errorf("evictor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopEvictor = cancel
	s.evictorDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.EvictIdle(ctx, idle)
			}
		}
	}()

	s.logger.Info("idle evictor started", "interval", interval, "idle", idle)
	return nil
}
