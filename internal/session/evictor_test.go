package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEvictIdle(t *testing.T) {
	clock := &fakeClock{now: base}
	p := newMemPersister()

	var mu sync.Mutex
	var hooked []string
	s := newTestStore(t, Options{
		Now:       clock.Now,
		Persister: p,
		OnEvict: func(id string) {
			mu.Lock()
			hooked = append(hooked, id)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	s.GetOrCreate("stale")
	s.GetOrCreate("busy")
	clock.Advance(10 * time.Minute)
	s.GetOrCreate("fresh")

	busy, _ := s.Get("busy")
	lease, err := busy.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	evicted := s.EvictIdle(ctx, 5*time.Minute)
	lease.Release()

	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("EvictIdle() = %v; want [stale]", evicted)
	}
	if _, err := s.Get("busy"); err != nil {
		t.Error("conversation with a turn in flight was evicted")
	}
	if _, err := s.Get("fresh"); err != nil {
		t.Error("fresh conversation was evicted")
	}
	if len(hooked) != 1 || hooked[0] != "stale" {
		t.Errorf("OnEvict calls = %v; want [stale]", hooked)
	}
	if len(p.deleted) != 1 {
		t.Errorf("persister deletions = %v; want 1", p.deleted)
	}
}

func TestStartEvictor(t *testing.T) {
	clock := &fakeClock{now: base}
	evictedCh := make(chan string, 1)
	s := newTestStore(t, Options{
		Now:     clock.Now,
		OnEvict: func(id string) { evictedCh <- id },
	})

	s.GetOrCreate("idle")
	clock.Advance(time.Hour)

	if err := s.StartEvictor(context.Background(), 5*time.Millisecond, time.Minute); err != nil {
		t.Fatalf("StartEvictor() error = %v", err)
	}
	if err := s.StartEvictor(context.Background(), 5*time.Millisecond, time.Minute); err == nil {
		t.Error("second StartEvictor() succeeded; want error")
	}

	select {
	case id := <-evictedCh:
		if id != "idle" {
			t.Errorf("evicted %q; want idle", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("evictor did not run")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestStartEvictorRejectsBadDurations(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.StartEvictor(context.Background(), 0, time.Minute); err == nil {
		t.Error("StartEvictor(0, 1m) succeeded; want error")
	}
}
