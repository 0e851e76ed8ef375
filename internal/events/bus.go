package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber queue depth
const subscriberBuffer = 100

// Bus fans events out to named subscribers. A subscriber whose queue is
// full misses the event; the miss is counted against its name.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]*subscriber
	retired     map[string]uint64 // drops of subscribers that have left
	closed      bool
}

type subscriber struct {
	name    string
	dropped atomic.Uint64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]*subscriber),
		retired:     make(map[string]uint64),
	}
}

// Subscribe returns a channel receiving every published event. The channel
// is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(name string) (chan *Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	ch := make(chan *Event, subscriberBuffer)
	b.subscribers[ch] = &subscriber{name: name}
	return ch, nil
}

// Unsubscribe removes and closes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(ch)
}

func (b *Bus) remove(ch chan *Event) {
	sub, ok := b.subscribers[ch]
	if !ok {
		return
	}
	if n := sub.dropped.Load(); n > 0 {
		b.retired[sub.name] += n
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Publish delivers event to every subscriber with room for it, assigning
// an ID first if it has none. It never waits on a full subscriber.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for ch, sub := range b.subscribers {
		select {
		case ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Close closes every subscription; later Publish and Subscribe calls fail.
// Closing twice is harmless.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subscribers {
		b.remove(ch)
	}
	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events each subscriber name has missed,
// including subscribers that have since left
func (b *Bus) Dropped() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]uint64, len(b.retired))
	for name, n := range b.retired {
		out[name] = n
	}
	for _, sub := range b.subscribers {
		if n := sub.dropped.Load(); n > 0 {
			out[sub.name] += n
		}
	}
	return out
}

// Streamer forwards the bus events matching a filter
type Streamer struct {
	bus    *Bus
	name   string
	filter EventFilter
}

// NewStreamer creates a streamer subscribing to bus as name
func NewStreamer(bus *Bus, name string, filter EventFilter) *Streamer {
	return &Streamer{bus: bus, name: name, filter: filter}
}

// Start streams matching events to the returned channel until ctx is done
// or the bus closes. Events are dropped while the reader lags.
func (s *Streamer) Start(ctx context.Context) (<-chan *Event, error) {
	ch, err := s.bus.Subscribe(s.name)
	if err != nil {
		return nil, err
	}

	out := make(chan *Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if !s.filter.Matches(event) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()

	return out, nil
}
