package eventbus

import "sync"

// Subscription is a live feed of events from a Bus. Callers must drain Events
// to avoid blocking publishers; Close releases the subscription.
type Subscription struct {
	Events <-chan Event
	bus    *Bus
	ch     chan Event
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ch)
}

// Bus fans out events to every live subscriber. A slow subscriber never
// blocks a publisher: its channel is buffered, and if full the oldest
// event is dropped rather than stalling transfer progress.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int
}

// NewBus returns a Bus whose per-subscriber buffer holds bufferSize events
// before dropping the oldest.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{subscribers: make(map[chan Event]struct{}), bufferSize: bufferSize}
}

// Subscribe registers a new listener and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return &Subscription{Events: ch, bus: b, ch: ch}
}

func (b *Bus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish fans ev out to every current subscriber, dropping the oldest
// buffered event for any subscriber whose channel is full.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close unregisters and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]struct{})
}
