package events

import (
	"context"
	"sync"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]*subscriber
}

type subscriber struct {
	ch   chan any
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// send delivers p. A blocking send waits for the reader, for the subscriber to
// go away, or for ctx.
func (s *subscriber) send(ctx context.Context, p any, block bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !block {
		select {
		case s.ch <- p:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
		return nil
	}
	select {
	case s.ch <- p:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done) // releases a blocked sender before we take the lock
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]*subscriber)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	s := &subscriber{ch: make(chan any, buffer), done: make(chan struct{})}

	b.mu.Lock()
	b.subs[e] = append(b.subs[e], s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == s {
				b.subs[e] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.close()
	}
	return s.ch, unsub
}

func (b *Bus) snapshot(e Event) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*subscriber(nil), b.subs[e]...)
}

// Publish fans out the payload without blocking; slow subscribers miss it.
func (b *Bus) Publish(e Event, payload any) {
	for _, s := range b.snapshot(e) {
		_ = s.send(context.Background(), payload, false)
	}
}

// PublishWait delivers payload to every current subscriber, waiting for slow
// readers. It returns ctx.Err() if ctx ends before every subscriber received
// it; earlier subscribers may already have the payload.
func (b *Bus) PublishWait(ctx context.Context, e Event, payload any) error {
	for _, s := range b.snapshot(e) {
		if err := s.send(ctx, payload, true); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers returns the number of listeners for e.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}
