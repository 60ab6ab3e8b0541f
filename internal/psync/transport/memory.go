// Package transport provides the broadcast bus backends that link server
// replicas. All backends satisfy psync.Transport; the broadcast URI picks one
// at startup.
package transport

import (
	"context"
	"fmt"
	"sync"

	"psync/internal/psync"
)

// Memory is an in-process broadcast bus. It backs single-replica deployments
// and tests; several replicas sharing one Memory instance behave exactly like
// replicas sharing an external bus.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[*memorySubscription]struct{}),
	}
}

// Publish implements psync.Transport.Publish. Delivery to each subscriber is
// non-blocking: a subscriber whose buffer is full gets a resync signal
// instead of stalling the publisher, which matches the bus contract (a gap
// that cannot be ruled out must be reported, not hidden).
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("memory bus closed: %w", psync.ErrTransportUnavailable)
	}
	subs := make([]*memorySubscription, 0, len(m.subs))
	for s := range m.subs {
		if s.covers(channel) {
			subs = append(subs, s)
		}
	}
	m.mu.RUnlock()

	msg := psync.Message{Channel: channel, Payload: payload}
	for _, s := range subs {
		s.deliver(msg)
	}

	return nil
}

// Subscribe implements psync.Transport.Subscribe.
func (m *Memory) Subscribe(ctx context.Context, channels ...string) (psync.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("memory bus closed: %w", psync.ErrTransportUnavailable)
	}

	s := newMemorySubscription(m, channels)
	m.subs[s] = struct{}{}

	return s, nil
}

// Close implements psync.Transport.Close.
func (m *Memory) Close() error {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	return nil
}

func (m *Memory) unsubscribe(s *memorySubscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

// memorySubscriptionBuffer gives headroom for short bursts; beyond it the
// subscriber is considered lost and told to resync.
const memorySubscriptionBuffer = 256

type memorySubscription struct {
	bus      *Memory
	channels map[string]struct{}
	msgs     chan psync.Message
	resync   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newMemorySubscription(bus *Memory, channels []string) *memorySubscription {
	set := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}

	return &memorySubscription{
		bus:      bus,
		channels: set,
		msgs:     make(chan psync.Message, memorySubscriptionBuffer),
		resync:   make(chan struct{}, 1),
	}
}

func (s *memorySubscription) covers(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *memorySubscription) deliver(msg psync.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.msgs <- msg:
	default:
		// Buffer overflow: the subscriber fell too far behind to
		// guarantee gap-free delivery.
		select {
		case s.resync <- struct{}{}:
		default:
		}
	}
}

func (s *memorySubscription) Messages() <-chan psync.Message { return s.msgs }

func (s *memorySubscription) Resync() <-chan struct{} { return s.resync }

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.msgs)
	s.mu.Unlock()

	s.bus.unsubscribe(s)

	return nil
}
