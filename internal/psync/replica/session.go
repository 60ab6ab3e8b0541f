package replica

import (
	"sync"
	"time"

	"psync/internal/psync"
)

// Session is the server-side half of a client session. It is a logical
// identity with its own cursor state, decoupled from any single connection:
// the connection handler that currently owns it consumes Outbound.
type Session struct {
	ID string

	mu       sync.Mutex
	state    psync.SessionState
	patterns []string
	cursors  map[string]uint64
	out      chan psync.Frame
	lastSeen time.Time
}

func newSession(id string, queueSize int) *Session {
	return &Session{
		ID:       id,
		state:    psync.SessionConnecting,
		cursors:  make(map[string]uint64),
		out:      make(chan psync.Frame, queueSize),
		lastSeen: time.Now(),
	}
}

// Outbound is the ordered, single-consumer stream of frames for the
// connection currently holding the session. It is closed on suspend, drain
// and close; buffered frames remain receivable after close.
func (s *Session) Outbound() <-chan psync.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// State returns the current lifecycle state.
func (s *Session) State() psync.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursors returns a copy of the per-topic last-acked ids.
func (s *Session) Cursors() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]uint64, len(s.cursors))
	for t, id := range s.cursors {
		out[t] = id
	}
	return out
}

// Topics returns the subscription patterns.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.patterns...)
}

// ack records a client acknowledgment. Cursors only move forward.
func (s *Session) ack(topic string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id > s.cursors[topic] {
		s.cursors[topic] = id
	}
	s.lastSeen = time.Now()
}

// enqueue appends an event to the outbound stream. Returns false on
// overflow or when the session is not accepting deliveries; the caller then
// forces a resync instead of dropping silently.
func (s *Session) enqueue(e psync.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Suspended sessions owe nothing now; the replay window serves them on
	// resume. Draining and closed sessions owe nothing at all.
	if s.state != psync.SessionActive && s.state != psync.SessionResyncing {
		return true
	}

	select {
	case s.out <- psync.Frame{Type: psync.FrameEvent, Event: &e}:
		return true
	default:
		return false
	}
}

// forceResync flips the session into the resyncing state and replaces its
// pending stream with a single resync directive. The client responds by
// taking a full snapshot; the stream then continues from the given heads.
func (s *Session) forceResync(info psync.ResyncInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != psync.SessionActive && s.state != psync.SessionResyncing {
		return
	}
	s.state = psync.SessionResyncing

	// Drain whatever is queued; it predates the snapshot the client is
	// about to take.
	for {
		select {
		case <-s.out:
			continue
		default:
		}
		break
	}

	for topic, head := range info.Heads {
		if head.ID > s.cursors[topic] {
			s.cursors[topic] = head.ID
		}
	}

	select {
	case s.out <- psync.Frame{Type: psync.FrameResync, Resync: &info}:
	default:
	}
}

// resynced marks the client's snapshot complete, resuming live delivery.
func (s *Session) resynced() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == psync.SessionResyncing {
		s.state = psync.SessionActive
	}
}

// suspend parks the session when its connection drops. Identity and cursors
// survive; the outbound channel is closed so the old handler unwinds.
func (s *Session) suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == psync.SessionClosed || s.state == psync.SessionSuspended {
		return
	}
	s.state = psync.SessionSuspended
	s.lastSeen = time.Now()
	close(s.out)
}

// resume reactivates a suspended (or brand new) session with a fresh
// outbound channel, new patterns and the cursors the client reported.
func (s *Session) resume(patterns []string, cursors map[string]uint64, queueSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.patterns = append([]string(nil), patterns...)
	for t, id := range cursors {
		if id > s.cursors[t] {
			s.cursors[t] = id
		}
	}
	if s.state == psync.SessionSuspended || s.state == psync.SessionConnecting {
		s.out = make(chan psync.Frame, queueSize)
	}
	s.state = psync.SessionActive
	s.lastSeen = time.Now()
}

// drain stops new deliveries and closes the outbound channel; the handler
// flushes what is buffered and disconnects.
func (s *Session) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != psync.SessionActive && s.state != psync.SessionResyncing {
		return
	}
	s.state = psync.SessionDraining
	close(s.out)
}

// closeSession destroys the session after the idle timeout.
func (s *Session) closeSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == psync.SessionActive || s.state == psync.SessionResyncing {
		close(s.out)
	}
	s.state = psync.SessionClosed
}

// idleSince reports how long a suspended session has been without a
// connection.
func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != psync.SessionSuspended {
		return 0, false
	}
	return now.Sub(s.lastSeen), true
}
