package replica

import (
	"time"

	"psync/internal/psync"
)

// window is the bounded replay history for one topic. It assigns the
// per-topic delivery sequence as events are admitted and keeps enough recent
// events to serve reconnecting clients incrementally; anything older forces a
// full resync.
type window struct {
	max    int
	events []psync.ChangeEvent // ascending ids
	nextID uint64
	// seen holds dedup keys of events still inside the window plus the
	// head, so concurrent announcements of the same change collapse into
	// one admitted event.
	seen map[string]struct{}
	head psync.ChangeEvent
	// floor is the last id assigned before the most recent invalidation.
	// Cursors at or below it cannot be verified against the history.
	floor uint64
}

func newWindow(max int) *window {
	return &window{
		max:    max,
		nextID: 1,
		seen:   make(map[string]struct{}),
	}
}

// admit assigns the next id to the event and appends it, unless an event
// with the same dedup key was already admitted. Returns the event with its
// id set and whether it was admitted.
func (w *window) admit(e psync.ChangeEvent) (psync.ChangeEvent, bool) {
	key := e.DedupKey()
	if _, dup := w.seen[key]; dup {
		return psync.ChangeEvent{}, false
	}

	e.ID = w.nextID
	w.nextID++
	if e.PublishTime == nil {
		now := time.Now().UTC()
		e.PublishTime = &now
	}

	w.seen[key] = struct{}{}
	w.events = append(w.events, e)
	w.head = e

	if len(w.events) > w.max {
		// Drop the oldest half to amortise slice copying.
		drop := len(w.events) / 2
		for _, old := range w.events[:drop] {
			if old.DedupKey() != w.head.DedupKey() {
				delete(w.seen, old.DedupKey())
			}
		}
		copy(w.events, w.events[drop:])
		w.events = w.events[:len(w.events)-drop]
	}

	return e, true
}

// since returns the events with id > after, in order. ok is false when the
// cursor falls outside the retained history, meaning the caller needs a full
// resync: events past it were compacted away, the cursor refers to ids this
// replica never assigned, or it predates an invalidation.
func (w *window) since(after uint64) ([]psync.ChangeEvent, bool) {
	last := w.nextID - 1
	if after > last {
		return nil, false
	}
	if w.floor > 0 && after <= w.floor {
		return nil, false
	}
	if after == last {
		return nil, true
	}

	if len(w.events) == 0 || w.events[0].ID > after+1 {
		return nil, false
	}

	out := make([]psync.ChangeEvent, 0, len(w.events))
	for _, e := range w.events {
		if e.ID > after {
			out = append(out, e)
		}
	}

	return out, true
}

// invalidate discards the retained events and raises the floor so since()
// fails for every cursor taken before this point, the head included. Used
// when a broadcast gap cannot be ruled out: the history is no longer
// trustworthy. The sequence keeps advancing so ids are never reused.
func (w *window) invalidate() {
	w.floor = w.nextID - 1
	w.events = nil
	w.seen = map[string]struct{}{}
	if w.head.ID != 0 {
		w.seen[w.head.DedupKey()] = struct{}{}
	}
}

// topicHead reports the window's current position for resync handshakes.
func (w *window) topicHead() psync.TopicHead {
	return psync.TopicHead{
		ID:         w.head.ID,
		Revision:   w.head.Revision,
		PayloadRef: w.head.PayloadRef,
	}
}
