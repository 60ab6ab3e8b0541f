package replica

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psync/internal/psync"
)

func TestWindow_AdmitAssignsSequence(t *testing.T) {
	w := newWindow(16)

	for i := 1; i <= 5; i++ {
		e, fresh := w.admit(psync.ChangeEvent{Topic: "policy", Revision: fmt.Sprintf("r%d", i)})
		require.True(t, fresh)
		assert.Equal(t, uint64(i), e.ID)
	}

	assert.Equal(t, uint64(5), w.topicHead().ID)
	assert.Equal(t, "r5", w.topicHead().Revision)
}

func TestWindow_AdmitDeduplicates(t *testing.T) {
	w := newWindow(16)

	_, fresh := w.admit(psync.ChangeEvent{Topic: "policy", Revision: "r1"})
	require.True(t, fresh)

	// Same change announced again, e.g. relayed by a sibling replica.
	_, fresh = w.admit(psync.ChangeEvent{Topic: "policy", Revision: "r1", Origin: "other"})
	assert.False(t, fresh)

	events, ok := w.since(0)
	require.True(t, ok)
	assert.Len(t, events, 1)
}

func TestWindow_SinceReturnsTail(t *testing.T) {
	w := newWindow(16)
	for i := 1; i <= 5; i++ {
		w.admit(psync.ChangeEvent{Topic: "policy", Revision: fmt.Sprintf("r%d", i)})
	}

	events, ok := w.since(3)
	require.True(t, ok)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].ID)
	assert.Equal(t, uint64(5), events[1].ID)

	// Cursor at the head means nothing is owed.
	events, ok = w.since(5)
	require.True(t, ok)
	assert.Empty(t, events)
}

func TestWindow_SinceRejectsFutureCursor(t *testing.T) {
	w := newWindow(16)
	w.admit(psync.ChangeEvent{Topic: "policy", Revision: "r1"})

	_, ok := w.since(7)
	assert.False(t, ok)
}

func TestWindow_CompactionForcesResync(t *testing.T) {
	w := newWindow(4)
	for i := 1; i <= 5; i++ {
		w.admit(psync.ChangeEvent{Topic: "policy", Revision: fmt.Sprintf("r%d", i)})
	}

	// Events 1 and 2 were compacted away.
	_, ok := w.since(0)
	assert.False(t, ok)
	_, ok = w.since(1)
	assert.False(t, ok)

	events, ok := w.since(2)
	require.True(t, ok)
	assert.Len(t, events, 3)
}

func TestWindow_SequenceSurvivesCompaction(t *testing.T) {
	w := newWindow(2)
	for i := 1; i <= 10; i++ {
		e, fresh := w.admit(psync.ChangeEvent{Topic: "policy", Revision: fmt.Sprintf("r%d", i)})
		require.True(t, fresh)
		assert.Equal(t, uint64(i), e.ID)
	}
}

func TestWindow_InvalidateRejectsCursorAtHead(t *testing.T) {
	w := newWindow(16)
	for i := 1; i <= 3; i++ {
		w.admit(psync.ChangeEvent{Topic: "policy", Revision: fmt.Sprintf("r%d", i)})
	}

	w.invalidate()

	// A cursor equal to the head is just as unverifiable as an older one:
	// sibling events lost on the bus could sit past it.
	_, ok := w.since(3)
	assert.False(t, ok)
	_, ok = w.since(0)
	assert.False(t, ok)

	// Events admitted after the invalidation are resumable again.
	e, fresh := w.admit(psync.ChangeEvent{Topic: "policy", Revision: "r4"})
	require.True(t, fresh)
	require.Equal(t, uint64(4), e.ID)

	events, ok := w.since(4)
	require.True(t, ok)
	assert.Empty(t, events)

	_, ok = w.since(3)
	assert.False(t, ok)
}

func TestWindow_InvalidateKeepsHeadAndSequence(t *testing.T) {
	w := newWindow(16)
	for i := 1; i <= 3; i++ {
		w.admit(psync.ChangeEvent{Topic: "policy", Revision: fmt.Sprintf("r%d", i)})
	}

	w.invalidate()

	// History is gone; any cursor inside it now requires a resync.
	_, ok := w.since(1)
	assert.False(t, ok)

	// The head dedup key survives so the same change is not re-admitted.
	_, fresh := w.admit(psync.ChangeEvent{Topic: "policy", Revision: "r3"})
	assert.False(t, fresh)

	// New changes continue the sequence, never reusing ids.
	e, fresh := w.admit(psync.ChangeEvent{Topic: "policy", Revision: "r4"})
	require.True(t, fresh)
	assert.Equal(t, uint64(4), e.ID)
}
