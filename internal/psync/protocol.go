package psync

// Wire frames for the client event stream. The client opens the stream with
// a Hello; the server answers with a resume or resync frame and then streams
// event frames; acks flow back on the same connection.

const (
	FrameResume = "resume"
	FrameResync = "resync"
	FrameEvent  = "event"
	FrameAck    = "ack"
)

// Hello announces a client's identity, credential, desired topic set and
// per-topic cursors when it connects. An empty SessionID asks the server to
// mint a new session.
type Hello struct {
	SessionID string            `json:"sessionId,omitempty"`
	Token     string            `json:"token,omitempty"`
	Topics    []string          `json:"topics"`
	Cursors   map[string]uint64 `json:"cursors,omitempty"`
}

// Frame is one message on the stream, in either direction. Exactly one of
// the pointer fields is set, matching Type.
type Frame struct {
	Type string `json:"type"`
	// SessionID is set on the first server frame so the client learns the
	// identity it must present on reconnect.
	SessionID string       `json:"sessionId,omitempty"`
	Event     *ChangeEvent `json:"event,omitempty"`
	Resync    *ResyncInfo  `json:"resync,omitempty"`
	Ack       *Ack         `json:"ack,omitempty"`
}

// ResyncInfo tells a client that incremental catch-up is impossible and a
// full snapshot is required. Heads carry the current position per topic so
// the incremental stream that follows is consistent with the snapshot.
type ResyncInfo struct {
	Reason string               `json:"reason"`
	Heads  map[string]TopicHead `json:"heads,omitempty"`
}

// TopicHead is the latest known position of one topic.
type TopicHead struct {
	ID         uint64 `json:"id"`
	Revision   string `json:"revision,omitempty"`
	PayloadRef string `json:"payloadRef,omitempty"`
}

// Ack acknowledges application of an event. Advisory: it lets the server
// trim delivery state, but client-side correctness never depends on it.
type Ack struct {
	Topic string `json:"topic"`
	ID    uint64 `json:"id"`
}

// Resync reasons reported to clients and metrics.
const (
	ResyncReasonWindow    = "window"    // cursor older than the replay window
	ResyncReasonTransport = "transport" // broadcast gap could not be ruled out
	ResyncReasonOverflow  = "overflow"  // session outbound queue overflowed
	ResyncReasonProtocol  = "protocol"  // client observed an ordering violation
)
