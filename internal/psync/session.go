package psync

// SessionState is the lifecycle of a client session. The session is a logical
// identity that outlives any single connection: disconnecting suspends it,
// reconnecting with a cursor inside the replay window resumes it, and only an
// idle timeout destroys it.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionSuspended
	SessionResyncing
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionSuspended:
		return "suspended"
	case SessionResyncing:
		return "resyncing"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}
