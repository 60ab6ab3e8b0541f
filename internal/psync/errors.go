package psync

import "errors"

// Error taxonomy for the sync engine. Components wrap these sentinels with
// fmt.Errorf("...: %w", ...) so callers can branch on errors.Is without
// parsing messages.
var (
	// ErrTransportUnavailable means a publish or subscribe could not reach
	// the broadcast backend. Recoverable; callers retry with backoff.
	ErrTransportUnavailable = errors.New("broadcast transport unavailable")

	// ErrSourcePollFailed means the policy source could not be polled. The
	// detector stays degraded and the last known revision remains
	// authoritative.
	ErrSourcePollFailed = errors.New("policy source poll failed")

	// ErrFetchFailed means a single data source entry could not be fetched.
	// Scoped to the entry; other entries are unaffected.
	ErrFetchFailed = errors.New("data fetch failed")

	// ErrPolicyApplyFailed means the policy store rejected a payload. The
	// previously applied state is left intact.
	ErrPolicyApplyFailed = errors.New("policy apply failed")

	// ErrProtocolViolation means a client observed something the stream
	// contract forbids, such as an out-of-order event id. Forces a resync,
	// never fatal.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAuthenticationFailed is fatal to the session or request that
	// presented the bad credential, never to the replica.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrResyncRequired means incremental catch-up is impossible (cursor
	// older than the replay window, or a transport gap could not be ruled
	// out) and the client must take a full snapshot.
	ErrResyncRequired = errors.New("resync required")
)
