package psync

import "context"

// Transport is the broadcast bus that makes independent server replicas
// behave as one logical server. Messages published to a channel reach every
// current subscriber of that channel at least once, preserving per-publisher
// order. Backends are interchangeable behind this contract; which one runs is
// a deployment concern selected by the broadcast URI.
type Transport interface {
	// Publish delivers payload to all current subscribers of channel. It
	// must not block indefinitely on an unreachable backend: after bounded
	// internal retries it fails with ErrTransportUnavailable.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens an infinite, non-restartable stream of messages for
	// the given channels until the subscription is closed. Implementations
	// reconnect on backend failure with backoff; when a reconnect cannot
	// rule out missed messages they signal on the subscription's Resync
	// channel instead of silently resuming.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Close releases the backend connection. Open subscriptions observe
	// their Messages channel closing.
	Close() error
}

// Subscription is one subscriber's view of the bus.
type Subscription interface {
	// Messages yields messages in arrival order. Closed when the
	// subscription or transport closes.
	Messages() <-chan Message

	// Resync signals that a delivery gap cannot be ruled out, e.g. after a
	// reconnect past backend-side message loss. The owner must treat its
	// local event history as suspect.
	Resync() <-chan struct{}

	Close() error
}

// Message is a raw broadcast payload tagged with its channel.
type Message struct {
	Channel string
	Payload []byte
}
