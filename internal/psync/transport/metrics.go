package transport

import (
	"context"
	"time"

	"psync/internal/psync"
	"psync/internal/psync/metrics"
)

// MetricsTransport wraps a psync.Transport with metrics collection
type MetricsTransport struct {
	transport psync.Transport
	registry  *metrics.Registry
}

// NewMetricsTransport creates a new instrumented transport
func NewMetricsTransport(transport psync.Transport, registry *metrics.Registry) psync.Transport {
	return &MetricsTransport{
		transport: transport,
		registry:  registry,
	}
}

// Publish implements psync.Transport.Publish with metrics collection
func (t *MetricsTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	start := time.Now()

	err := t.transport.Publish(ctx, channel, payload)

	t.registry.RecordPublish(channel, time.Since(start), err)

	return err
}

// Subscribe implements psync.Transport.Subscribe. Subscriptions are passed
// through untouched; resync signals are recorded by the consumer that
// observes them.
func (t *MetricsTransport) Subscribe(ctx context.Context, channels ...string) (psync.Subscription, error) {
	return t.transport.Subscribe(ctx, channels...)
}

// Close implements psync.Transport.Close
func (t *MetricsTransport) Close() error {
	return t.transport.Close()
}
