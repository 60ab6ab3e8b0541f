package transport

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"psync/internal/psync"
	"psync/internal/psync/tracing"
)

// TracedTransport wraps a psync.Transport with distributed tracing
// Layer order: TracedTransport -> MetricsTransport -> backend (real thing)
type TracedTransport struct {
	transport psync.Transport
	tracer    *tracing.Tracer
}

// NewTracedTransport creates a new traced transport
func NewTracedTransport(transport psync.Transport, tracer *tracing.Tracer) psync.Transport {
	return &TracedTransport{
		transport: transport,
		tracer:    tracer,
	}
}

// Publish implements psync.Transport.Publish with distributed tracing
func (t *TracedTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, span := t.tracer.StartSpan(ctx, "transport.publish")
	defer span.End()

	span.SetAttributes(t.tracer.TransportAttributes(channel)...)
	span.SetAttributes(attribute.Int("psync.payload_bytes", len(payload)))

	err := t.transport.Publish(ctx, channel, payload)

	if err != nil {
		t.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(t.tracer.ErrorAttributes(err)...)
	return err
}

// Subscribe implements psync.Transport.Subscribe with distributed tracing
// around the subscribe call itself; the message stream is not traced.
func (t *TracedTransport) Subscribe(ctx context.Context, channels ...string) (psync.Subscription, error) {
	ctx, span := t.tracer.StartSpan(ctx, "transport.subscribe")
	defer span.End()

	span.SetAttributes(attribute.StringSlice("psync.channels", channels))

	sub, err := t.transport.Subscribe(ctx, channels...)

	if err != nil {
		t.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(t.tracer.ErrorAttributes(err)...)
	return sub, err
}

// Close implements psync.Transport.Close
func (t *TracedTransport) Close() error {
	return t.transport.Close()
}
