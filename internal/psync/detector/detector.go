// Package detector watches the external policy source and turns observed
// revision changes into change events on the broadcast bus.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"psync/internal/psync"
	"psync/internal/psync/metrics"
	"psync/internal/validator"
)

// Source is the versioned policy source boundary. Revision returns an opaque
// token that changes whenever the observable policy state changes.
type Source interface {
	Revision(ctx context.Context) (string, error)
}

// Publisher is where detected changes go; the server replica satisfies it.
type Publisher interface {
	PublishChange(ctx context.Context, e psync.ChangeEvent) error
}

// Config carries detector settings.
type Config struct {
	// Topic is the topic the detector announces on.
	Topic string
	// PayloadRef tells clients where to fetch the bundle for an announced
	// revision.
	PayloadRef string
	// Interval is the polling period.
	Interval time.Duration
	// DegradedAfter is how many consecutive poll failures flip the
	// detector into the degraded state.
	DegradedAfter int
}

// Detector polls the source, deduplicates by revision token and publishes
// one event per observed change. Poll failures back off exponentially and
// eventually mark the detector degraded; they never crash the replica, and
// the last known revision stays authoritative throughout.
type Detector struct {
	cfg       Config
	source    Source
	publisher Publisher
	logger    *zap.Logger
	registry  *metrics.Registry

	poke chan struct{}

	mu           sync.RWMutex
	lastRevision string
	ready        bool
	failures     int
}

func NewDetector(cfg Config, source Source, publisher Publisher, logger *zap.Logger, registry *metrics.Registry) (*Detector, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}

	d := Detector{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		logger:    logger.Named("detector").With(zap.String("topic", cfg.Topic)),
		registry:  registry,
		poke:      make(chan struct{}, 1),
	}

	if err := validator.Validate("detector", d.source, d.publisher, d.registry, d.cfg.Topic); err != nil {
		return nil, fmt.Errorf("failed to validate detector deps: %w", err)
	}

	return &d, nil
}

// Run polls until ctx is cancelled. Failed polls shorten-circuit the
// interval into an exponential backoff schedule; successful polls restore it.
func (d *Detector) Run(ctx context.Context) error {
	var backoff psync.Backoff

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.poke:
		case <-timer.C:
		}

		delay := d.cfg.Interval
		if err := d.poll(ctx); err != nil {
			delay = backoff.Next()
			if delay > d.cfg.Interval {
				delay = d.cfg.Interval
			}
		} else {
			backoff.Reset()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// Poke requests an immediate poll, e.g. from a source webhook. Coalesces
// with any pending request.
func (d *Detector) Poke() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

func (d *Detector) poll(ctx context.Context) error {
	start := time.Now()
	rev, err := d.source.Revision(ctx)
	if err != nil {
		d.registry.RecordPoll(false, time.Since(start), err)
		d.recordFailure(err)
		return fmt.Errorf("%w: %v", psync.ErrSourcePollFailed, err)
	}

	d.mu.Lock()
	changed := rev != d.lastRevision && rev != ""
	known := d.lastRevision
	d.ready = true
	d.failures = 0
	d.mu.Unlock()

	d.registry.RecordPoll(changed, time.Since(start), nil)

	if !changed {
		return nil
	}

	e := psync.ChangeEvent{
		Topic:      d.cfg.Topic,
		Revision:   rev,
		PayloadRef: d.cfg.PayloadRef,
	}
	if err := d.publisher.PublishChange(ctx, e); err != nil {
		// lastRevision is only advanced on a successful publish, so the
		// change is re-announced on the next poll.
		d.logger.Error("failed to publish change event", zap.Error(err))
		return err
	}

	d.mu.Lock()
	d.lastRevision = rev
	d.mu.Unlock()

	d.logger.Info("policy source changed",
		zap.String("from", known),
		zap.String("to", rev),
	)

	return nil
}

func (d *Detector) recordFailure(err error) {
	d.mu.Lock()
	d.failures++
	failures := d.failures
	d.mu.Unlock()

	if failures == d.cfg.DegradedAfter {
		d.logger.Warn("detector degraded, last known revision remains authoritative",
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		)
	} else {
		d.logger.Warn("policy source poll failed", zap.Error(err))
	}
}

// Ready reports whether the initial revision has been observed at least
// once. The readiness endpoint stays unready until this flips.
func (d *Detector) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// Degraded reports whether polling has failed often enough that the detector
// cannot currently vouch for the source.
func (d *Detector) Degraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.failures >= d.cfg.DegradedAfter
}

// LastRevision returns the last successfully announced revision.
func (d *Detector) LastRevision() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRevision
}
