package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"psync/internal/psync"
	"psync/internal/psync/metrics"
	"psync/internal/psync/policystore"
	"psync/internal/validator"
)

// Engine runs data source fetches. Entries are fetched concurrently and
// fully isolated from each other: one entry's failure is retried with
// backoff up to the attempt budget, then reported, and never delays or fails
// any other entry.
type Engine struct {
	registry *Registry
	updater  *policystore.Updater
	logger   *zap.Logger
	metrics  *metrics.Registry

	attempts    int
	concurrency int
}

func NewEngine(registry *Registry, updater *policystore.Updater, logger *zap.Logger, m *metrics.Registry, attempts, concurrency int) (*Engine, error) {
	if attempts <= 0 {
		attempts = 3
	}
	if concurrency <= 0 {
		concurrency = 8
	}

	e := Engine{
		registry:    registry,
		updater:     updater,
		logger:      logger.Named("fetch"),
		metrics:     m,
		attempts:    attempts,
		concurrency: concurrency,
	}

	if err := validator.Validate("fetch engine", e.registry, e.updater, e.metrics); err != nil {
		return nil, fmt.Errorf("failed to validate fetch engine deps: %w", err)
	}

	return &e, nil
}

// Run fetches every entry and applies the payloads under the given
// revision. The returned error summarises per-entry failures; successful
// entries have already been applied when it is non-nil.
func (e *Engine) Run(ctx context.Context, revision string, entries []psync.DataSourceEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var mu sync.Mutex
	var failed []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := e.fetchEntry(gctx, revision, entry); err != nil {
				e.logger.Error("entry fetch failed",
					zap.String("url", entry.URL),
					zap.String("topic", entry.Topic),
					zap.String("provider", entry.Fetcher),
					zap.Error(err),
				)
				mu.Lock()
				failed = append(failed, entry.URL)
				mu.Unlock()
			}
			// Failures are per entry; never cancel the group.
			return nil
		})
	}
	g.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d entries failed (%s): %w",
			len(failed), len(entries), strings.Join(failed, ", "), psync.ErrFetchFailed)
	}

	return nil
}

func (e *Engine) fetchEntry(ctx context.Context, revision string, entry psync.DataSourceEntry) error {
	provider, err := e.registry.Resolve(entry.Fetcher)
	if err != nil {
		return fmt.Errorf("%v: %w", err, psync.ErrFetchFailed)
	}

	var backoff psync.Backoff
	var doc any
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		start := time.Now()
		doc, lastErr = provider.Fetch(ctx, entry)
		e.metrics.RecordFetch(entry.Fetcher, time.Since(start), lastErr)

		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < e.attempts {
			e.logger.Warn("fetch attempt failed, retrying",
				zap.String("url", entry.URL),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			if err := psync.Wait(ctx, backoff.Next()); err != nil {
				return err
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("fetch of %s failed after %d attempts: %v: %w",
			entry.URL, e.attempts, lastErr, psync.ErrFetchFailed)
	}

	path := entry.DstPath
	if path == "" {
		path = entry.Topic
	}

	if err := e.updater.ApplyData(ctx, entry.Topic, path, doc, revision); err != nil {
		return fmt.Errorf("failed to apply fetched data: %w", err)
	}

	return nil
}
