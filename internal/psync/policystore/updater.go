package policystore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"psync/internal/psync"
	"psync/internal/psync/metrics"
	"psync/internal/validator"
)

// Updater applies bundles and data payloads as single transactions. Partial
// application is forbidden: any failure aborts the transaction and surfaces
// ErrPolicyApplyFailed with the prior state intact.
type Updater struct {
	store    psync.Store
	logger   *zap.Logger
	registry *metrics.Registry

	mu          sync.RWMutex
	lastApplied map[string]string // topic -> revision
}

func NewUpdater(store psync.Store, logger *zap.Logger, registry *metrics.Registry) (*Updater, error) {
	u := Updater{
		store:       store,
		logger:      logger.Named("updater"),
		registry:    registry,
		lastApplied: make(map[string]string),
	}

	if err := validator.Validate("updater", u.store, u.registry); err != nil {
		return nil, fmt.Errorf("failed to validate updater deps: %w", err)
	}

	return &u, nil
}

// ApplyBundle applies a full policy bundle for a topic.
func (u *Updater) ApplyBundle(ctx context.Context, topic string, b psync.Bundle) error {
	err := u.apply(ctx, func(txn psync.Txn) error {
		for id, module := range b.Policies {
			if err := txn.SetPolicy(id, module); err != nil {
				return fmt.Errorf("policy %s rejected: %w", id, err)
			}
		}
		for path, doc := range b.Data {
			if err := txn.SetData(path, doc); err != nil {
				return fmt.Errorf("data at %s rejected: %w", path, err)
			}
		}
		return nil
	})

	u.registry.RecordApply("bundle", err)
	if err != nil {
		u.logger.Error("bundle apply failed, previous state preserved",
			zap.String("topic", topic),
			zap.String("revision", b.Revision),
			zap.Error(err),
		)
		return err
	}

	u.markApplied(topic, b.Revision)
	u.logger.Info("bundle applied",
		zap.String("topic", topic),
		zap.String("revision", b.Revision),
		zap.Int("policies", len(b.Policies)),
	)

	return nil
}

// ApplyData applies a single fetched data document at a store path.
func (u *Updater) ApplyData(ctx context.Context, topic, path string, doc any, revision string) error {
	err := u.apply(ctx, func(txn psync.Txn) error {
		if err := txn.SetData(path, doc); err != nil {
			return fmt.Errorf("data at %s rejected: %w", path, err)
		}
		return nil
	})

	u.registry.RecordApply("data", err)
	if err != nil {
		u.logger.Error("data apply failed, previous state preserved",
			zap.String("topic", topic),
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}

	u.markApplied(topic, revision)
	u.logger.Debug("data applied",
		zap.String("topic", topic),
		zap.String("path", path),
		zap.String("revision", revision),
	)

	return nil
}

func (u *Updater) apply(ctx context.Context, fn func(psync.Txn) error) error {
	txn, err := u.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin store transaction: %v: %w", err, psync.ErrPolicyApplyFailed)
	}

	if err := fn(txn); err != nil {
		txn.Abort()
		return fmt.Errorf("%v: %w", err, psync.ErrPolicyApplyFailed)
	}

	if err := txn.Commit(ctx); err != nil {
		txn.Abort()
		return fmt.Errorf("failed to commit store transaction: %v: %w", err, psync.ErrPolicyApplyFailed)
	}

	return nil
}

// RecordRevision notes a revision as applied without touching the store,
// for events that carry nothing fetchable.
func (u *Updater) RecordRevision(topic, revision string) {
	u.markApplied(topic, revision)
}

func (u *Updater) markApplied(topic, revision string) {
	if revision == "" {
		return
	}
	u.mu.Lock()
	u.lastApplied[topic] = revision
	u.mu.Unlock()
}

// LastApplied returns a copy of the last applied revision per topic.
func (u *Updater) LastApplied() map[string]string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make(map[string]string, len(u.lastApplied))
	for t, r := range u.lastApplied {
		out[t] = r
	}
	return out
}
