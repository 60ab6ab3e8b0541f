// Package policystore applies fetched bundles and data payloads to the
// embedded policy engine's store, one atomic transaction per payload.
package policystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"psync/internal/psync"
)

// MemoryStore is an in-process implementation of the engine store boundary.
// Transactions work on copies and commit by swapping the maps, so a failed
// apply provably leaves the previous state untouched.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string][]byte
	data     map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string][]byte),
		data:     make(map[string]any),
	}
}

// Begin implements psync.Store.
func (m *MemoryStore) Begin(ctx context.Context) (psync.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	policies := make(map[string][]byte, len(m.policies))
	for k, v := range m.policies {
		policies[k] = v
	}
	data := make(map[string]any, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	m.mu.RUnlock()

	return &memoryTxn{store: m, policies: policies, data: data}, nil
}

// Policy returns a policy module by id.
func (m *MemoryStore) Policy(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	return p, ok
}

// Data returns the document at path.
func (m *MemoryStore) Data(path string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[path]
	return d, ok
}

// Snapshot returns a copy of the full store contents.
func (m *MemoryStore) Snapshot() (map[string][]byte, map[string]any) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	policies := make(map[string][]byte, len(m.policies))
	for k, v := range m.policies {
		policies[k] = v
	}
	data := make(map[string]any, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	return policies, data
}

type memoryTxn struct {
	store    *MemoryStore
	policies map[string][]byte
	data     map[string]any
	done     bool
}

var errTxnDone = errors.New("transaction already finished")

func (t *memoryTxn) SetPolicy(id string, module []byte) error {
	if t.done {
		return errTxnDone
	}
	if id == "" {
		return errors.New("policy id must not be empty")
	}
	if len(module) == 0 {
		return fmt.Errorf("policy %s: empty module", id)
	}
	t.policies[id] = append([]byte(nil), module...)
	return nil
}

func (t *memoryTxn) SetData(path string, doc any) error {
	if t.done {
		return errTxnDone
	}
	if path == "" || strings.Contains(path, "..") {
		return fmt.Errorf("invalid data path %q", path)
	}
	t.data[path] = doc
	return nil
}

func (t *memoryTxn) DeleteData(path string) error {
	if t.done {
		return errTxnDone
	}
	delete(t.data, path)
	return nil
}

func (t *memoryTxn) Commit(ctx context.Context) error {
	if t.done {
		return errTxnDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.done = true

	t.store.mu.Lock()
	t.store.policies = t.policies
	t.store.data = t.data
	t.store.mu.Unlock()

	return nil
}

func (t *memoryTxn) Abort() {
	t.done = true
}
