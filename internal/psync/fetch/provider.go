// Package fetch retrieves data source payloads through pluggable providers
// and hands them to the policy store updater. The provider registry is the
// system's one deliberate late-binding point: providers are registered by
// name at startup and resolved by the fetcher id on each entry.
package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"psync/internal/psync"
)

// Provider retrieves the document behind one data source entry. The entry
// carries the url, provider-specific config blob and credential reference.
type Provider interface {
	Fetch(ctx context.Context, entry psync.DataSourceEntry) (any, error)
}

// Registry maps fetcher ids to providers. Registration happens once during
// wiring; resolution is concurrent-safe.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under a fetcher id.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("provider registration requires a name and a provider")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p

	return nil
}

// Resolve returns the provider registered under the fetcher id.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no fetch provider registered for %q", name)
	}
	return p, nil
}

// Names lists the registered fetcher ids.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
