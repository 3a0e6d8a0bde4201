// Package provider keeps the market data providers the service can ingest from.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahmethakanbesel/market-ingest/internal/ingest"
)

type Registry struct {
	mu        sync.RWMutex
	providers map[string]ingest.Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ingest.Provider),
	}
}

func (r *Registry) Register(p ingest.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (ingest.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s (available: %v)", name, r.namesLocked())
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
