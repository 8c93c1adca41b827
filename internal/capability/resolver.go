// Package capability maps actor roles to administrative workflow
// capabilities using a static YAML policy.
package capability

import (
	"sync"
	"time"

	"github.com/pitabwire/reviewflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver caches role capability sets resolved by a PolicyEvaluator.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// Resolve returns the capability set for role. Results are cached for the
// configured TTL.
func (r *Resolver) Resolve(role string) (model.CapabilitySet, error) {
	r.mu.RLock()
	if entry, ok := r.cache[role]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(role)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[role] = cacheEntry{caps: caps, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Can reports whether role holds capability. Resolution failures deny.
func (r *Resolver) Can(role, capability string) bool {
	if role == "" {
		return false
	}
	caps, err := r.Resolve(role)
	if err != nil {
		return false
	}
	return caps.Has(capability)
}

// Sync reloads the underlying policy and drops every cached entry.
func (r *Resolver) Sync() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.InvalidateAll()
	return nil
}

// Invalidate clears the cached capabilities of one role.
func (r *Resolver) Invalidate(role string) {
	r.mu.Lock()
	delete(r.cache, role)
	r.mu.Unlock()
}

// InvalidateAll clears the whole cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}
