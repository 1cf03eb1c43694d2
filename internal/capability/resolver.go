// Package capability resolves and caches the permissions of a subject from
// a static role policy.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Tripsy/dashboard/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// CacheObserver is notified of cache hits and misses.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheObserver registers an observer for cache lookups.
func WithCacheObserver(o CacheObserver) Option {
	return func(r *Resolver) { r.observer = o }
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	observer  CacheObserver
	mu        sync.RWMutex
	cache     map[string]cacheEntry
	now       func() time.Time
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cacheKey includes the role set so a token carrying new roles is not
// served stale capabilities.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		if r.observer != nil {
			r.observer.CacheHit()
		}
		return entry.caps, nil
	}
	if r.observer != nil {
		r.observer.CacheMiss()
	}

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
