package engine

import (
	"context"
	"sync"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

// TTLCache is a small read-through cache for reference data. Rule and profile
// changes are infrequent, so serving slightly stale entries for a few seconds
// is acceptable and keeps planning off the database hot path.
type TTLCache[T any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry[T]
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// NewTTLCache creates a cache whose entries expire after ttl.
func NewTTLCache[T any](ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[T]),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Set stores a value under key.
func (c *TTLCache[T]) Set(key string, value T) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[T]{value: value, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate removes one key, used after rule or profile writes.
func (c *TTLCache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every cached entry.
func (c *TTLCache[T]) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry[T])
	c.mu.Unlock()
}

// CachedRuleSource serves ActiveRules lookups from a TTL cache in front of
// the rule store.
type CachedRuleSource struct {
	source RuleSource
	cache  *TTLCache[[]domain.RoutingRule]
}

// NewCachedRuleSource wraps source with a cache of the given TTL.
func NewCachedRuleSource(source RuleSource, ttl time.Duration) *CachedRuleSource {
	return &CachedRuleSource{
		source: source,
		cache:  NewTTLCache[[]domain.RoutingRule](ttl),
	}
}

// ActiveRules returns the active rules for an organization, cached per org.
func (s *CachedRuleSource) ActiveRules(ctx context.Context, organizationID string) ([]domain.RoutingRule, error) {
	if rules, ok := s.cache.Get(organizationID); ok {
		return rules, nil
	}
	rules, err := s.source.ActiveRules(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(organizationID, rules)
	return rules, nil
}

// Invalidate drops the cached rules for an organization after a rule write.
func (s *CachedRuleSource) Invalidate(organizationID string) {
	s.cache.Invalidate(organizationID)
}

// InvalidateAll drops every cached rule set; global rule writes touch every
// organization's view.
func (s *CachedRuleSource) InvalidateAll() {
	s.cache.Purge()
}

// ProfileSource resolves the routing profile for a recipient, applying the
// user -> organization default -> global default fallback. A nil profile
// with nil error means no stored tier exists; the planner substitutes the
// builtin default.
type ProfileSource interface {
	RoutingProfile(ctx context.Context, userID, organizationID string) (*domain.UserRoutingProfile, error)
}

// CachedProfileSource serves profile lookups from a TTL cache in front of
// the profile store.
type CachedProfileSource struct {
	source ProfileSource
	cache  *TTLCache[*domain.UserRoutingProfile]
}

// NewCachedProfileSource wraps source with a cache of the given TTL.
func NewCachedProfileSource(source ProfileSource, ttl time.Duration) *CachedProfileSource {
	return &CachedProfileSource{
		source: source,
		cache:  NewTTLCache[*domain.UserRoutingProfile](ttl),
	}
}

func profileKey(userID, organizationID string) string {
	return userID + ":" + organizationID
}

// RoutingProfile returns the resolved profile, cached per (user, org).
func (s *CachedProfileSource) RoutingProfile(ctx context.Context, userID, organizationID string) (*domain.UserRoutingProfile, error) {
	key := profileKey(userID, organizationID)
	if p, ok := s.cache.Get(key); ok {
		return p, nil
	}
	p, err := s.source.RoutingProfile(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		s.cache.Set(key, p)
	}
	return p, nil
}

// Invalidate drops the cached profile for a (user, org) pair.
func (s *CachedProfileSource) Invalidate(userID, organizationID string) {
	s.cache.Invalidate(profileKey(userID, organizationID))
}

// InvalidateAll drops every cached profile; organization-default writes
// change the resolved profile of every member without a user tier.
func (s *CachedProfileSource) InvalidateAll() {
	s.cache.Purge()
}
