package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

type staticProfileSource struct {
	profiles map[string]*domain.UserRoutingProfile
	err      error
	calls    int
}

func (s *staticProfileSource) RoutingProfile(ctx context.Context, userID, organizationID string) (*domain.UserRoutingProfile, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.profiles[userID+":"+organizationID], nil
}

func TestTTLCache_SetGetExpire(t *testing.T) {
	cache := NewTTLCache[string](50 * time.Millisecond)

	_, ok := cache.Get("k")
	assert.False(t, ok)

	cache.Set("k", "v")
	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	time.Sleep(60 * time.Millisecond)
	_, ok = cache.Get("k")
	assert.False(t, ok)
}

func TestTTLCache_InvalidateAndPurge(t *testing.T) {
	cache := NewTTLCache[int](time.Minute)
	cache.Set("a", 1)
	cache.Set("b", 2)

	cache.Invalidate("a")
	_, ok := cache.Get("a")
	assert.False(t, ok)
	got, ok := cache.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, got)

	cache.Purge()
	_, ok = cache.Get("b")
	assert.False(t, ok)
}

func TestCachedRuleSource_ServesFromCache(t *testing.T) {
	src := &staticRuleSource{rules: []domain.RoutingRule{makeRule("cached", nil)}}
	cached := NewCachedRuleSource(src, time.Minute)

	first, err := cached.ActiveRules(context.Background(), "org-1")
	require.NoError(t, err)
	second, err := cached.ActiveRules(context.Background(), "org-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
}

func TestCachedRuleSource_Invalidate(t *testing.T) {
	src := &staticRuleSource{rules: []domain.RoutingRule{makeRule("cached", nil)}}
	cached := NewCachedRuleSource(src, time.Minute)

	_, err := cached.ActiveRules(context.Background(), "org-1")
	require.NoError(t, err)

	cached.Invalidate("org-1")
	_, err = cached.ActiveRules(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	cached.InvalidateAll()
	_, err = cached.ActiveRules(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestCachedRuleSource_ErrorsAreNotCached(t *testing.T) {
	src := &staticRuleSource{err: errors.New("store unavailable")}
	cached := NewCachedRuleSource(src, time.Minute)

	_, err := cached.ActiveRules(context.Background(), "org-1")
	require.Error(t, err)
	_, err = cached.ActiveRules(context.Background(), "org-1")
	require.Error(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCachedProfileSource_KeysByUserAndOrganization(t *testing.T) {
	src := &staticProfileSource{profiles: map[string]*domain.UserRoutingProfile{
		"user-1:org-1": makeProfile(nil),
		"user-1:org-2": makeProfile(func(p *domain.UserRoutingProfile) { p.OrganizationID = "org-2" }),
	}}
	cached := NewCachedProfileSource(src, time.Minute)

	p1, err := cached.RoutingProfile(context.Background(), "user-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", p1.OrganizationID)

	_, err = cached.RoutingProfile(context.Background(), "user-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	// The same user in another organization is a distinct entry.
	p2, err := cached.RoutingProfile(context.Background(), "user-1", "org-2")
	require.NoError(t, err)
	assert.Equal(t, "org-2", p2.OrganizationID)
	assert.Equal(t, 2, src.calls)
}

func TestCachedProfileSource_MissesAreNotCached(t *testing.T) {
	// A nil profile means no stored tier; the next lookup must hit the store
	// again so a freshly written profile shows up without an invalidation.
	src := &staticProfileSource{}
	cached := NewCachedProfileSource(src, time.Minute)

	p, err := cached.RoutingProfile(context.Background(), "user-x", "org-1")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = cached.RoutingProfile(context.Background(), "user-x", "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCachedProfileSource_Invalidate(t *testing.T) {
	src := &staticProfileSource{profiles: map[string]*domain.UserRoutingProfile{
		"user-1:org-1": makeProfile(nil),
		"user-2:org-1": makeProfile(func(p *domain.UserRoutingProfile) { p.UserID = "user-2" }),
	}}
	cached := NewCachedProfileSource(src, time.Minute)

	_, err := cached.RoutingProfile(context.Background(), "user-1", "org-1")
	require.NoError(t, err)
	_, err = cached.RoutingProfile(context.Background(), "user-2", "org-1")
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)

	cached.Invalidate("user-1", "org-1")
	_, err = cached.RoutingProfile(context.Background(), "user-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)

	// user-2 stayed cached.
	_, err = cached.RoutingProfile(context.Background(), "user-2", "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)

	cached.InvalidateAll()
	_, err = cached.RoutingProfile(context.Background(), "user-2", "org-1")
	require.NoError(t, err)
	assert.Equal(t, 4, src.calls)
}
