package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

type staticRuleSource struct {
	rules []domain.RoutingRule
	err   error
	calls int
}

func (s *staticRuleSource) ActiveRules(ctx context.Context, organizationID string) ([]domain.RoutingRule, error) {
	s.calls++
	return s.rules, s.err
}

func makeRule(name string, mutate func(*domain.RoutingRule)) domain.RoutingRule {
	r := domain.RoutingRule{
		ID:              primitive.NewObjectID(),
		Name:            name,
		Scope:           domain.ScopeOrganization,
		OrganizationID:  "org-1",
		Category:        domain.CategoryVoting,
		Priority:        domain.PriorityHigh,
		Context:         domain.ContextVoting,
		PrimaryChannels: []domain.Channel{domain.ChannelPush},
		IsActive:        true,
		CreatedAt:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&r)
	}
	return r
}

func votingQuery() MatchQuery {
	return MatchQuery{
		OrganizationID: "org-1",
		Category:       domain.CategoryVoting,
		Priority:       domain.PriorityHigh,
		Context:        domain.ContextVoting,
	}
}

func TestFilterRules_Filtering(t *testing.T) {
	tests := []struct {
		name  string
		rule  domain.RoutingRule
		query MatchQuery
		match bool
	}{
		{"exact match", makeRule("exact", nil), votingQuery(), true},
		{"inactive excluded", makeRule("inactive", func(r *domain.RoutingRule) { r.IsActive = false }), votingQuery(), false},
		{"other organization excluded", makeRule("foreign", func(r *domain.RoutingRule) { r.OrganizationID = "org-2" }), votingQuery(), false},
		{"global rule applies everywhere", makeRule("global", func(r *domain.RoutingRule) {
			r.Scope = domain.ScopeGlobal
			r.OrganizationID = ""
		}), votingQuery(), true},
		{"category mismatch excluded", makeRule("meetings", func(r *domain.RoutingRule) { r.Category = domain.CategoryMeeting }), votingQuery(), false},
		{"governance fallback category matches", makeRule("catch-all", func(r *domain.RoutingRule) {
			r.Category = domain.CategoryGovernance
			r.Context = ""
		}), votingQuery(), true},
		{"exact priority mismatch excluded", makeRule("critical-only", func(r *domain.RoutingRule) { r.Priority = domain.PriorityCritical }), votingQuery(), false},
		{"threshold rule matches above", makeRule("medium-up", func(r *domain.RoutingRule) {
			r.Priority = domain.PriorityMedium
			r.MinPriority = true
		}), votingQuery(), true},
		{"threshold rule rejects below", makeRule("critical-up", func(r *domain.RoutingRule) {
			r.Priority = domain.PriorityCritical
			r.MinPriority = true
		}), votingQuery(), false},
		{"context mismatch excluded", makeRule("meeting-ctx", func(r *domain.RoutingRule) { r.Context = domain.ContextMeeting }), votingQuery(), false},
		{"empty context matches any", makeRule("no-ctx", func(r *domain.RoutingRule) { r.Context = "" }), votingQuery(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterRules([]domain.RoutingRule{tt.rule}, tt.query)
			if tt.match {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestFilterRules_Deduplicates(t *testing.T) {
	r := makeRule("dup", nil)
	got := FilterRules([]domain.RoutingRule{r, r}, votingQuery())
	assert.Len(t, got, 1)
}

func TestFilterRules_Ordering(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	// A threshold low rule matches the high query at rank 0; exact high rules
	// rank 2. Within equal rank, lower rule_priority first, then created_at.
	lowThreshold := makeRule("low-threshold", func(r *domain.RoutingRule) {
		r.Priority = domain.PriorityLow
		r.MinPriority = true
		r.RulePriority = 0
	})
	highLate := makeRule("high-late", func(r *domain.RoutingRule) {
		r.RulePriority = 1
		r.CreatedAt = late
	})
	highEarly := makeRule("high-early", func(r *domain.RoutingRule) {
		r.RulePriority = 1
		r.CreatedAt = early
	})
	highUrgent := makeRule("high-urgent", func(r *domain.RoutingRule) {
		r.RulePriority = 0
	})

	got := FilterRules([]domain.RoutingRule{lowThreshold, highLate, highEarly, highUrgent}, votingQuery())
	require.Len(t, got, 4)
	assert.Equal(t, "high-urgent", got[0].Name)
	assert.Equal(t, "high-early", got[1].Name)
	assert.Equal(t, "high-late", got[2].Name)
	assert.Equal(t, "low-threshold", got[3].Name, "threshold rules order by their own priority rank")
}

func TestFilterRules_OrderingDeterministicOnTies(t *testing.T) {
	a := makeRule("a", nil)
	b := makeRule("b", nil)

	first := FilterRules([]domain.RoutingRule{a, b}, votingQuery())
	second := FilterRules([]domain.RoutingRule{b, a}, votingQuery())
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID, "input order must not leak into the result")
	assert.Equal(t, first[1].ID, second[1].ID)
}

func TestEffectiveRules(t *testing.T) {
	critical := makeRule("critical", func(r *domain.RoutingRule) { r.Priority = domain.PriorityCritical })
	critical2 := makeRule("critical-2", func(r *domain.RoutingRule) { r.Priority = domain.PriorityCritical })
	highThreshold := makeRule("high-up", func(r *domain.RoutingRule) { r.MinPriority = true })

	q := votingQuery()
	q.Priority = domain.PriorityCritical
	all := FilterRules([]domain.RoutingRule{highThreshold, critical, critical2}, q)
	require.Len(t, all, 3)

	effective := EffectiveRules(all)
	assert.Len(t, effective, 2, "only the top-rank slice is effective")
	for _, r := range effective {
		assert.Equal(t, domain.PriorityCritical, r.Priority)
	}

	assert.Nil(t, EffectiveRules(nil))
}

func TestMatcher_Match(t *testing.T) {
	src := &staticRuleSource{rules: []domain.RoutingRule{makeRule("one", nil)}}
	m := NewMatcher(src)

	got, err := m.Match(context.Background(), votingQuery())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, src.calls)

	src.err = errors.New("source down")
	_, err = m.Match(context.Background(), votingQuery())
	assert.Error(t, err)
}
