package engine

import (
	"context"
	"sort"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

// RuleSource supplies the candidate rules for an organization, including
// global-scoped rules. Implementations may serve from a short-lived cache.
type RuleSource interface {
	ActiveRules(ctx context.Context, organizationID string) ([]domain.RoutingRule, error)
}

// MatchQuery carries the inputs of a rule lookup.
type MatchQuery struct {
	OrganizationID string
	Category       domain.Category
	Priority       domain.Priority
	Context        domain.RoutingContext
}

// Matcher selects the ordered set of routing rules applicable to a
// notification. Matching never mutates rule data.
type Matcher struct {
	rules RuleSource
}

// NewMatcher creates a rule matcher backed by the given source.
func NewMatcher(rules RuleSource) *Matcher {
	return &Matcher{rules: rules}
}

// Match returns the applicable rules in evaluation order. An empty result is
// not an error; the planner falls back to profile defaults.
func (m *Matcher) Match(ctx context.Context, q MatchQuery) ([]domain.RoutingRule, error) {
	candidates, err := m.rules.ActiveRules(ctx, q.OrganizationID)
	if err != nil {
		return nil, err
	}
	return FilterRules(candidates, q), nil
}

// FilterRules applies the matching contract to candidates and orders the
// result: rule priority rank descending, then rule_priority ascending, then
// creation order, then id for full determinism.
func FilterRules(candidates []domain.RoutingRule, q MatchQuery) []domain.RoutingRule {
	var out []domain.RoutingRule
	seen := make(map[string]bool, len(candidates))
	for _, r := range candidates {
		if !r.IsActive {
			continue
		}
		if r.Scope == domain.ScopeOrganization && r.OrganizationID != q.OrganizationID {
			continue
		}
		if !categoryMatches(r.Category, q.Category) {
			continue
		}
		if !priorityMatches(&r, q.Priority) {
			continue
		}
		if r.Context != "" && r.Context != q.Context {
			continue
		}
		id := r.ID.Hex()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if a.RulePriority != b.RulePriority {
			return a.RulePriority < b.RulePriority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.Hex() < b.ID.Hex()
	})
	return out
}

// categoryMatches accepts an exact category match or a rule registered under
// the generic governance_update fallback category.
func categoryMatches(ruleCat, notifCat domain.Category) bool {
	return ruleCat == notifCat || ruleCat == domain.CategoryGovernance
}

// priorityMatches applies exact matching by default; threshold rules match
// any notification priority at or above the rule's priority.
func priorityMatches(r *domain.RoutingRule, p domain.Priority) bool {
	if r.MinPriority {
		return p.AtLeast(r.Priority)
	}
	return p == r.Priority
}

// EffectiveRules returns the leading slice of matched rules that share the
// top evaluated priority rank. Rules of equal rank are merged by the planner
// rather than first-wins.
func EffectiveRules(matched []domain.RoutingRule) []domain.RoutingRule {
	if len(matched) == 0 {
		return nil
	}
	top := matched[0].Priority.Rank()
	n := 1
	for n < len(matched) && matched[n].Priority.Rank() == top {
		n++
	}
	return matched[:n]
}
