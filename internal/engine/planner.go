package engine

import (
	"context"
	"sort"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

// RateCounter provides atomic increment-and-report for the shared
// (user, context, hour-bucket) counters behind context rate caps.
type RateCounter interface {
	Incr(ctx context.Context, userID string, rctx domain.RoutingContext, now time.Time) (int64, error)
	WindowRemaining(now time.Time) time.Duration
}

// PlanInput bundles the immutable inputs of one planning pass. Rules must be
// in matcher order. Profile may be nil, in which case the builtin default
// applies. Now lets callers pin the planning instant.
type PlanInput struct {
	Notification *domain.Notification
	Rules        []domain.RoutingRule
	Profile      *domain.UserRoutingProfile
	Devices      []domain.Device
	Now          time.Time

	// Escalation passes target a different recipient over a forced channel
	// list and bypass DND, business-hours and rate-cap gating.
	IsEscalation   bool
	EscalationID   string
	TargetUserID   string
	ForcedChannels []domain.Channel
}

// EscalationChoice is the escalation policy the planner selected, resolved
// against the profile's category-level threshold override.
type EscalationChoice struct {
	RuleID string
	Policy domain.EscalationPolicy
	Delay  time.Duration
}

// PlanResult is the planner's full output: the plan plus the escalation
// policy to schedule, if any.
type PlanResult struct {
	Plan       *domain.DeliveryPlan
	Escalation *EscalationChoice
}

// Planner merges matched rules with the recipient's profile and device set
// into a concrete delivery plan. Aside from the rate counter increment, which
// must be atomic across concurrent notifications, planning has no side
// effects and never mutates its inputs.
type Planner struct {
	counter      RateCounter
	deviceWindow time.Duration
	log          *logger.Logger
}

// NewPlanner creates a delivery planner. deviceWindow is the rolling activity
// window outside which devices are ignored.
func NewPlanner(counter RateCounter, deviceWindow time.Duration, log *logger.Logger) *Planner {
	return &Planner{
		counter:      counter,
		deviceWindow: deviceWindow,
		log:          log,
	}
}

// Build produces one delivery plan. It never returns a nil result without an
// error; undeliverable notifications yield should_deliver = false rather
// than a failure.
func (p *Planner) Build(ctx context.Context, in PlanInput) (*PlanResult, error) {
	n := in.Notification
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	profile := in.Profile
	if profile == nil {
		profile = domain.DefaultProfile()
	}

	recipient := in.TargetUserID
	if recipient == "" {
		recipient = n.RecipientUserID
	}

	plan := &domain.DeliveryPlan{
		NotificationID:  n.ID.Hex(),
		OrganizationID:  n.OrganizationID,
		RecipientUserID: recipient,
		IsEscalation:    in.IsEscalation,
		EscalationID:    in.EscalationID,
		PlannedAt:       now,
		ScheduledAt:     now,
		Reason:          domain.ReasonPlanned,
	}

	devices := activeDevices(in.Devices, p.deviceWindow, now)
	effective := EffectiveRules(in.Rules)
	for _, r := range effective {
		plan.MatchedRuleIDs = append(plan.MatchedRuleIDs, r.ID.Hex())
	}

	channels := p.candidateChannels(in, effective, profile, n.Category)
	attempts := expandAttempts(channels, devices, recipient, now, false)

	// Fallback chain: rule fallbacks, then the profile's least-preferred
	// enabled channel, then the builtin defaults for high and critical so a
	// governance alert never silently loses every endpoint.
	if len(attempts) == 0 && !in.IsEscalation {
		attempts = expandAttempts(fallbackChannels(effective, profile), devices, recipient, now, true)
		if len(attempts) == 0 {
			if ch, ok := profile.LowestPriorityEnabled(); ok {
				attempts = expandAttempts([]domain.Channel{ch}, devices, recipient, now, true)
			}
		}
		if len(attempts) == 0 && n.Priority.AtLeast(domain.PriorityHigh) {
			attempts = expandAttempts(domain.DefaultProfile().EnabledChannels(), devices, recipient, now, true)
		}
	}
	if len(attempts) == 0 && in.IsEscalation {
		// Escalations must reach someone; retry over everything enabled.
		attempts = expandAttempts(profile.EnabledChannels(), devices, recipient, now, true)
		if len(attempts) == 0 {
			attempts = expandAttempts(domain.DefaultProfile().EnabledChannels(), devices, recipient, now, true)
		}
	}

	if len(attempts) == 0 {
		plan.ShouldDeliver = false
		plan.Reason = domain.ReasonNoDeliverableEndpoint
		return &PlanResult{Plan: plan}, nil
	}

	plan.ShouldDeliver = true
	if len(effective) > 0 {
		plan.Simultaneous = effective[0].Immediate
	}

	if !in.IsEscalation {
		p.applyTemporalGates(plan, attempts, effective, profile, devices, n, now)
		if err := p.applyRateCap(ctx, plan, attempts, profile, n, now); err != nil {
			return nil, err
		}
	}

	plan.Attempts = attempts
	plan.ScheduledAt = earliestSchedule(attempts)
	plan.Deferred = plan.ScheduledAt.After(now)
	if plan.Deferred && plan.Reason == domain.ReasonPlanned {
		// Every attempt was pushed out by a gate but no single gate claimed
		// the reason; attribute it to the binding one.
		plan.Reason = domain.ReasonDeferredDND
	}

	result := &PlanResult{Plan: plan}
	if !in.IsEscalation {
		result.Escalation = chooseEscalation(effective, profile, n.Category)
		plan.EscalationScheduled = result.Escalation != nil
	}
	return result, nil
}

// candidateChannels computes the ordered candidate set: the union of the
// effective rules' primary channels intersected with the profile's enabled
// channels. Ordering follows the recipient's per-category preference where
// configured, then rule position, then profile channel priority.
func (p *Planner) candidateChannels(in PlanInput, effective []domain.RoutingRule, profile *domain.UserRoutingProfile, category domain.Category) []domain.Channel {
	if in.IsEscalation {
		var out []domain.Channel
		for _, ch := range in.ForcedChannels {
			if profile.ChannelEnabled(ch) {
				out = append(out, ch)
			}
		}
		if len(out) == 0 {
			out = profile.EnabledChannels()
		}
		return out
	}

	if len(effective) == 0 {
		// No applicable rule: profile defaults only.
		if pref := orderByPreference(profile.EnabledChannels(), profile.PreferredOrder(category)); len(pref) > 0 {
			return pref
		}
		return profile.EnabledChannels()
	}

	type candidate struct {
		ch       domain.Channel
		rulePos  int
		priority int
	}
	var candidates []candidate
	seen := make(map[domain.Channel]bool)
	for _, r := range effective {
		for pos, ch := range r.PrimaryChannels {
			if seen[ch] {
				continue
			}
			seen[ch] = true
			if !profile.ChannelEnabled(ch) {
				continue
			}
			candidates = append(candidates, candidate{ch: ch, rulePos: pos, priority: profile.Channels[ch].Priority})
		}
	}

	prefIndex := preferenceIndex(profile.PreferredOrder(category))
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa, pb := prefIndex[a.ch], prefIndex[b.ch]
		if pa != pb {
			return pa < pb
		}
		if a.rulePos != b.rulePos {
			return a.rulePos < b.rulePos
		}
		return a.priority < b.priority
	})

	out := make([]domain.Channel, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.ch)
	}
	return out
}

// preferenceIndex maps each preferred channel to its list position; channels
// missing from the preference sort after all listed ones.
func preferenceIndex(preferred []domain.Channel) map[domain.Channel]int {
	idx := make(map[domain.Channel]int, len(domain.ValidChannels))
	for _, ch := range domain.ValidChannels {
		idx[ch] = len(preferred)
	}
	for i, ch := range preferred {
		idx[ch] = i
	}
	return idx
}

// orderByPreference reorders channels so those in preferred come first, in
// preference order, keeping the rest in their original order.
func orderByPreference(channels, preferred []domain.Channel) []domain.Channel {
	if len(preferred) == 0 {
		return channels
	}
	idx := preferenceIndex(preferred)
	out := make([]domain.Channel, len(channels))
	copy(out, channels)
	sort.SliceStable(out, func(i, j int) bool {
		return idx[out[i]] < idx[out[j]]
	})
	return out
}

// fallbackChannels returns the union of the effective rules' fallback lists
// restricted to profile-enabled channels, preserving first-seen order.
func fallbackChannels(effective []domain.RoutingRule, profile *domain.UserRoutingProfile) []domain.Channel {
	var out []domain.Channel
	seen := make(map[domain.Channel]bool)
	for _, r := range effective {
		for _, ch := range r.FallbackChannels {
			if seen[ch] {
				continue
			}
			seen[ch] = true
			if profile.ChannelEnabled(ch) {
				out = append(out, ch)
			}
		}
	}
	return out
}

// platformRank orders push attempts deterministically: ios, android, web.
func platformRank(p domain.Platform) int {
	switch p {
	case domain.PlatformIOS:
		return 0
	case domain.PlatformAndroid:
		return 1
	case domain.PlatformWeb:
		return 2
	default:
		return 3
	}
}

// activeDevices filters out devices not seen within the rolling window and
// sorts the rest by platform then id.
func activeDevices(devices []domain.Device, window time.Duration, now time.Time) []domain.Device {
	var out []domain.Device
	for _, d := range devices {
		if d.ActiveWithin(window, now) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := platformRank(out[i].Platform), platformRank(out[j].Platform); ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// expandAttempts turns an ordered channel list into concrete attempts. Push
// expands to one attempt per active device; address-style channels resolve
// their endpoint from the recipient id at send time. Channels with zero
// targets contribute nothing.
func expandAttempts(channels []domain.Channel, devices []domain.Device, recipient string, scheduledAt time.Time, fallback bool) []domain.PlannedAttempt {
	var out []domain.PlannedAttempt
	for _, ch := range channels {
		if ch == domain.ChannelPush {
			for _, d := range devices {
				out = append(out, domain.PlannedAttempt{
					Channel:     ch,
					Target:      d.Token,
					DeviceID:    d.ID,
					Platform:    d.Platform,
					ScheduledAt: scheduledAt,
					Fallback:    fallback,
				})
			}
			continue
		}
		out = append(out, domain.PlannedAttempt{
			Channel:     ch,
			Target:      recipient,
			ScheduledAt: scheduledAt,
			Fallback:    fallback,
		})
	}
	return out
}

// applyTemporalGates defers attempts per DND and business-hours rules,
// evaluated in the recipient's local timezone. During DND, critical
// notifications keep channels that are override-allowed on both rule and
// device (or profile for address channels) immediate; everything else is
// deferred to the window's end, never dropped.
func (p *Planner) applyTemporalGates(plan *domain.DeliveryPlan, attempts []domain.PlannedAttempt, effective []domain.RoutingRule, profile *domain.UserRoutingProfile, devices []domain.Device, n *domain.Notification, now time.Time) {
	local := now.In(profile.Location())

	respectDND := len(effective) == 0 || effective[0].RespectDND
	if respectDND {
		if window, inDND := profile.ActiveDND(local); inDND {
			windowEnd := window.EndTime(local)
			deferredAll := true
			for i := range attempts {
				if n.Priority == domain.PriorityCritical && overrideAllowed(attempts[i], effective, profile, devices, n.Category) {
					deferredAll = false
					continue
				}
				attempts[i].ScheduledAt = windowEnd
			}
			if deferredAll {
				plan.Reason = domain.ReasonDeferredDND
			}
		}
	}

	if len(effective) > 0 && effective[0].BusinessHoursOnly && !profile.BusinessHours.Contains(local) {
		nextStart := profile.BusinessHours.NextStart(local)
		movedAll := true
		for i := range attempts {
			if attempts[i].ScheduledAt.Before(nextStart) {
				attempts[i].ScheduledAt = nextStart
			} else {
				movedAll = false
			}
		}
		if movedAll && plan.Reason == domain.ReasonPlanned {
			plan.Reason = domain.ReasonDeferredBusinessHours
		}
	}
}

// overrideAllowed checks DND override agreement: the rule must flag the
// channel and the device (for push) or the profile channel setting (for
// address channels) must allow it too.
func overrideAllowed(a domain.PlannedAttempt, effective []domain.RoutingRule, profile *domain.UserRoutingProfile, devices []domain.Device, category domain.Category) bool {
	ruleAllows := false
	for _, r := range effective {
		if r.OverrideAllowed(a.Channel) {
			ruleAllows = true
			break
		}
	}
	// With no rule in play the profile side alone decides.
	if len(effective) == 0 {
		ruleAllows = true
	}
	if !ruleAllows {
		return false
	}
	if a.Channel == domain.ChannelPush {
		for i := range devices {
			if devices[i].ID == a.DeviceID {
				return devices[i].OverrideAllowed(category)
			}
		}
		return false
	}
	return profile.OverrideAllowed(a.Channel)
}

// applyRateCap enforces the per-context hourly cap with an atomic increment.
// Over-cap notifications are queued to the end of the current bucket, never
// dropped. The emergency context is exempt, as are escalation passes.
func (p *Planner) applyRateCap(ctx context.Context, plan *domain.DeliveryPlan, attempts []domain.PlannedAttempt, profile *domain.UserRoutingProfile, n *domain.Notification, now time.Time) error {
	if n.Context == domain.ContextEmergency {
		return nil
	}
	limit, capped := profile.RateCap(n.Context)
	if !capped {
		return nil
	}

	count, err := p.counter.Incr(ctx, n.RecipientUserID, n.Context, now)
	if err != nil {
		// Counter trouble must not drop a governance alert; fail open.
		p.log.Warn("rate counter increment failed, delivering uncapped",
			"notification_id", n.ID.Hex(), "context", string(n.Context), "error", err)
		return nil
	}
	if count <= int64(limit) {
		return nil
	}

	release := now.Add(p.counter.WindowRemaining(now))
	for i := range attempts {
		if attempts[i].ScheduledAt.Before(release) {
			attempts[i].ScheduledAt = release
		}
	}
	plan.RateCapped = true
	plan.Reason = domain.ReasonDeferredRateCap
	return nil
}

// chooseEscalation picks the escalation policy first-match-wins across the
// effective rules so equal-rank rules never schedule duplicate escalations.
// The profile's category threshold overrides the rule delay when set.
func chooseEscalation(effective []domain.RoutingRule, profile *domain.UserRoutingProfile, category domain.Category) *EscalationChoice {
	for _, r := range effective {
		if !r.Escalation.Enabled {
			continue
		}
		delay := r.Escalation.Delay()
		if override, ok := profile.EscalationThreshold(category); ok {
			delay = override
		}
		return &EscalationChoice{
			RuleID: r.ID.Hex(),
			Policy: r.Escalation,
			Delay:  delay,
		}
	}
	return nil
}

// earliestSchedule returns the soonest attempt time.
func earliestSchedule(attempts []domain.PlannedAttempt) time.Time {
	earliest := attempts[0].ScheduledAt
	for _, a := range attempts[1:] {
		if a.ScheduledAt.Before(earliest) {
			earliest = a.ScheduledAt
		}
	}
	return earliest
}
