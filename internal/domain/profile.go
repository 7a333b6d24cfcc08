package domain

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProfileScope identifies which fallback tier a routing profile belongs to.
type ProfileScope string

const (
	ProfileScopeUser         ProfileScope = "user"
	ProfileScopeOrganization ProfileScope = "organization"
	ProfileScopeGlobal       ProfileScope = "global"
)

// ChannelSetting holds per-channel preferences within a routing profile.
// Lower Priority means the channel is preferred earlier.
type ChannelSetting struct {
	Enabled            bool `json:"enabled" bson:"enabled"`
	Priority           int  `json:"priority" bson:"priority"`
	DNDOverrideAllowed bool `json:"dnd_override_allowed" bson:"dnd_override_allowed"`
}

// ClockWindow is a recipient-local time window such as a do-not-disturb
// interval. Windows may wrap past midnight (start 22:00, end 07:00). Equal
// start and end means the window is disabled.
type ClockWindow struct {
	Start string `json:"start" bson:"start"` // "22:00"
	End   string `json:"end" bson:"end"`     // "07:00"
}

// parseClock converts an HH:MM string to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks the window's clock strings.
func (w ClockWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return err
	}
	if _, err := parseClock(w.End); err != nil {
		return err
	}
	return nil
}

// Contains reports whether the local time t falls inside the window.
func (w ClockWindow) Contains(t time.Time) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	// Overnight wrap.
	return minute >= start || minute < end
}

// EndTime returns the moment the window containing t closes, in t's location.
// Callers must only invoke this when Contains(t) is true.
func (w ClockWindow) EndTime(t time.Time) time.Time {
	start, _ := parseClock(w.Start)
	end, _ := parseClock(w.End)
	base := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	endToday := base.Add(time.Duration(end) * time.Minute)

	minute := t.Hour()*60 + t.Minute()
	if start < end {
		return endToday
	}
	if minute >= start {
		// Inside the pre-midnight half; the window ends tomorrow.
		return endToday.AddDate(0, 0, 1)
	}
	return endToday
}

// BusinessHours describes a recipient's working window and working days.
type BusinessHours struct {
	Start string `json:"start" bson:"start"` // "09:00"
	End   string `json:"end" bson:"end"`     // "17:00"
	Days  []int  `json:"days" bson:"days"`   // time.Weekday values, 0 = Sunday
}

// onDay reports whether weekday is one of the business days.
func (b BusinessHours) onDay(weekday time.Weekday) bool {
	for _, d := range b.Days {
		if time.Weekday(d) == weekday {
			return true
		}
	}
	return false
}

// Contains reports whether the local time t is during business hours.
func (b BusinessHours) Contains(t time.Time) bool {
	if !b.onDay(t.Weekday()) {
		return false
	}
	return ClockWindow{Start: b.Start, End: b.End}.Contains(t)
}

// NextStart returns the start of the next business window at or after t.
// Scans at most two weeks ahead so a misconfigured empty-day profile cannot
// loop forever; in that case t itself is returned.
func (b BusinessHours) NextStart(t time.Time) time.Time {
	start, err := parseClock(b.Start)
	if err != nil {
		return t
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for i := 0; i < 14; i++ {
		candidate := day.AddDate(0, 0, i)
		if !b.onDay(candidate.Weekday()) {
			continue
		}
		startAt := candidate.Add(time.Duration(start) * time.Minute)
		if startAt.After(t) || startAt.Equal(t) {
			return startAt
		}
	}
	return t
}

// Validate checks the business-hours configuration.
func (b BusinessHours) Validate() error {
	if err := (ClockWindow{Start: b.Start, End: b.End}).Validate(); err != nil {
		return fmt.Errorf("business hours: %w", err)
	}
	for _, d := range b.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("invalid business day %d", d)
		}
	}
	return nil
}

// CategoryPreference customizes channel ordering and the escalation threshold
// for one notification category.
type CategoryPreference struct {
	PreferredChannels          []Channel `json:"preferred_channels,omitempty" bson:"preferred_channels,omitempty"`
	EscalationThresholdSeconds int       `json:"escalation_threshold_seconds,omitempty" bson:"escalation_threshold_seconds,omitempty"`
}

// ContextSetting holds aggregation and rate-cap settings per routing context.
// RateCapPerHour <= 0 means uncapped.
type ContextSetting struct {
	AggregationWindowSeconds int `json:"aggregation_window_seconds,omitempty" bson:"aggregation_window_seconds,omitempty"`
	RateCapPerHour           int `json:"rate_cap_per_hour,omitempty" bson:"rate_cap_per_hour,omitempty"`
}

// UserRoutingProfile holds a recipient's temporal and channel preferences.
// Profiles are reference data: read-only from the planner's perspective.
type UserRoutingProfile struct {
	ID             primitive.ObjectID                `json:"id" bson:"_id,omitempty"`
	Scope          ProfileScope                      `json:"scope" bson:"scope"`
	UserID         string                            `json:"user_id,omitempty" bson:"user_id,omitempty"`
	OrganizationID string                            `json:"organization_id,omitempty" bson:"organization_id,omitempty"`
	Timezone       string                            `json:"timezone" bson:"timezone"` // "Europe/Berlin"
	BusinessHours  BusinessHours                     `json:"business_hours" bson:"business_hours"`
	DNDWindows     []ClockWindow                     `json:"dnd_windows,omitempty" bson:"dnd_windows,omitempty"`
	Channels       map[Channel]ChannelSetting        `json:"channels" bson:"channels"`
	Categories     map[Category]CategoryPreference   `json:"categories,omitempty" bson:"categories,omitempty"`
	Contexts       map[RoutingContext]ContextSetting `json:"contexts,omitempty" bson:"contexts,omitempty"`
	CreatedAt      time.Time                         `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time                         `json:"updated_at" bson:"updated_at"`
}

// Location resolves the profile's timezone, falling back to UTC when the
// timezone string is empty or unknown.
func (p *UserRoutingProfile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ChannelEnabled reports whether a channel is enabled on this profile.
func (p *UserRoutingProfile) ChannelEnabled(ch Channel) bool {
	s, ok := p.Channels[ch]
	return ok && s.Enabled
}

// OverrideAllowed reports whether the profile permits DND override on a channel.
func (p *UserRoutingProfile) OverrideAllowed(ch Channel) bool {
	s, ok := p.Channels[ch]
	return ok && s.Enabled && s.DNDOverrideAllowed
}

// EnabledChannels returns the enabled channels ordered by ascending priority
// value, ties broken by the canonical channel order for determinism.
func (p *UserRoutingProfile) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range ValidChannels {
		if p.ChannelEnabled(ch) {
			out = append(out, ch)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && p.Channels[out[j]].Priority < p.Channels[out[j-1]].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// LowestPriorityEnabled returns the least-preferred enabled channel, used as
// the last resort when every candidate channel has been suppressed.
func (p *UserRoutingProfile) LowestPriorityEnabled() (Channel, bool) {
	enabled := p.EnabledChannels()
	if len(enabled) == 0 {
		return "", false
	}
	return enabled[len(enabled)-1], true
}

// ActiveDND returns the DND window containing the local time t, if any.
func (p *UserRoutingProfile) ActiveDND(t time.Time) (ClockWindow, bool) {
	for _, w := range p.DNDWindows {
		if w.Contains(t) {
			return w, true
		}
	}
	return ClockWindow{}, false
}

// PreferredOrder returns the recipient's preferred channel ordering for a
// category, or nil when no preference is configured.
func (p *UserRoutingProfile) PreferredOrder(category Category) []Channel {
	if p.Categories == nil {
		return nil
	}
	pref, ok := p.Categories[category]
	if !ok {
		return nil
	}
	return pref.PreferredChannels
}

// EscalationThreshold returns the category-level escalation delay override.
func (p *UserRoutingProfile) EscalationThreshold(category Category) (time.Duration, bool) {
	if p.Categories == nil {
		return 0, false
	}
	pref, ok := p.Categories[category]
	if !ok || pref.EscalationThresholdSeconds <= 0 {
		return 0, false
	}
	return time.Duration(pref.EscalationThresholdSeconds) * time.Second, true
}

// RateCap returns the hourly notification cap for a routing context.
// The second return is false when the context is uncapped.
func (p *UserRoutingProfile) RateCap(ctx RoutingContext) (int, bool) {
	if p.Contexts == nil {
		return 0, false
	}
	s, ok := p.Contexts[ctx]
	if !ok || s.RateCapPerHour <= 0 {
		return 0, false
	}
	return s.RateCapPerHour, true
}

// Validate checks profile configuration at ingestion so malformed profiles
// fail fast instead of surfacing mid-planning.
func (p *UserRoutingProfile) Validate() error {
	switch p.Scope {
	case ProfileScopeUser:
		if p.UserID == "" {
			return fmt.Errorf("user-scoped profile requires user_id")
		}
	case ProfileScopeOrganization:
		if p.OrganizationID == "" {
			return fmt.Errorf("organization-scoped profile requires organization_id")
		}
		if p.UserID != "" {
			return fmt.Errorf("organization-scoped profile must not set user_id")
		}
	case ProfileScopeGlobal:
		if p.UserID != "" || p.OrganizationID != "" {
			return fmt.Errorf("global profile must not set user_id or organization_id")
		}
	default:
		return fmt.Errorf("invalid profile scope: %q", p.Scope)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
		}
	}
	if err := p.BusinessHours.Validate(); err != nil {
		return err
	}
	for _, w := range p.DNDWindows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("dnd window: %w", err)
		}
	}
	for ch := range p.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("invalid channel in profile: %q", ch)
		}
	}
	for cat, pref := range p.Categories {
		if !cat.IsValid() {
			return fmt.Errorf("invalid category in profile: %q", cat)
		}
		for _, ch := range pref.PreferredChannels {
			if !ch.IsValid() {
				return fmt.Errorf("invalid preferred channel: %q", ch)
			}
		}
	}
	for rctx := range p.Contexts {
		if !rctx.IsValid() {
			return fmt.Errorf("invalid context in profile: %q", rctx)
		}
	}
	return nil
}

// DefaultProfile returns the builtin global fallback used when neither a
// user-level nor an organization-level profile exists. Push, in-app and email
// stay enabled so critical alerts always have a deliverable channel.
func DefaultProfile() *UserRoutingProfile {
	return &UserRoutingProfile{
		Scope:    ProfileScopeGlobal,
		Timezone: "UTC",
		BusinessHours: BusinessHours{
			Start: "09:00",
			End:   "17:00",
			Days:  []int{1, 2, 3, 4, 5},
		},
		Channels: map[Channel]ChannelSetting{
			ChannelPush:  {Enabled: true, Priority: 1, DNDOverrideAllowed: true},
			ChannelInApp: {Enabled: true, Priority: 2},
			ChannelEmail: {Enabled: true, Priority: 3},
		},
		Contexts: map[RoutingContext]ContextSetting{
			ContextMeeting:    {RateCapPerHour: 10},
			ContextVoting:     {RateCapPerHour: 10},
			ContextCompliance: {RateCapPerHour: 10},
			ContextGovernance: {RateCapPerHour: 10},
		},
	}
}
