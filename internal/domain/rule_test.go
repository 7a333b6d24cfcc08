package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRule() *RoutingRule {
	return &RoutingRule{
		Name:            "voting reminders",
		Scope:           ScopeOrganization,
		OrganizationID:  "org-1",
		Category:        CategoryVoting,
		Priority:        PriorityHigh,
		Context:         ContextVoting,
		PrimaryChannels: []Channel{ChannelPush, ChannelInApp},
		IsActive:        true,
	}
}

func TestRoutingRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RoutingRule)
		wantErr string
	}{
		{"valid organization rule", func(r *RoutingRule) {}, ""},
		{"valid global rule", func(r *RoutingRule) {
			r.Scope = ScopeGlobal
			r.OrganizationID = ""
		}, ""},
		{"valid without context", func(r *RoutingRule) { r.Context = "" }, ""},
		{"unknown scope", func(r *RoutingRule) { r.Scope = "team" }, "invalid rule scope"},
		{"organization rule without org", func(r *RoutingRule) { r.OrganizationID = "" }, "requires organization_id"},
		{"global rule with org", func(r *RoutingRule) { r.Scope = ScopeGlobal }, "must not set organization_id"},
		{"unknown category", func(r *RoutingRule) { r.Category = "spam" }, "invalid rule category"},
		{"unknown priority", func(r *RoutingRule) { r.Priority = "urgent" }, "invalid rule priority"},
		{"unknown context", func(r *RoutingRule) { r.Context = "chitchat" }, "invalid rule context"},
		{"no primary channels", func(r *RoutingRule) { r.PrimaryChannels = nil }, "at least one primary channel"},
		{"bad primary channel", func(r *RoutingRule) { r.PrimaryChannels = []Channel{"fax"} }, "invalid primary channel"},
		{"bad fallback channel", func(r *RoutingRule) { r.FallbackChannels = []Channel{"fax"} }, "invalid fallback channel"},
		{"bad override channel", func(r *RoutingRule) { r.DNDOverrideChannels = []Channel{"fax"} }, "invalid dnd override channel"},
		{"negative rule priority", func(r *RoutingRule) { r.RulePriority = -1 }, "must not be negative"},
		{"escalation without delay", func(r *RoutingRule) {
			r.Escalation = EscalationPolicy{Enabled: true, Trigger: TriggerUnread, Channels: []Channel{ChannelSMS}}
		}, "delay must be positive"},
		{"escalation with bad trigger", func(r *RoutingRule) {
			r.Escalation = EscalationPolicy{Enabled: true, DelaySeconds: 900, Trigger: "ignored", Channels: []Channel{ChannelSMS}}
		}, "invalid escalation trigger"},
		{"escalation without channels", func(r *RoutingRule) {
			r.Escalation = EscalationPolicy{Enabled: true, DelaySeconds: 900, Trigger: TriggerUnread}
		}, "at least one channel"},
		{"escalation with bad channel", func(r *RoutingRule) {
			r.Escalation = EscalationPolicy{Enabled: true, DelaySeconds: 900, Trigger: TriggerUnread, Channels: []Channel{"fax"}}
		}, "invalid escalation channel"},
		{"disabled escalation skips checks", func(r *RoutingRule) {
			r.Escalation = EscalationPolicy{Enabled: false, DelaySeconds: -5}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRoutingRule_OverrideAllowed(t *testing.T) {
	r := validRule()
	r.DNDOverrideChannels = []Channel{ChannelPush}

	assert.True(t, r.OverrideAllowed(ChannelPush))
	assert.False(t, r.OverrideAllowed(ChannelSMS))
	assert.False(t, validRule().OverrideAllowed(ChannelPush), "no override channels configured")
}

func TestEscalationPolicy_Delay(t *testing.T) {
	p := EscalationPolicy{DelaySeconds: 900}
	assert.Equal(t, 15*time.Minute, p.Delay())
}
