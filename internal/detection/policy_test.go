// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"testing"

	"github.com/tomtom215/sessionguard/internal/config"
)

func TestDecide(t *testing.T) {
	two := []string{"a", "b"}
	three := []string{"a", "b", "c"}

	tests := []struct {
		name        string
		state       AccountState
		whitelisted bool
		cfg         PolicyConfig
		want        Decision
	}{
		{"below threshold", AccountState{Evidence: []string{"a"}}, false, PolicyConfig{2, true}, DecisionNone},
		{"at threshold alert only", AccountState{Evidence: two}, false, PolicyConfig{2, false}, DecisionAlert},
		{"at threshold auto disable", AccountState{Evidence: two}, false, PolicyConfig{2, true}, DecisionAlertAndDisable},
		{"jump past threshold", AccountState{Evidence: three}, false, PolicyConfig{2, true}, DecisionAlertAndDisable},
		{"already alerted", AccountState{Evidence: three, Alerted: true}, false, PolicyConfig{2, true}, DecisionNone},
		{"whitelisted", AccountState{Evidence: three}, true, PolicyConfig{2, true}, DecisionNone},
		{"whitelisted pending", AccountState{Evidence: three, State: StateDisablePending, Alerted: true}, true, PolicyConfig{2, true}, DecisionNone},
		{"pending retry", AccountState{Evidence: two, State: StateDisablePending, Alerted: true}, false, PolicyConfig{2, true}, DecisionRetryDisable},
		{"pending without recorded alert", AccountState{Evidence: two, State: StateDisablePending}, false, PolicyConfig{2, true}, DecisionAlertAndDisable},
		{"pending but auto disable off", AccountState{Evidence: two, State: StateDisablePending, Alerted: true}, false, PolicyConfig{2, false}, DecisionNone},
		{"disabled account crosses again", AccountState{Evidence: two, State: StateDisabled}, false, PolicyConfig{2, true}, DecisionAlertAndDisable},
		{"threshold one", AccountState{Evidence: []string{"a"}}, false, PolicyConfig{1, false}, DecisionAlert},
		{"threshold zero treated as one", AccountState{Evidence: []string{"a"}}, false, PolicyConfig{0, false}, DecisionAlert},
		{"no evidence", AccountState{}, false, PolicyConfig{1, true}, DecisionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.state, tt.whitelisted, tt.cfg); got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecisionString(t *testing.T) {
	for d, want := range map[Decision]string{
		DecisionNone:            "none",
		DecisionAlert:           "alert",
		DecisionAlertAndDisable: "alert_and_disable",
		DecisionRetryDisable:    "retry_disable",
	} {
		if got := d.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", d, got, want)
		}
	}
}

func TestPolicyWhitelist(t *testing.T) {
	tests := []struct {
		name       string
		ignoreCase bool
		username   string
		want       bool
	}{
		{"exact", true, "admin", true},
		{"case folded", true, "ADMIN", true},
		{"case sensitive miss", false, "ADMIN", false},
		{"case sensitive hit", false, "Family TV", true},
		{"trimmed entry", true, "guest", true},
		{"not listed", true, "bob", false},
		{"blank never listed", true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(PolicyConfig{Threshold: 2}, []string{"admin", "Family TV", "  guest ", ""}, tt.ignoreCase)
			if got := p.Whitelisted(tt.username); got != tt.want {
				t.Errorf("Whitelisted(%q) = %v, want %v", tt.username, got, tt.want)
			}
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := NewPolicyFromConfig(&config.DetectionConfig{
		AlertThreshold:      3,
		AutoDisable:         true,
		Whitelist:           []string{"Admin"},
		WhitelistIgnoreCase: true,
	})
	if p.Config() != (PolicyConfig{Threshold: 3, AutoDisable: true}) {
		t.Errorf("Config() = %+v", p.Config())
	}
	admin := AccountState{Account: AccountRef{Username: "admin"}, Evidence: []string{"a", "b", "c"}}
	if d := p.Evaluate(admin); d != DecisionNone {
		t.Errorf("Evaluate(admin) = %s, want none", d)
	}
	admin.Account.Username = "eve"
	if d := p.Evaluate(admin); d != DecisionAlertAndDisable {
		t.Errorf("Evaluate(eve) = %s, want alert_and_disable", d)
	}
}

// A threshold crossing fires once per epoch no matter how the evidence grows
// afterwards, and fires again in the next epoch.
func TestAlertFiresOncePerEpoch(t *testing.T) {
	tr := NewTracker(TrackerConfig{Threshold: 2})
	p := NewPolicy(PolicyConfig{Threshold: 2, AutoDisable: false}, nil, true)

	polls := [][]string{
		{"a"}, {"a", "b"}, {"a", "b", "c"}, {"d"}, {"a"},
		nil,
		{"x", "y", "z"}, {"x"},
	}
	var alerts []int
	for i, ips := range polls {
		st := tr.Observe(alice, ips, tick(i))
		d := p.Evaluate(st)
		if d == DecisionAlert {
			alerts = append(alerts, i)
			tr.Apply(alice.Username, ExecutionResult{Decision: d, AlertRecorded: true})
		}
	}
	if len(alerts) != 2 || alerts[0] != 1 || alerts[1] != 6 {
		t.Errorf("alerts fired at polls %v, want [1 6]", alerts)
	}
}
