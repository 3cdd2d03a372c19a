// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"strings"

	"github.com/tomtom215/sessionguard/internal/config"
)

// PolicyConfig is the immutable input of Decide.
type PolicyConfig struct {
	Threshold   int
	AutoDisable bool
}

// Decide maps an account state to an action. It is pure: the same inputs
// always give the same decision.
//
// The threshold test is >= combined with the alerted flag, so a poll that
// jumps past the threshold still alerts exactly once per epoch.
func Decide(state AccountState, whitelisted bool, cfg PolicyConfig) Decision {
	if whitelisted {
		return DecisionNone
	}

	threshold := max(cfg.Threshold, 1)
	reached := len(state.Evidence) >= threshold

	if state.State == StateDisablePending && cfg.AutoDisable {
		if !state.Alerted && reached {
			return DecisionAlertAndDisable
		}
		return DecisionRetryDisable
	}

	if state.Alerted || !reached {
		return DecisionNone
	}
	if cfg.AutoDisable {
		return DecisionAlertAndDisable
	}
	return DecisionAlert
}

// Policy binds the threshold settings to a whitelist.
type Policy struct {
	cfg        PolicyConfig
	ignoreCase bool
	whitelist  map[string]struct{}
}

// NewPolicy creates a policy. Blank whitelist entries are ignored.
func NewPolicy(cfg PolicyConfig, whitelist []string, ignoreCase bool) *Policy {
	p := &Policy{
		cfg:        cfg,
		ignoreCase: ignoreCase,
		whitelist:  make(map[string]struct{}, len(whitelist)),
	}
	for _, name := range whitelist {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p.whitelist[p.key(name)] = struct{}{}
	}
	return p
}

// NewPolicyFromConfig builds the policy from the detection section.
func NewPolicyFromConfig(cfg *config.DetectionConfig) *Policy {
	return NewPolicy(PolicyConfig{
		Threshold:   cfg.AlertThreshold,
		AutoDisable: cfg.AutoDisable,
	}, cfg.Whitelist, cfg.WhitelistIgnoreCase)
}

func (p *Policy) key(username string) string {
	if p.ignoreCase {
		return strings.ToLower(username)
	}
	return username
}

// Whitelisted reports whether username is exempt from detection.
func (p *Policy) Whitelisted(username string) bool {
	_, ok := p.whitelist[p.key(username)]
	return ok
}

// Config returns the threshold settings.
func (p *Policy) Config() PolicyConfig {
	return p.cfg
}

// Evaluate applies Decide with this policy's whitelist and settings.
func (p *Policy) Evaluate(state AccountState) Decision {
	return Decide(state, p.Whitelisted(state.Account.Username), p.cfg)
}
