package permission

import (
	"fmt"
	"sort"

	"github.com/agenticmail/engine/internal/store"
)

// presets are the shipped profile templates. ApplyPreset copies one, so
// callers can tweak the result without touching the template.
var presets = map[string]store.PermissionProfile{
	"assistant": {
		ID:           "preset-assistant",
		Name:         "Assistant",
		Skills:       store.SkillRules{Mode: "blocklist", List: []string{"shell", "payments"}},
		MaxRiskLevel: store.RiskMedium,
		BlockedSideEffects: []string{
			"runs-code", "deletes-data", "financial",
		},
		RequireApproval: store.ApprovalRules{
			Enabled:        true,
			ForSideEffects: []string{"sends-email", "sends-message"},
			TimeoutMinutes: 30,
		},
		RateLimits: store.RateLimits{PerMinute: 10, PerHour: 120, ExternalActionsPerHour: 20},
	},
	"operator": {
		ID:                 "preset-operator",
		Name:               "Operator",
		Skills:             store.SkillRules{Mode: "blocklist", List: []string{"payments"}},
		MaxRiskLevel:       store.RiskMedium,
		BlockedSideEffects: []string{"deletes-data", "financial"},
		RequireApproval: store.ApprovalRules{
			Enabled:        true,
			ForRiskLevels:  []string{string(store.RiskHigh)},
			TimeoutMinutes: 30,
		},
		RateLimits: store.RateLimits{PerMinute: 30, PerHour: 600, ExternalActionsPerHour: 60},
	},
	"developer": {
		ID:                 "preset-developer",
		Name:               "Developer",
		Skills:             store.SkillRules{Mode: "blocklist", List: []string{"payments"}},
		MaxRiskLevel:       store.RiskHigh,
		BlockedSideEffects: []string{"financial"},
		RequireApproval: store.ApprovalRules{
			Enabled:        true,
			ForRiskLevels:  []string{string(store.RiskCritical)},
			TimeoutMinutes: 60,
		},
		RateLimits: store.RateLimits{PerMinute: 60, PerHour: 1200},
	},
	"restricted": {
		ID:           "preset-restricted",
		Name:         "Restricted",
		Skills:       store.SkillRules{Mode: "allowlist", List: []string{}},
		MaxRiskLevel: store.RiskLow,
		Constraints:  store.ProfileConstraints{SandboxMode: true},
		RateLimits:   store.RateLimits{PerMinute: 5, PerHour: 30},
	},
	"unrestricted": {
		ID:           "preset-unrestricted",
		Name:         "Unrestricted",
		Skills:       store.SkillRules{Mode: "blocklist", List: []string{}},
		MaxRiskLevel: store.RiskCritical,
	},
}

// PresetNames lists the shipped preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns a copy of the named preset template.
func Preset(name string) (store.PermissionProfile, bool) {
	p, ok := presets[name]
	if !ok {
		return store.PermissionProfile{}, false
	}
	return cloneProfile(p), true
}

// Presets returns copies of every shipped preset keyed by name.
func Presets() map[string]store.PermissionProfile {
	out := make(map[string]store.PermissionProfile, len(presets))
	for name, p := range presets {
		out[name] = cloneProfile(p)
	}
	return out
}

// ApplyPreset binds a copy of the named preset to the agent.
func (e *Engine) ApplyPreset(agentID, name string) (*store.PermissionProfile, error) {
	p, ok := Preset(name)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", name)
	}
	if err := e.SetProfile(agentID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func cloneProfile(p store.PermissionProfile) store.PermissionProfile {
	out := p
	out.Skills.List = append([]string(nil), p.Skills.List...)
	out.Tools.Allowed = append([]string(nil), p.Tools.Allowed...)
	out.Tools.Blocked = append([]string(nil), p.Tools.Blocked...)
	out.BlockedSideEffects = append([]string(nil), p.BlockedSideEffects...)
	out.RequireApproval.ForRiskLevels = append([]string(nil), p.RequireApproval.ForRiskLevels...)
	out.RequireApproval.ForSideEffects = append([]string(nil), p.RequireApproval.ForSideEffects...)
	out.RequireApproval.Approvers = append([]string(nil), p.RequireApproval.Approvers...)
	out.Constraints.AllowedIPs = append([]string(nil), p.Constraints.AllowedIPs...)
	if p.Constraints.AllowedWorkingHours != nil {
		wh := *p.Constraints.AllowedWorkingHours
		out.Constraints.AllowedWorkingHours = &wh
	}
	return out
}
