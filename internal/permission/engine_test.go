package permission

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agenticmail/engine/internal/catalog"
	"github.com/agenticmail/engine/internal/store"
)

func testEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(catalog.New(), st, nil), st
}

func mustSet(t *testing.T, e *Engine, agentID string, p *store.PermissionProfile) {
	t.Helper()
	if err := e.SetProfile(agentID, p); err != nil {
		t.Fatalf("SetProfile() error: %v", err)
	}
}

func TestCheck_NoProfile(t *testing.T) {
	e, _ := testEngine(t)

	d := e.Check("ghost", "files_read", Context{})
	if d.Allowed {
		t.Errorf("no profile must deny: %+v", d)
	}
}

func TestCheck_SandboxBeatsEverything(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		Tools:        store.ToolRules{Blocked: []string{"shell_exec"}},
		MaxRiskLevel: store.RiskLow,
		Constraints:  store.ProfileConstraints{SandboxMode: true},
	})

	d := e.Check("a1", "shell_exec", Context{})
	if !d.Allowed || !d.Sandbox || d.Reason != "simulated" {
		t.Errorf("sandbox check = %+v", d)
	}
}

func TestCheck_WorkingHours(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		MaxRiskLevel: store.RiskHigh,
		Constraints: store.ProfileConstraints{
			AllowedWorkingHours: &store.WorkingHours{Start: "09:00", End: "17:00", TZ: "America/New_York"},
		},
	})

	// 14:30 EST is inside the window; 19:30 EST is not.
	inside := time.Date(2026, 1, 12, 19, 30, 0, 0, time.UTC)  // 14:30 in New York
	outside := time.Date(2026, 1, 13, 0, 30, 0, 0, time.UTC)  // 19:30 in New York

	if d := e.Check("a1", "files_read", Context{Time: &inside}); !d.Allowed {
		t.Errorf("in-window check denied: %+v", d)
	}
	if d := e.Check("a1", "files_read", Context{Time: &outside}); d.Allowed {
		t.Errorf("out-of-window check allowed: %+v", d)
	}
}

func TestCheck_OvernightWindow(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "night", &store.PermissionProfile{
		MaxRiskLevel: store.RiskHigh,
		Constraints: store.ProfileConstraints{
			AllowedWorkingHours: &store.WorkingHours{Start: "22:00", End: "06:00", TZ: "UTC"},
		},
	})

	at := time.Date(2026, 1, 12, 23, 0, 0, 0, time.UTC)
	if d := e.Check("night", "files_read", Context{Time: &at}); !d.Allowed {
		t.Errorf("23:00 inside 22:00-06:00 window: %+v", d)
	}
	at = time.Date(2026, 1, 12, 12, 0, 0, 0, time.UTC)
	if d := e.Check("night", "files_read", Context{Time: &at}); d.Allowed {
		t.Errorf("noon outside overnight window: %+v", d)
	}
}

func TestCheck_IPAllowlist(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		MaxRiskLevel: store.RiskHigh,
		Constraints:  store.ProfileConstraints{AllowedIPs: []string{"10.0.0.5"}},
	})

	if d := e.Check("a1", "files_read", Context{IP: "10.0.0.5"}); !d.Allowed {
		t.Errorf("allowlisted IP denied: %+v", d)
	}
	if d := e.Check("a1", "files_read", Context{IP: "203.0.113.9"}); d.Allowed {
		t.Errorf("foreign IP allowed: %+v", d)
	}
}

func TestCheck_ExplicitBlockBeatsAllow(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		Tools:        store.ToolRules{Allowed: []string{"shell_exec"}, Blocked: []string{"shell_exec"}},
		MaxRiskLevel: store.RiskCritical,
	})

	if d := e.Check("a1", "shell_exec", Context{}); d.Allowed {
		t.Errorf("blocked list must win over allowed list: %+v", d)
	}
}

func TestCheck_ExplicitAllowFastPath(t *testing.T) {
	e, _ := testEngine(t)
	// Risk and side-effect gates would both deny agenticmail_send; the
	// explicit allow skips straight to the approval gate.
	mustSet(t, e, "a1", &store.PermissionProfile{
		Tools:              store.ToolRules{Allowed: []string{"agenticmail_send"}},
		MaxRiskLevel:       store.RiskLow,
		BlockedSideEffects: []string{"sends-email"},
	})

	d := e.Check("a1", "agenticmail_send", Context{})
	if !d.Allowed || d.RequiresApproval {
		t.Errorf("fast path = %+v, want plain allow", d)
	}

	// The same profile still blocks other medium-risk tools.
	if d := e.Check("a1", "slack_post_message", Context{}); d.Allowed {
		t.Errorf("non-allowlisted medium tool allowed: %+v", d)
	}
}

func TestCheck_UnknownTool(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{MaxRiskLevel: store.RiskCritical})

	d := e.Check("a1", "warp_drive_engage", Context{})
	if d.Allowed || d.Reason != "unknown tool" {
		t.Errorf("unknown tool check = %+v", d)
	}
}

func TestCheck_SkillGates(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "allow", &store.PermissionProfile{
		Skills:       store.SkillRules{Mode: "allowlist", List: []string{"files"}},
		MaxRiskLevel: store.RiskCritical,
	})
	mustSet(t, e, "block", &store.PermissionProfile{
		Skills:       store.SkillRules{Mode: "blocklist", List: []string{"shell"}},
		MaxRiskLevel: store.RiskCritical,
	})

	if d := e.Check("allow", "files_read", Context{}); !d.Allowed {
		t.Errorf("allowlisted skill denied: %+v", d)
	}
	if d := e.Check("allow", "slack_read_channel", Context{}); d.Allowed {
		t.Errorf("non-allowlisted skill allowed: %+v", d)
	}
	if d := e.Check("block", "shell_exec", Context{}); d.Allowed {
		t.Errorf("blocklisted skill allowed: %+v", d)
	}
	if d := e.Check("block", "files_read", Context{}); !d.Allowed {
		t.Errorf("non-blocklisted skill denied: %+v", d)
	}
}

func TestCheck_RiskAndSideEffects(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		MaxRiskLevel:       store.RiskMedium,
		BlockedSideEffects: []string{"sends-email"},
	})

	if d := e.Check("a1", "github_push", Context{}); d.Allowed {
		t.Errorf("high risk over medium cap allowed: %+v", d)
	}
	if d := e.Check("a1", "agenticmail_send", Context{}); d.Allowed {
		t.Errorf("blocked side effect allowed: %+v", d)
	}
	if d := e.Check("a1", "agenticmail_search", Context{}); !d.Allowed {
		t.Errorf("low-risk clean tool denied: %+v", d)
	}
}

func TestCheck_ApprovalGate(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		MaxRiskLevel: store.RiskHigh,
		RequireApproval: store.ApprovalRules{
			Enabled:        true,
			ForRiskLevels:  []string{string(store.RiskHigh)},
			ForSideEffects: []string{"sends-email"},
		},
	})

	d := e.Check("a1", "github_push", Context{})
	if !d.Allowed || !d.RequiresApproval {
		t.Errorf("high-risk approval check = %+v", d)
	}
	d = e.Check("a1", "agenticmail_send", Context{})
	if !d.Allowed || !d.RequiresApproval {
		t.Errorf("side-effect approval check = %+v", d)
	}
	d = e.Check("a1", "files_read", Context{})
	if !d.Allowed || d.RequiresApproval {
		t.Errorf("clean tool should not need approval: %+v", d)
	}
}

func TestGenerateToolPolicy(t *testing.T) {
	e, _ := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		Skills:       store.SkillRules{Mode: "blocklist", List: []string{"payments"}},
		MaxRiskLevel: store.RiskMedium,
		RequireApproval: store.ApprovalRules{
			Enabled:        true,
			ForSideEffects: []string{"sends-email"},
		},
		RateLimits: store.RateLimits{PerMinute: 10},
	})

	policy, err := e.GenerateToolPolicy("a1")
	if err != nil {
		t.Fatalf("GenerateToolPolicy() error: %v", err)
	}
	if policy.RateLimits.PerMinute != 10 {
		t.Errorf("RateLimits = %+v", policy.RateLimits)
	}

	allowed := map[string]bool{}
	for _, id := range policy.AllowedTools {
		allowed[id] = true
	}
	blocked := map[string]bool{}
	for _, id := range policy.BlockedTools {
		blocked[id] = true
	}
	if !allowed["files_read"] || !allowed["agenticmail_send"] {
		t.Errorf("AllowedTools = %v", policy.AllowedTools)
	}
	if !blocked["shell_exec"] || !blocked["payments_charge"] || !blocked["github_push"] {
		t.Errorf("BlockedTools = %v", policy.BlockedTools)
	}
	needsApproval := map[string]bool{}
	for _, id := range policy.ApprovalRequired {
		needsApproval[id] = true
	}
	if !needsApproval["agenticmail_send"] || needsApproval["files_read"] {
		t.Errorf("ApprovalRequired = %v", policy.ApprovalRequired)
	}

	// Every catalog tool lands in exactly one bucket.
	total := len(policy.AllowedTools) + len(policy.BlockedTools)
	if total != len(catalog.New().Tools()) {
		t.Errorf("policy covers %d tools, catalog has %d", total, len(catalog.New().Tools()))
	}

	if _, err := e.GenerateToolPolicy("ghost"); err == nil {
		t.Error("missing profile should error")
	}
}

func TestApplyPreset(t *testing.T) {
	e, _ := testEngine(t)

	p, err := e.ApplyPreset("a1", "restricted")
	if err != nil {
		t.Fatalf("ApplyPreset() error: %v", err)
	}
	if !p.Constraints.SandboxMode {
		t.Error("restricted preset should sandbox")
	}
	d := e.Check("a1", "shell_exec", Context{})
	if !d.Allowed || !d.Sandbox {
		t.Errorf("restricted check = %+v", d)
	}

	if _, err := e.ApplyPreset("a1", "nope"); err == nil {
		t.Error("unknown preset should error")
	}

	// Mutating a returned preset copy must not affect the template.
	got, _ := Preset("assistant")
	got.Skills.List[0] = "mutated"
	fresh, _ := Preset("assistant")
	if fresh.Skills.List[0] == "mutated" {
		t.Error("preset template aliased by copy")
	}
}

func TestProfilePersistence(t *testing.T) {
	e, st := testEngine(t)
	mustSet(t, e, "a1", &store.PermissionProfile{
		Name:         "custom",
		MaxRiskLevel: store.RiskHigh,
	})

	// A fresh engine over the same store lazily reloads the profile.
	fresh := NewEngine(catalog.New(), st, nil)
	p := fresh.Profile("a1")
	if p == nil || p.Name != "custom" || p.MaxRiskLevel != store.RiskHigh {
		t.Fatalf("profile not reloaded: %+v", p)
	}

	fresh.RemoveProfile("a1")
	if fresh.Profile("a1") != nil {
		t.Error("profile survived removal")
	}
	persisted, _ := st.GetProfile("a1")
	if persisted != nil {
		t.Error("profile row survived removal")
	}
}
