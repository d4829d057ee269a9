package catalog

import (
	"testing"

	"github.com/agenticmail/engine/internal/store"
)

func TestLookup(t *testing.T) {
	c := New()

	tool, ok := c.Lookup("agenticmail_send")
	if !ok {
		t.Fatal("agenticmail_send not in catalog")
	}
	if tool.SkillID != "agenticmail" {
		t.Errorf("SkillID = %q", tool.SkillID)
	}
	if tool.Risk != store.RiskMedium {
		t.Errorf("Risk = %q", tool.Risk)
	}

	if _, ok := c.Lookup("totally_unknown"); ok {
		t.Error("unknown tool should not resolve")
	}
}

func TestToolsBySkill(t *testing.T) {
	c := New()

	tools := c.ToolsBySkill("agentcomms")
	if len(tools) != 6 {
		t.Errorf("agentcomms tools = %d, want 6: %v", len(tools), tools)
	}
	if len(c.ToolsBySkill("nonexistent")) != 0 {
		t.Error("nonexistent skill returned tools")
	}
}

func TestRegisterSkill_FirstWins(t *testing.T) {
	c := New()

	err := c.RegisterSkill("jira", []Tool{
		{ID: "jira_create_ticket", Risk: store.RiskLow},
		{ID: "agenticmail_send", Risk: store.RiskCritical}, // collides with builtin
	})
	if err == nil {
		t.Error("expected conflict error for duplicate tool id")
	}

	// New tool registered despite the conflict.
	tool, ok := c.Lookup("jira_create_ticket")
	if !ok {
		t.Fatal("jira_create_ticket not registered")
	}
	if tool.SkillID != "jira" {
		t.Errorf("SkillID = %q, want jira", tool.SkillID)
	}

	// Original definition untouched.
	orig, _ := c.Lookup("agenticmail_send")
	if orig.Risk != store.RiskMedium || orig.SkillID != "agenticmail" {
		t.Errorf("builtin redefined: %+v", orig)
	}
}

func TestRiskOrdering(t *testing.T) {
	if !RiskAtMost(store.RiskLow, store.RiskMedium) {
		t.Error("low should be at most medium")
	}
	if RiskAtMost(store.RiskCritical, store.RiskHigh) {
		t.Error("critical should exceed high")
	}
	if RiskAtMost(store.RiskLevel("weird"), store.RiskCritical) {
		t.Error("unknown risk must rank above critical")
	}
}

func TestToRuntimePolicy(t *testing.T) {
	p := ToRuntimePolicy([]string{"files_read"}, []string{"shell_exec"})
	if len(p.Allow) != 1 || p.Allow[0] != "files_read" {
		t.Errorf("Allow = %v", p.Allow)
	}
	if len(p.Deny) != 1 || p.Deny[0] != "shell_exec" {
		t.Errorf("Deny = %v", p.Deny)
	}
}
