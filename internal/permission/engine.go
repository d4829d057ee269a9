// Package permission authorizes tool calls against per-agent profiles.
// The pipeline is an ordered short-circuit: the first matching gate
// decides, so adding gates never changes the outcome of earlier ones.
package permission

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenticmail/engine/internal/catalog"
	"github.com/agenticmail/engine/internal/store"
)

// Context carries the optional request-scoped inputs to a check.
type Context struct {
	Time *time.Time // defaults to now
	IP   string
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason"`
	RequiresApproval bool   `json:"requiresApproval,omitempty"`
	Sandbox          bool   `json:"sandbox,omitempty"`
}

// ToolPolicy is the push-down form of a profile, enumerated over the
// whole catalog for handoff to an agent runtime.
type ToolPolicy struct {
	AllowedTools     []string              `json:"allowedTools"`
	BlockedTools     []string              `json:"blockedTools"`
	ApprovalRequired []string              `json:"approvalRequired"`
	RateLimits       store.RateLimits      `json:"rateLimits"`
	Runtime          catalog.RuntimePolicy `json:"runtime"`
}

// Engine binds agents to permission profiles and answers checks.
type Engine struct {
	mu       sync.RWMutex
	profiles map[string]*store.PermissionProfile // agentID -> profile
	catalog  *catalog.Catalog
	store    store.Store
	logger   *slog.Logger
}

// NewEngine creates a permission engine over the catalog and store.
func NewEngine(cat *catalog.Catalog, st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		profiles: make(map[string]*store.PermissionProfile),
		catalog:  cat,
		store:    st,
		logger:   logger.With("component", "permission.Engine"),
	}
}

// SetProfile binds a profile to an agent and persists it.
func (e *Engine) SetProfile(agentID string, p *store.PermissionProfile) error {
	if p == nil {
		return fmt.Errorf("profile is required")
	}
	if p.Skills.Mode != "" && p.Skills.Mode != "allowlist" && p.Skills.Mode != "blocklist" {
		return fmt.Errorf("invalid skills mode %q", p.Skills.Mode)
	}
	if p.MaxRiskLevel == "" {
		p.MaxRiskLevel = store.RiskLow
	}
	cp := *p
	e.mu.Lock()
	e.profiles[agentID] = &cp
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.UpsertProfile(agentID, &cp); err != nil {
			e.logger.Error("failed to persist profile", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// Profile returns the agent's profile, loading from the store on a cache
// miss. Returns nil when no profile is bound.
func (e *Engine) Profile(agentID string) *store.PermissionProfile {
	e.mu.RLock()
	p, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if ok {
		cp := *p
		return &cp
	}
	if e.store == nil {
		return nil
	}
	loaded, err := e.store.GetProfile(agentID)
	if err != nil || loaded == nil {
		return nil
	}
	e.mu.Lock()
	e.profiles[agentID] = loaded
	e.mu.Unlock()
	cp := *loaded
	return &cp
}

// RemoveProfile unbinds the agent's profile.
func (e *Engine) RemoveProfile(agentID string) {
	e.mu.Lock()
	delete(e.profiles, agentID)
	e.mu.Unlock()
	if e.store != nil {
		if err := e.store.DeleteProfile(agentID); err != nil {
			e.logger.Error("failed to delete profile", "agent_id", agentID, "error", err)
		}
	}
}

// Check authorizes one tool call. The gate order is part of the contract;
// see the package comment.
func (e *Engine) Check(agentID, toolID string, ctx Context) Decision {
	p := e.Profile(agentID)

	// 1. No profile bound.
	if p == nil {
		return Decision{Allowed: false, Reason: "No permission profile"}
	}

	// 2. Sandbox mode allows everything, simulated.
	if p.Constraints.SandboxMode {
		return Decision{Allowed: true, Reason: "simulated", Sandbox: true}
	}

	// 3. Working hours window, in the profile's timezone.
	if wh := p.Constraints.AllowedWorkingHours; wh != nil {
		if !inWorkingHours(wh, ctx.Time) {
			return Decision{Allowed: false, Reason: "outside working hours"}
		}
	}

	// 4. IP allowlist.
	if len(p.Constraints.AllowedIPs) > 0 {
		if !contains(p.Constraints.AllowedIPs, ctx.IP) {
			return Decision{Allowed: false, Reason: "IP not allowlisted"}
		}
	}

	return e.checkTool(p, toolID)
}

// checkTool runs the tool-centric gates (5-11). These do not depend on
// request context, which is what makes GenerateToolPolicy a faithful
// replay of Check.
func (e *Engine) checkTool(p *store.PermissionProfile, toolID string) Decision {
	// 5. Explicit block.
	if contains(p.Tools.Blocked, toolID) {
		return Decision{Allowed: false, Reason: "explicitly blocked"}
	}

	// 6. Explicit allow skips the skill/risk/side-effect gates.
	if contains(p.Tools.Allowed, toolID) {
		if tool, ok := e.catalog.Lookup(toolID); ok {
			return e.approvalGate(p, tool)
		}
		return Decision{Allowed: true, Reason: "permitted"}
	}

	// 7. Unknown tools are blocked.
	tool, ok := e.catalog.Lookup(toolID)
	if !ok {
		return Decision{Allowed: false, Reason: "unknown tool"}
	}

	// 8. Skill gate.
	switch p.Skills.Mode {
	case "allowlist":
		if !contains(p.Skills.List, tool.SkillID) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("skill %q not in allowlist", tool.SkillID)}
		}
	case "blocklist":
		if contains(p.Skills.List, tool.SkillID) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("skill %q is blocklisted", tool.SkillID)}
		}
	}

	// 9. Risk gate.
	if !catalog.RiskAtMost(tool.Risk, p.MaxRiskLevel) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("risk level %s exceeds maximum %s", tool.Risk, p.MaxRiskLevel)}
	}

	// 10. Side-effect gate.
	for _, se := range tool.SideEffects {
		if contains(p.BlockedSideEffects, se) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("side effect %q is blocked", se)}
		}
	}

	// 11. Approval gate.
	return e.approvalGate(p, tool)
}

func (e *Engine) approvalGate(p *store.PermissionProfile, tool catalog.Tool) Decision {
	if p.RequireApproval.Enabled {
		if contains(p.RequireApproval.ForRiskLevels, string(tool.Risk)) {
			return Decision{Allowed: true, Reason: "requires human approval", RequiresApproval: true}
		}
		for _, se := range tool.SideEffects {
			if contains(p.RequireApproval.ForSideEffects, se) {
				return Decision{Allowed: true, Reason: "requires human approval", RequiresApproval: true}
			}
		}
	}
	return Decision{Allowed: true, Reason: "permitted"}
}

// GenerateToolPolicy enumerates the catalog under the agent's profile for
// push-down to the runtime. Context gates (working hours, IP) are the
// runtime's to enforce and are not baked in.
func (e *Engine) GenerateToolPolicy(agentID string) (ToolPolicy, error) {
	p := e.Profile(agentID)
	if p == nil {
		return ToolPolicy{}, fmt.Errorf("no permission profile for agent %s", agentID)
	}

	policy := ToolPolicy{
		AllowedTools:     []string{},
		BlockedTools:     []string{},
		ApprovalRequired: []string{},
		RateLimits:       p.RateLimits,
	}
	for _, tool := range e.catalog.Tools() {
		d := e.checkTool(p, tool.ID)
		switch {
		case d.Allowed && d.RequiresApproval:
			policy.AllowedTools = append(policy.AllowedTools, tool.ID)
			policy.ApprovalRequired = append(policy.ApprovalRequired, tool.ID)
		case d.Allowed:
			policy.AllowedTools = append(policy.AllowedTools, tool.ID)
		default:
			policy.BlockedTools = append(policy.BlockedTools, tool.ID)
		}
	}
	policy.Runtime = catalog.ToRuntimePolicy(policy.AllowedTools, policy.BlockedTools)
	return policy, nil
}

// AllowedToolsFor lists the tool ids the agent may call right now.
func (e *Engine) AllowedToolsFor(agentID string) ([]string, error) {
	policy, err := e.GenerateToolPolicy(agentID)
	if err != nil {
		return nil, err
	}
	return policy.AllowedTools, nil
}

// inWorkingHours evaluates an HH:MM window in the profile's timezone.
// Windows with start > end wrap midnight.
func inWorkingHours(wh *store.WorkingHours, at *time.Time) bool {
	loc, err := time.LoadLocation(wh.TZ)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now()
	if at != nil {
		now = *at
	}
	now = now.In(loc)

	start, ok1 := parseMinutes(wh.Start)
	end, ok2 := parseMinutes(wh.End)
	if !ok1 || !ok2 {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseMinutes(hhmm string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
