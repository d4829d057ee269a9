package lifecycle

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/agenticmail/engine/internal/store"
	"github.com/agenticmail/engine/internal/tenant"
)

// UsageReport is what the runtime forwards after each tool call.
type UsageReport struct {
	TokensUsed       int64   `json:"tokensUsed,omitempty"`
	CostUsd          float64 `json:"costUsd,omitempty"`
	IsExternalAction bool    `json:"isExternalAction,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// OrgUsageSummary aggregates usage across an org's agents.
type OrgUsageSummary struct {
	OrgID           string           `json:"orgId"`
	Agents          int              `json:"agents"`
	TokensThisMonth int64            `json:"tokensThisMonth"`
	CostThisMonth   float64          `json:"costThisMonth"`
	ToolCallsToday  int64            `json:"toolCallsToday"`
	OrgCounters     store.OrgUsage   `json:"orgCounters"`
	PerAgent        []AgentUsageLine `json:"perAgent"`
}

// AgentUsageLine is one agent's row in the org summary.
type AgentUsageLine struct {
	AgentID string           `json:"agentId"`
	Name    string           `json:"name"`
	State   store.AgentState `json:"state"`
	Usage   store.AgentUsage `json:"usage"`
}

// RecordToolCall meters one tool call, runs budget checks and emits the
// tool_call event. Budget exhaustion enqueues an automatic stop.
func (m *Manager) RecordToolCall(id, toolID string, usage UsageReport) error {
	e, err := m.entryFor(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	a := e.agent
	prevTokens := a.Usage.TokensThisMonth
	prevCost := a.Usage.CostThisMonth

	a.Usage.TokensToday += usage.TokensUsed
	a.Usage.TokensThisMonth += usage.TokensUsed
	a.Usage.ToolCallsToday++
	a.Usage.ToolCallsThisMonth++
	a.Usage.CostToday += usage.CostUsd
	a.Usage.CostThisMonth += usage.CostUsd
	if usage.IsExternalAction {
		a.Usage.ExternalActionsToday++
		a.Usage.ExternalActionsThisMonth++
	}
	if usage.Error != "" {
		a.Usage.ErrorsToday++
	}
	a.UpdatedAt = m.now().UTC()

	tokenBudget, costBudget := m.effectiveBudgetsLocked(a)
	snap := cloneAgent(a)
	e.mu.Unlock()

	m.persist(snap)
	if m.store != nil {
		rec := &store.ToolCallRecord{
			ID:         uuid.NewString(),
			OrgID:      snap.OrgID,
			AgentID:    id,
			ToolID:     toolID,
			TokensUsed: usage.TokensUsed,
			CostUSD:    usage.CostUsd,
			External:   usage.IsExternalAction,
			Error:      usage.Error,
			Timestamp:  m.now().UTC(),
		}
		if err := m.store.InsertToolCall(rec); err != nil {
			m.logger.Error("failed to persist tool call", "agent_id", id, "error", err)
		}
	}
	if m.tenants != nil {
		m.tenants.RecordUsage(snap.OrgID, tenant.UsageDelta{
			Tokens: usage.TokensUsed, Cost: usage.CostUsd, APICalls: 1,
		})
	}

	m.emit("tool_call", snap, map[string]any{
		"toolId": toolID,
		"tokens": usage.TokensUsed,
		"cost":   usage.CostUsd,
		"error":  usage.Error != "",
	})

	if tokenBudget > 0 {
		m.checkBudget(snap, "token", prevTokens, snap.Usage.TokensThisMonth, float64(tokenBudget),
			float64(snap.Usage.TokensThisMonth))
	}
	if costBudget > 0 {
		m.checkBudget(snap, "cost", int64(prevCost*1e6), int64(snap.Usage.CostThisMonth*1e6),
			costBudget, snap.Usage.CostThisMonth)
	}
	return nil
}

// effectiveBudgetsLocked resolves the agent's monthly budgets: the agent
// override wins, otherwise the org plan limit applies.
func (m *Manager) effectiveBudgetsLocked(a *store.ManagedAgent) (int64, float64) {
	var tokenBudget int64
	var costBudget float64
	if b := a.Config.Budget; b != nil {
		tokenBudget = b.TokenBudgetMonthly
		costBudget = b.CostBudgetMonthly
	}
	if m.tenants != nil {
		if org := m.tenants.GetOrg(a.OrgID); org != nil {
			if tokenBudget == 0 {
				tokenBudget = org.Limits.TokenBudgetMonthly
			}
			if costBudget == 0 {
				costBudget = org.Limits.CostBudgetMonthly
			}
		}
	}
	return tokenBudget, costBudget
}

// checkBudget emits budget_warning on crossing 80% and budget_exceeded
// once per agent and period on reaching 100%, then stops the agent.
func (m *Manager) checkBudget(a *store.ManagedAgent, kind string, prevScaled, curScaled int64, budget, current float64) {
	budgetScaled := int64(budget)
	if kind == "cost" {
		budgetScaled = int64(budget * 1e6)
	}
	warnAt := budgetScaled * 80 / 100

	if prevScaled < warnAt && curScaled >= warnAt && curScaled < budgetScaled {
		if m.recordAlert(a, kind+"_budget_warning", kind, budget, current) {
			m.emit("budget_warning", a, map[string]any{
				"budgetType": kind, "budget": budget, "current": current, "thresholdPct": 80,
			})
		}
	}

	if curScaled < budgetScaled {
		return
	}

	if !m.recordAlert(a, kind+"_budget_exceeded", kind, budget, current) {
		return
	}
	m.emit("budget_exceeded", a, map[string]any{
		"budgetType": kind, "budget": budget, "current": current,
	})

	reason := "Monthly token budget exceeded"
	if kind == "cost" {
		reason = "Monthly cost budget exceeded"
	}
	go func() {
		if _, err := m.Stop(a.ID, "system", reason); err != nil {
			m.logger.Warn("automatic budget stop failed", "agent_id", a.ID, "error", err)
		}
	}()
}

// recordAlert records one alert per agent, kind and period, reporting
// whether this call was the first. The in-memory set closes the window
// between the store lookup and the insert and keeps the guarantee when
// no store is configured; the store lookup keeps it across restarts.
func (m *Manager) recordAlert(a *store.ManagedAgent, kind, counter string, budget, current float64) bool {
	period := m.now().UTC().Format("2006-01")

	key := a.ID + "|" + kind + "|" + period
	m.alertMu.Lock()
	if _, ok := m.alertsSeen[key]; ok {
		m.alertMu.Unlock()
		return false
	}
	m.alertsSeen[key] = struct{}{}
	m.alertMu.Unlock()

	if m.store == nil {
		return true
	}
	if seen, err := m.store.HasBudgetAlert(a.ID, kind, period); err == nil && seen {
		return false
	}
	alert := &store.BudgetAlert{
		ID:        uuid.NewString(),
		OrgID:     a.OrgID,
		AgentID:   a.ID,
		Kind:      kind,
		Counter:   counter,
		PeriodKey: period,
		Message:   fmt.Sprintf("%s budget at %.2f of %.2f for agent %s", counter, current, budget, a.Config.Name),
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertBudgetAlert(alert); err != nil {
		m.logger.Error("failed to persist budget alert", "agent_id", a.ID, "error", err)
	}
	return true
}

// SetBudget replaces the agent's budget override.
func (m *Manager) SetBudget(id string, budget *store.AgentBudget) (*store.ManagedAgent, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if budget != nil {
		b := *budget
		e.agent.Config.Budget = &b
	} else {
		e.agent.Config.Budget = nil
	}
	e.agent.Version++
	e.agent.UpdatedAt = m.now().UTC()
	snap := cloneAgent(e.agent)
	e.mu.Unlock()
	m.persist(snap)
	return snap, nil
}

// GetOrgUsage aggregates metered usage for one org.
func (m *Manager) GetOrgUsage(orgID string) OrgUsageSummary {
	agents := m.GetAgentsByOrg(orgID)
	out := OrgUsageSummary{OrgID: orgID, Agents: len(agents)}
	for _, a := range agents {
		out.TokensThisMonth += a.Usage.TokensThisMonth
		out.CostThisMonth += a.Usage.CostThisMonth
		out.ToolCallsToday += a.Usage.ToolCallsToday
		out.PerAgent = append(out.PerAgent, AgentUsageLine{
			AgentID: a.ID, Name: a.Config.Name, State: a.State, Usage: a.Usage,
		})
	}
	if m.tenants != nil {
		if org := m.tenants.GetOrg(orgID); org != nil {
			out.OrgCounters = org.Usage
		}
	}
	return out
}

// ResetDailyCounters zeroes every agent's daily usage counters.
func (m *Manager) ResetDailyCounters() {
	m.resetCounters(func(u *store.AgentUsage) {
		u.TokensToday = 0
		u.ToolCallsToday = 0
		u.CostToday = 0
		u.ExternalActionsToday = 0
		u.ErrorsToday = 0
	})
}

// ResetMonthlyCounters zeroes every agent's monthly usage counters.
func (m *Manager) ResetMonthlyCounters() {
	m.resetCounters(func(u *store.AgentUsage) {
		u.TokensThisMonth = 0
		u.ToolCallsThisMonth = 0
		u.CostThisMonth = 0
		u.ExternalActionsThisMonth = 0
	})
}

func (m *Manager) resetCounters(apply func(*store.AgentUsage)) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		apply(&e.agent.Usage)
		e.agent.UpdatedAt = m.now().UTC()
		snap := cloneAgent(e.agent)
		e.mu.Unlock()
		m.persist(snap)
	}
}
