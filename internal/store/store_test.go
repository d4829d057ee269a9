package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrations_Idempotent(t *testing.T) {
	s := testStore(t)

	versions, err := s.appliedVersions()
	if err != nil {
		t.Fatalf("appliedVersions() error: %v", err)
	}
	if len(versions) != len(migrations) {
		t.Fatalf("applied %d migrations, want %d", len(versions), len(migrations))
	}

	// Running migrate again must be a no-op.
	if err := s.Initialize(); err != nil {
		t.Fatalf("second Initialize() error: %v", err)
	}
	again, err := s.appliedVersions()
	if err != nil {
		t.Fatalf("appliedVersions() error: %v", err)
	}
	if len(again) != len(versions) {
		t.Errorf("migration count changed on re-run: %d -> %d", len(versions), len(again))
	}
}

func TestOrgRoundtrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	org := &Organization{
		ID:   "org-1",
		Slug: "acme",
		Name: "Acme Inc",
		Plan: PlanTeam,
		Limits: OrgLimits{
			MaxAgents:          10,
			TokenBudgetMonthly: 5_000_000,
			DeploymentTargets:  []string{"docker", "fly"},
			Features:           []string{"approvals", "workforce"},
		},
		Usage:          OrgUsage{Agents: 2, TokensThisMonth: 1234},
		Settings:       OrgSettings{Timezone: "America/New_York"},
		AllowedDomains: []string{"acme.com"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.UpsertOrg(org); err != nil {
		t.Fatalf("UpsertOrg() error: %v", err)
	}

	got, err := s.GetOrg("org-1")
	if err != nil {
		t.Fatalf("GetOrg() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetOrg() returned nil")
	}
	if got.Plan != PlanTeam {
		t.Errorf("Plan = %q, want team", got.Plan)
	}
	if got.Limits.MaxAgents != 10 {
		t.Errorf("Limits.MaxAgents = %d, want 10", got.Limits.MaxAgents)
	}
	if got.Usage.TokensThisMonth != 1234 {
		t.Errorf("Usage.TokensThisMonth = %d, want 1234", got.Usage.TokensThisMonth)
	}
	if len(got.Limits.DeploymentTargets) != 2 {
		t.Errorf("DeploymentTargets = %v", got.Limits.DeploymentTargets)
	}

	bySlug, err := s.GetOrgBySlug("acme")
	if err != nil || bySlug == nil || bySlug.ID != "org-1" {
		t.Errorf("GetOrgBySlug() = %v, %v", bySlug, err)
	}

	// Upsert updates in place.
	org.Name = "Acme Corp"
	org.Usage.Agents = 3
	if err := s.UpsertOrg(org); err != nil {
		t.Fatalf("UpsertOrg() update error: %v", err)
	}
	got, _ = s.GetOrg("org-1")
	if got.Name != "Acme Corp" || got.Usage.Agents != 3 {
		t.Errorf("update not applied: name=%q agents=%d", got.Name, got.Usage.Agents)
	}

	if err := s.DeleteOrg("org-1"); err != nil {
		t.Fatalf("DeleteOrg() error: %v", err)
	}
	got, err = s.GetOrg("org-1")
	if err != nil || got != nil {
		t.Errorf("GetOrg() after delete = %v, %v; want nil, nil", got, err)
	}
}

func TestAgentRoundtrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	deployed := now.Add(-time.Hour)

	a := &ManagedAgent{
		ID:    "agent-1",
		OrgID: "org-1",
		Config: AgentConfig{
			Name:                "support-bot",
			Model:               ModelConfig{Provider: "anthropic", ModelID: "claude-sonnet-4-5"},
			Deployment:          DeploymentConfig{Target: "docker"},
			PermissionProfileID: "prof-1",
			Email:               "support@acme.com",
		},
		State: StateRunning,
		StateHistory: []StateTransition{
			{From: StateDraft, To: StateConfiguring, TriggeredBy: "user:1", Timestamp: now},
		},
		Health:         AgentHealth{Status: "healthy", Checks: []HealthCheck{{Timestamp: now, Status: "healthy"}}},
		Usage:          AgentUsage{TokensToday: 100, CostThisMonth: 1.25},
		Version:        3,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastDeployedAt: &deployed,
	}
	if err := s.UpsertAgent(a); err != nil {
		t.Fatalf("UpsertAgent() error: %v", err)
	}

	got, err := s.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent() error: %v", err)
	}
	if got.State != StateRunning {
		t.Errorf("State = %q, want running", got.State)
	}
	if got.Config.Name != "support-bot" {
		t.Errorf("Config.Name = %q", got.Config.Name)
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}
	if len(got.StateHistory) != 1 {
		t.Errorf("StateHistory length = %d, want 1", len(got.StateHistory))
	}
	if got.LastDeployedAt == nil {
		t.Error("LastDeployedAt = nil")
	}
	if got.Usage.CostThisMonth != 1.25 {
		t.Errorf("Usage.CostThisMonth = %f", got.Usage.CostThisMonth)
	}

	list, err := s.ListAgents("org-1")
	if err != nil || len(list) != 1 {
		t.Errorf("ListAgents() = %d agents, err %v", len(list), err)
	}
	other, err := s.ListAgents("org-2")
	if err != nil || len(other) != 0 {
		t.Errorf("ListAgents(other org) = %d agents", len(other))
	}
}

func TestStateTransitionLog(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC()

	for i, edge := range []struct{ from, to AgentState }{
		{StateDraft, StateConfiguring},
		{StateConfiguring, StateReady},
		{StateReady, StateProvisioning},
	} {
		tr := StateTransition{
			From: edge.from, To: edge.to,
			TriggeredBy: "user:1",
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertStateTransition("agent-1", tr); err != nil {
			t.Fatalf("InsertStateTransition() error: %v", err)
		}
	}

	got, err := s.ListStateTransitions("agent-1", 10)
	if err != nil {
		t.Fatalf("ListStateTransitions() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d transitions, want 3", len(got))
	}
	// Chronological order.
	if got[0].To != StateConfiguring || got[2].To != StateProvisioning {
		t.Errorf("wrong order: first=%s last=%s", got[0].To, got[2].To)
	}

	limited, _ := s.ListStateTransitions("agent-1", 2)
	if len(limited) != 2 {
		t.Errorf("limit not applied: got %d", len(limited))
	}
	if limited[1].To != StateProvisioning {
		t.Errorf("limit should keep newest rows, last = %s", limited[1].To)
	}
}

func TestProfileRoundtrip(t *testing.T) {
	s := testStore(t)

	p := &PermissionProfile{
		ID:           "prof-1",
		Name:         "operator",
		Skills:       SkillRules{Mode: "blocklist", List: []string{"payments"}},
		Tools:        ToolRules{Blocked: []string{"shell.exec"}},
		MaxRiskLevel: RiskMedium,
		RequireApproval: ApprovalRules{
			Enabled:       true,
			ForRiskLevels: []string{"medium"},
		},
	}
	if err := s.UpsertProfile("agent-1", p); err != nil {
		t.Fatalf("UpsertProfile() error: %v", err)
	}

	got, err := s.GetProfile("agent-1")
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if got.MaxRiskLevel != RiskMedium {
		t.Errorf("MaxRiskLevel = %q", got.MaxRiskLevel)
	}
	if len(got.Tools.Blocked) != 1 || got.Tools.Blocked[0] != "shell.exec" {
		t.Errorf("Tools.Blocked = %v", got.Tools.Blocked)
	}

	missing, err := s.GetProfile("nope")
	if err != nil || missing != nil {
		t.Errorf("GetProfile(missing) = %v, %v", missing, err)
	}

	if err := s.DeleteProfile("agent-1"); err != nil {
		t.Fatalf("DeleteProfile() error: %v", err)
	}
	got, _ = s.GetProfile("agent-1")
	if got != nil {
		t.Error("profile survived delete")
	}
}

func TestApprovalRoundtrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	a := &ApprovalRequest{
		ID:          "apr-1",
		AgentID:     "agent-1",
		AgentName:   "support-bot",
		OrgID:       "org-1",
		ToolID:      "payments.refund",
		RiskLevel:   RiskHigh,
		SideEffects: []string{"financial"},
		Parameters:  json.RawMessage(`{"amount": 42}`),
		Status:      ApprovalPending,
		ExpiresAt:   now.Add(30 * time.Minute),
		CreatedAt:   now,
	}
	if err := s.UpsertApproval(a); err != nil {
		t.Fatalf("UpsertApproval() error: %v", err)
	}

	a.Status = ApprovalApproved
	a.Decision = &ApprovalDecision{By: "admin@acme.com", At: now, Reason: "ok"}
	if err := s.UpsertApproval(a); err != nil {
		t.Fatalf("UpsertApproval() update error: %v", err)
	}

	got, err := s.GetApproval("apr-1")
	if err != nil {
		t.Fatalf("GetApproval() error: %v", err)
	}
	if got.Status != ApprovalApproved {
		t.Errorf("Status = %q", got.Status)
	}
	if got.Decision == nil || got.Decision.By != "admin@acme.com" {
		t.Errorf("Decision = %+v", got.Decision)
	}

	pending, err := s.ListApprovals(ApprovalFilter{OrgID: "org-1", Status: ApprovalPending})
	if err != nil || len(pending) != 0 {
		t.Errorf("pending list = %d, err %v", len(pending), err)
	}
	all, err := s.ListApprovals(ApprovalFilter{OrgID: "org-1"})
	if err != nil || len(all) != 1 {
		t.Errorf("org list = %d, err %v", len(all), err)
	}
}

func TestApprovalPolicyRoundtrip(t *testing.T) {
	s := testStore(t)

	p := &ApprovalPolicy{
		ID:                "pol-1",
		OrgID:             "org-1",
		Name:              "high risk gate",
		Priority:          10,
		ToolPatterns:      []string{"payments.*"},
		RiskLevels:        []string{"high", "critical"},
		Condition:         `tool.risk == "critical"`,
		TimeoutMinutes:    15,
		AutoDenyOnTimeout: true,
	}
	if err := s.UpsertApprovalPolicy(p); err != nil {
		t.Fatalf("UpsertApprovalPolicy() error: %v", err)
	}
	low := &ApprovalPolicy{ID: "pol-2", OrgID: "org-1", Name: "fallback", Priority: 1}
	if err := s.UpsertApprovalPolicy(low); err != nil {
		t.Fatalf("UpsertApprovalPolicy() error: %v", err)
	}

	got, err := s.ListApprovalPolicies("org-1")
	if err != nil {
		t.Fatalf("ListApprovalPolicies() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d policies, want 2", len(got))
	}
	if got[0].ID != "pol-1" {
		t.Errorf("highest priority first: got %s", got[0].ID)
	}
	if !got[0].AutoDenyOnTimeout {
		t.Error("AutoDenyOnTimeout lost")
	}
	if got[0].Condition == "" {
		t.Error("Condition lost")
	}

	if err := s.DeleteApprovalPolicy("pol-1"); err != nil {
		t.Fatalf("DeleteApprovalPolicy() error: %v", err)
	}
	got, _ = s.ListApprovalPolicies("org-1")
	if len(got) != 1 {
		t.Errorf("got %d policies after delete, want 1", len(got))
	}
}

func TestScheduleAndClockRoundtrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	w := &WorkSchedule{
		ID:           "sched-1",
		AgentID:      "agent-1",
		OrgID:        "org-1",
		Timezone:     "Europe/Berlin",
		ScheduleType: ScheduleStandard,
		Config: ScheduleConfig{
			Standard: &StandardPattern{Days: []int{1, 2, 3, 4, 5}, Start: "09:00", End: "17:00"},
		},
		EnforceClockOut:    true,
		AutoWakeEnabled:    true,
		OffHoursAction:     OffHoursQueue,
		GracePeriodMinutes: 15,
		Enabled:            true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.UpsertSchedule(w); err != nil {
		t.Fatalf("UpsertSchedule() error: %v", err)
	}

	got, err := s.GetScheduleByAgent("agent-1")
	if err != nil {
		t.Fatalf("GetScheduleByAgent() error: %v", err)
	}
	if got.OffHoursAction != OffHoursQueue {
		t.Errorf("OffHoursAction = %q", got.OffHoursAction)
	}
	if got.Config.Standard == nil || got.Config.Standard.Start != "09:00" {
		t.Errorf("Config.Standard = %+v", got.Config.Standard)
	}
	if !got.EnforceClockOut || got.EnforceClockIn {
		t.Errorf("enforce flags: in=%v out=%v", got.EnforceClockIn, got.EnforceClockOut)
	}

	rec := &ClockRecord{
		ID:          "clk-1",
		AgentID:     "agent-1",
		OrgID:       "org-1",
		Type:        ClockIn,
		TriggeredBy: "schedule",
		ActualAt:    now,
	}
	if err := s.InsertClockRecord(rec); err != nil {
		t.Fatalf("InsertClockRecord() error: %v", err)
	}
	recs, err := s.ListClockRecords(ClockFilter{AgentID: "agent-1"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListClockRecords() = %d, err %v", len(recs), err)
	}
	if recs[0].Type != ClockIn {
		t.Errorf("Type = %q", recs[0].Type)
	}
}

func TestTaskQueueRoundtrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	for i, prio := range []TaskPriority{PriorityLow, PriorityUrgent, PriorityNormal} {
		task := &QueuedTask{
			ID:        "task-" + string(prio),
			AgentID:   "agent-1",
			OrgID:     "org-1",
			Type:      "new",
			Title:     "do thing",
			Priority:  prio,
			Status:    "queued",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.UpsertTask(task); err != nil {
			t.Fatalf("UpsertTask() error: %v", err)
		}
	}

	got, err := s.ListTasks("agent-1", "queued")
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d tasks, want 3", len(got))
	}

	// Complete one and verify status filtering.
	done := got[0]
	done.Status = "completed"
	completedAt := now.Add(time.Minute)
	done.CompletedAt = &completedAt
	if err := s.UpsertTask(done); err != nil {
		t.Fatalf("UpsertTask() update error: %v", err)
	}
	queued, _ := s.ListTasks("agent-1", "queued")
	if len(queued) != 2 {
		t.Errorf("queued after completion = %d, want 2", len(queued))
	}

	if err := s.DeleteTasksByAgent("agent-1"); err != nil {
		t.Fatalf("DeleteTasksByAgent() error: %v", err)
	}
	rest, _ := s.ListTasks("agent-1", "")
	if len(rest) != 0 {
		t.Errorf("tasks survived delete: %d", len(rest))
	}
}

func TestMessageRoundtrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	m := &AgentMessage{
		ID:          "msg-1",
		OrgID:       "org-1",
		FromAgentID: "agent-1",
		ToAgentID:   "ext:client@example.com",
		Type:        "message",
		Subject:     "Quote",
		Direction:   DirectionExternalOutbound,
		Channel:     "email",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatalf("UpsertMessage() error: %v", err)
	}

	got, err := s.ListMessages(MessageFilter{OrgID: "org-1", Direction: DirectionExternalOutbound})
	if err != nil || len(got) != 1 {
		t.Fatalf("ListMessages() = %d, err %v", len(got), err)
	}
	if got[0].ToAgentID != "ext:client@example.com" {
		t.Errorf("ToAgentID = %q", got[0].ToAgentID)
	}

	byAgent, _ := s.ListMessages(MessageFilter{AgentID: "agent-1"})
	if len(byAgent) != 1 {
		t.Errorf("by-agent list = %d", len(byAgent))
	}
	internal, _ := s.ListMessages(MessageFilter{OrgID: "org-1", Direction: DirectionInternal})
	if len(internal) != 0 {
		t.Errorf("internal list = %d, want 0", len(internal))
	}
}

func TestBudgetAlertIdempotencyKey(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	a := &BudgetAlert{
		ID:        "ba-1",
		OrgID:     "org-1",
		AgentID:   "agent-1",
		Kind:      "budget_exceeded",
		Counter:   "tokens",
		PeriodKey: "2026-08",
		CreatedAt: now,
	}
	if err := s.InsertBudgetAlert(a); err != nil {
		t.Fatalf("InsertBudgetAlert() error: %v", err)
	}

	exists, err := s.HasBudgetAlert("agent-1", "budget_exceeded", "2026-08")
	if err != nil || !exists {
		t.Errorf("HasBudgetAlert() = %v, %v; want true", exists, err)
	}
	exists, _ = s.HasBudgetAlert("agent-1", "budget_exceeded", "2026-09")
	if exists {
		t.Error("alert leaked across periods")
	}

	if err := s.AcknowledgeBudgetAlert("ba-1"); err != nil {
		t.Fatalf("AcknowledgeBudgetAlert() error: %v", err)
	}
	unacked, _ := s.ListBudgetAlerts("org-1", true)
	if len(unacked) != 0 {
		t.Errorf("unacked alerts = %d, want 0", len(unacked))
	}
	all, _ := s.ListBudgetAlerts("org-1", false)
	if len(all) != 1 || !all[0].Acknowledged {
		t.Errorf("all alerts = %+v", all)
	}
}

func TestExtTables(t *testing.T) {
	s := testStore(t)

	table, err := s.RegisterTable("crm_leads", "id TEXT PRIMARY KEY, name TEXT, score INTEGER")
	if err != nil {
		t.Fatalf("RegisterTable() error: %v", err)
	}
	if table != "ext_crm_leads" {
		t.Errorf("table = %q, want ext_crm_leads", table)
	}

	// Prefix is forced even when the caller already supplies it.
	again, err := s.RegisterTable("ext_crm_leads", "id TEXT PRIMARY KEY, name TEXT, score INTEGER")
	if err != nil {
		t.Fatalf("re-register error: %v", err)
	}
	if again != "ext_crm_leads" {
		t.Errorf("re-register table = %q", again)
	}

	names, err := s.ListExtTables()
	if err != nil || len(names) != 1 {
		t.Fatalf("ListExtTables() = %v, err %v", names, err)
	}

	if _, err := s.Execute("INSERT INTO ext_crm_leads (id, name, score) VALUES (?, ?, ?)", "l1", "Jo", 5); err != nil {
		t.Fatalf("Execute() insert error: %v", err)
	}
	rows, err := s.Query("SELECT id, name, score FROM ext_crm_leads")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Jo" {
		t.Errorf("rows = %v", rows)
	}

	// Core tables are off limits to raw mutations.
	if _, err := s.Execute("DELETE FROM managed_agents"); err == nil {
		t.Error("Execute() on core table should fail")
	}
	// Query path rejects mutations outright.
	if _, err := s.Query("DELETE FROM ext_crm_leads"); err == nil {
		t.Error("Query() with mutation should fail")
	}
	// Invalid names rejected.
	if _, err := s.RegisterTable("bad name!", "id TEXT"); err == nil {
		t.Error("RegisterTable() with invalid name should fail")
	}
}

func TestFlusher(t *testing.T) {
	f := NewFlusher(time.Hour, nil) // interval long enough to never fire

	var calls int
	f.Mark("a", func() error { calls++; return nil })
	f.Mark("a", func() error { calls += 10; return nil }) // replaces
	f.Mark("b", func() error { calls += 100; return nil })

	if f.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", f.Pending())
	}
	f.FlushNow()
	if calls != 110 {
		t.Errorf("calls = %d, want 110 (latest closure per key)", calls)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending() after flush = %d", f.Pending())
	}

	// Stop flushes outstanding work even if the loop never started.
	f.Mark("c", func() error { calls += 1000; return nil })
	f.Stop()
	if calls != 1110 {
		t.Errorf("calls after Stop = %d, want 1110", calls)
	}
}
