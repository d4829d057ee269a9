package approval

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
)

func testWorkflow(t *testing.T) (*Workflow, store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	w, err := NewWorkflow(st, events.NewBus(nil), 0, nil)
	if err != nil {
		t.Fatalf("NewWorkflow() error: %v", err)
	}
	return w, st
}

func TestRequest_DefaultTimeout(t *testing.T) {
	w, _ := testWorkflow(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	req, err := w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push"})
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if req.Status != store.ApprovalPending {
		t.Errorf("Status = %q", req.Status)
	}
	if want := base.Add(30 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	if _, err := w.Request(RequestInput{ToolID: "x"}); err == nil {
		t.Error("missing agentId should be rejected")
	}
}

func TestSetDefaultTimeout(t *testing.T) {
	w, _ := testWorkflow(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	w.SetDefaultTimeout(5 * time.Minute)
	req, err := w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push"})
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if want := base.Add(5 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	// Non-positive values restore the default.
	w.SetDefaultTimeout(0)
	req, _ = w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push"})
	if want := base.Add(DefaultTimeout); !req.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}
}

func TestDecide_FirstTransitionWins(t *testing.T) {
	w, st := testWorkflow(t)
	req, _ := w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push"})

	got, err := w.Decide(req.ID, true, "alice", "looks safe")
	if err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	if got.Status != store.ApprovalApproved || got.Decision == nil || got.Decision.By != "alice" {
		t.Errorf("decision = %+v", got)
	}

	// Second decision is refused.
	if _, err := w.Decide(req.ID, false, "bob", ""); err == nil {
		t.Error("second decision should be refused")
	}

	persisted, _ := st.GetApproval(req.ID)
	if persisted.Status != store.ApprovalApproved {
		t.Errorf("persisted status = %q", persisted.Status)
	}
	if len(w.GetPending("")) != 0 {
		t.Error("decided request still pending")
	}
}

func TestSweepExpired(t *testing.T) {
	w, _ := testWorkflow(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	// 15-minute policy, no auto-deny.
	if err := w.SetPolicy(&store.ApprovalPolicy{
		OrgID: "o1", Name: "fast", ToolPatterns: []string{"github_*"}, TimeoutMinutes: 15,
	}); err != nil {
		t.Fatalf("SetPolicy() error: %v", err)
	}
	req, _ := w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push"})
	if want := base.Add(15 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	// One second before the deadline nothing happens.
	w.now = func() time.Time { return base.Add(15*time.Minute - time.Second) }
	if n := w.SweepExpired(); n != 0 {
		t.Errorf("early sweep resolved %d", n)
	}

	// One second after, the request expires.
	w.now = func() time.Time { return base.Add(15*time.Minute + time.Second) }
	if n := w.SweepExpired(); n != 1 {
		t.Fatalf("sweep resolved %d, want 1", n)
	}
	got, _ := w.Get(req.ID)
	if got.Status != store.ApprovalExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
}

func TestSweepExpired_AutoDeny(t *testing.T) {
	w, _ := testWorkflow(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	w.SetPolicy(&store.ApprovalPolicy{
		OrgID: "o1", Name: "strict", ToolPatterns: []string{"*"},
		TimeoutMinutes: 5, AutoDenyOnTimeout: true,
	})
	req, _ := w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "payments_charge"})

	w.now = func() time.Time { return base.Add(6 * time.Minute) }
	w.SweepExpired()

	got, _ := w.Get(req.ID)
	if got.Status != store.ApprovalAutoDenied {
		t.Errorf("status = %q, want auto_denied", got.Status)
	}
	if got.Decision == nil || got.Decision.By != "system" {
		t.Errorf("decision = %+v", got.Decision)
	}
}

func TestPolicyPriorityAndSelectors(t *testing.T) {
	w, _ := testWorkflow(t)

	w.SetPolicy(&store.ApprovalPolicy{OrgID: "o1", Name: "catchall", Priority: 1, TimeoutMinutes: 60})
	w.SetPolicy(&store.ApprovalPolicy{
		OrgID: "o1", Name: "risky", Priority: 10,
		RiskLevels: []string{"high", "critical"}, TimeoutMinutes: 10,
	})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	// High risk hits the priority-10 policy.
	req, _ := w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push", RiskLevel: store.RiskHigh})
	if want := base.Add(10 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("high-risk ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}
	// Low risk falls through to the catchall.
	req, _ = w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "files_read", RiskLevel: store.RiskLow})
	if want := base.Add(60 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("low-risk ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}
	// Another org sees no policies.
	req, _ = w.Request(RequestInput{AgentID: "a1", OrgID: "o2", ToolID: "files_read"})
	if want := base.Add(30 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("foreign-org ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	list := w.ListPolicies("o1")
	if len(list) != 2 || list[0].Name != "risky" {
		t.Errorf("ListPolicies order: %v", list)
	}
}

func TestPolicyCondition(t *testing.T) {
	w, _ := testWorkflow(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	if err := w.SetPolicy(&store.ApprovalPolicy{
		OrgID: "o1", Name: "big-spend", TimeoutMinutes: 5,
		Condition: `tool.id == "payments_charge" && double(tool.params["amount"]) > 100.0`,
	}); err != nil {
		t.Fatalf("SetPolicy() error: %v", err)
	}

	// Condition fires: 5-minute deadline.
	req, _ := w.Request(RequestInput{
		AgentID: "a1", OrgID: "o1", ToolID: "payments_charge",
		Parameters: map[string]any{"amount": 250.0},
	})
	if want := base.Add(5 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("matched ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	// Condition does not fire: workflow default.
	req, _ = w.Request(RequestInput{
		AgentID: "a1", OrgID: "o1", ToolID: "payments_charge",
		Parameters: map[string]any{"amount": 10.0},
	})
	if want := base.Add(30 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("unmatched ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	// Evaluation failure fails closed: missing param still matches.
	req, _ = w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "payments_charge"})
	if want := base.Add(5 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("fail-closed ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	// A condition that does not compile is rejected at write time.
	if err := w.SetPolicy(&store.ApprovalPolicy{OrgID: "o1", Name: "bad", Condition: "tool.id +"}); err == nil {
		t.Error("bad condition should be rejected")
	}
	if err := w.SetPolicy(&store.ApprovalPolicy{OrgID: "o1", Name: "nonbool", Condition: `tool.id`}); err == nil {
		t.Error("non-bool condition should be rejected")
	}
}

func TestToolPatternGlob(t *testing.T) {
	cases := []struct {
		patterns []string
		toolID   string
		want     bool
	}{
		{[]string{"github_push"}, "github_push", true},
		{[]string{"github_*"}, "github_merge_pr", true},
		{[]string{"github_*"}, "slack_post_message", false},
		{[]string{"*"}, "anything", true},
		{[]string{}, "anything", false},
	}
	for _, tc := range cases {
		if got := matchesAnyPattern(tc.patterns, tc.toolID); got != tc.want {
			t.Errorf("matchesAnyPattern(%v, %q) = %v, want %v", tc.patterns, tc.toolID, got, tc.want)
		}
	}
}

func TestAutoDenyForAgent(t *testing.T) {
	w, _ := testWorkflow(t)
	w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push"})
	w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "files_delete"})
	keep, _ := w.Request(RequestInput{AgentID: "a2", OrgID: "o1", ToolID: "github_push"})

	if n := w.AutoDenyForAgent("a1", "agent destroyed"); n != 2 {
		t.Fatalf("AutoDenyForAgent resolved %d, want 2", n)
	}
	pending := w.GetPending("")
	if len(pending) != 1 || pending[0].ID != keep.ID {
		t.Errorf("pending after cascade: %v", pending)
	}
}

func TestLoadFromStore(t *testing.T) {
	w, st := testWorkflow(t)
	w.SetPolicy(&store.ApprovalPolicy{
		OrgID: "o1", Name: "strict", ToolPatterns: []string{"*"},
		TimeoutMinutes: 5, AutoDenyOnTimeout: true,
	})
	req, _ := w.Request(RequestInput{AgentID: "a1", OrgID: "o1", ToolID: "github_push"})

	fresh, err := NewWorkflow(st, nil, 0, nil)
	if err != nil {
		t.Fatalf("NewWorkflow() error: %v", err)
	}
	if err := fresh.LoadFromStore(); err != nil {
		t.Fatalf("LoadFromStore() error: %v", err)
	}

	pending := fresh.GetPending("a1")
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending not rehydrated: %v", pending)
	}
	if len(fresh.ListPolicies("o1")) != 1 {
		t.Error("policies not rehydrated")
	}

	// Timeout behavior survives the restart.
	fresh.now = func() time.Time { return time.Now().Add(time.Hour) }
	fresh.SweepExpired()
	got, _ := fresh.Get(req.ID)
	if got.Status != store.ApprovalAutoDenied {
		t.Errorf("status after restart sweep = %q, want auto_denied", got.Status)
	}
}
