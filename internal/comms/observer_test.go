package comms

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAgent(t *testing.T, st store.Store, id, orgID, name, email string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.UpsertAgent(&store.ManagedAgent{
		ID:        id,
		OrgID:     orgID,
		Config:    store.AgentConfig{Name: name, Email: email},
		State:     store.StateRunning,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("UpsertAgent(%s) error: %v", id, err)
	}
}

func newTestObserver(t *testing.T) (*Observer, store.Store) {
	t.Helper()
	st := testStore(t)
	seedAgent(t, st, "alice", "o1", "Alice", "alice@a.co")
	seedAgent(t, st, "bob", "o1", "Bob", "bob@a.co")
	seedAgent(t, st, "carol", "o2", "Carol", "carol@b.co")

	o := NewObserver(st, nil, 0, nil)
	t.Cleanup(o.Close)
	if err := o.LoadFromStore(); err != nil {
		t.Fatalf("LoadFromStore() error: %v", err)
	}
	return o, st
}

func TestDirectoryResolve(t *testing.T) {
	o, _ := newTestObserver(t)

	agentID, orgID, ok := o.Resolve("  Alice@A.co ")
	if !ok || agentID != "alice" || orgID != "o1" {
		t.Errorf("Resolve = %q %q %v", agentID, orgID, ok)
	}
	if _, _, ok := o.Resolve("nobody@a.co"); ok {
		t.Error("unknown email resolved")
	}
}

func TestDirectoryRebuildOnBusEvents(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus(nil)
	o := NewObserver(st, bus, 0, nil)
	t.Cleanup(o.Close)

	if _, _, ok := o.Resolve("dave@a.co"); ok {
		t.Fatal("directory should start empty")
	}

	seedAgent(t, st, "dave", "o1", "Dave", "dave@a.co")
	bus.EmitData("created", "o1", "dave", nil)
	if _, _, ok := o.Resolve("dave@a.co"); !ok {
		t.Fatal("created event should rebuild the org directory")
	}

	// Destroy removes the row; the rebuild drops the entry.
	if err := st.DeleteAgent("dave"); err != nil {
		t.Fatalf("DeleteAgent() error: %v", err)
	}
	bus.EmitData("destroyed", "o1", "dave", nil)
	if _, _, ok := o.Resolve("dave@a.co"); ok {
		t.Error("destroyed event should drop the entry")
	}
}

func TestObserveEmail_RecipientPartition(t *testing.T) {
	o, st := newTestObserver(t)

	// Comma-string to plus array cc: two org hits, one external miss.
	msgs, err := o.ObserveToolCall("o1", "x", "agenticmail_send", map[string]any{
		"to":      "alice@a.co, customer@x.com",
		"cc":      []any{"Bob@A.co"},
		"subject": "weekly report",
		"body":    "numbers attached",
	})
	if err != nil {
		t.Fatalf("ObserveToolCall() error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}

	var internal, external int
	for _, m := range msgs {
		if m.Channel != "email" {
			t.Errorf("channel = %q", m.Channel)
		}
		switch m.Direction {
		case store.DirectionInternal:
			internal++
		case store.DirectionExternalOutbound:
			external++
			if m.ToAgentID != "ext:customer@x.com" {
				t.Errorf("external toAgentId = %q", m.ToAgentID)
			}
		}
	}
	if internal != 2 || external != 1 {
		t.Errorf("partition = %d internal, %d external", internal, external)
	}

	// All three persisted.
	persisted, err := st.ListMessages(store.MessageFilter{OrgID: "o1"})
	if err != nil || len(persisted) != 3 {
		t.Errorf("persisted = %d, err %v", len(persisted), err)
	}

	// Cross-org email address is external even though it is a managed agent.
	msgs, err = o.ObserveToolCall("o1", "x", "agenticmail_reply", map[string]any{"to": "carol@b.co"})
	if err != nil {
		t.Fatalf("ObserveToolCall() error: %v", err)
	}
	if msgs[0].Direction != store.DirectionExternalOutbound || msgs[0].ToAgentID != "ext:carol@b.co" {
		t.Errorf("cross-org message = %+v", msgs[0])
	}

	if _, err := o.ObserveToolCall("o1", "x", "agenticmail_send", map[string]any{"subject": "no one"}); err == nil {
		t.Error("email without recipients should error")
	}
}

func TestObserveAgentTools(t *testing.T) {
	o, _ := newTestObserver(t)

	msgs, err := o.ObserveToolCall("o1", "alice", "message_agent", map[string]any{
		"toAgentId": "bob",
		"message":   "ship it",
	})
	if err != nil {
		t.Fatalf("ObserveToolCall() error: %v", err)
	}
	m := msgs[0]
	if m.Direction != store.DirectionInternal || m.Channel != "direct" || m.Content != "ship it" {
		t.Errorf("message = %+v", m)
	}

	msgs, _ = o.ObserveToolCall("o1", "alice", "call_agent", map[string]any{"toAgentId": "bob", "message": "now"})
	if msgs[0].Priority != "urgent" {
		t.Errorf("call_agent priority = %q", msgs[0].Priority)
	}

	// check_tasks and unrelated tools leave no trace.
	if msgs, _ := o.ObserveToolCall("o1", "alice", "check_tasks", nil); msgs != nil {
		t.Error("check_tasks created messages")
	}
	if msgs, _ := o.ObserveToolCall("o1", "alice", "shell_exec", nil); msgs != nil {
		t.Error("non-communication tool created messages")
	}

	if _, err := o.ObserveToolCall("o1", "alice", "message_agent", map[string]any{}); err == nil {
		t.Error("message_agent without recipient should error")
	}
}

func TestTaskLifecycleByTaskID(t *testing.T) {
	o, _ := newTestObserver(t)

	msgs, err := o.ObserveToolCall("o1", "alice", "message_agent", map[string]any{
		"toAgentId": "bob",
		"taskId":    "task-7",
		"message":   "summarize the thread",
	})
	if err != nil {
		t.Fatalf("ObserveToolCall() error: %v", err)
	}
	if msgs[0].Type != "task" || msgs[0].Status != "pending" {
		t.Fatalf("task message = %+v", msgs[0])
	}

	if _, err := o.ObserveToolCall("o1", "bob", "claim_task", map[string]any{"taskId": "task-7"}); err != nil {
		t.Fatalf("claim_task error: %v", err)
	}
	if msgs[0].Status != "claimed" || msgs[0].ClaimedAt == nil {
		t.Errorf("after claim = %+v", msgs[0])
	}

	if _, err := o.ObserveToolCall("o1", "bob", "submit_result", map[string]any{
		"taskId": "task-7",
		"result": "done",
	}); err != nil {
		t.Fatalf("submit_result error: %v", err)
	}
	if msgs[0].Status != "completed" || msgs[0].CompletedAt == nil {
		t.Errorf("after submit = %+v", msgs[0])
	}

	if _, err := o.ObserveToolCall("o1", "bob", "claim_task", map[string]any{"taskId": "ghost"}); err == nil {
		t.Error("claiming an unknown task should error")
	}
	if _, err := o.ObserveToolCall("o1", "bob", "complete_task", map[string]any{}); err == nil {
		t.Error("complete_task without taskId should error")
	}
}

func TestGetTopology(t *testing.T) {
	o, _ := newTestObserver(t)

	o.ObserveToolCall("o1", "alice", "agenticmail_send", map[string]any{"to": "bob@a.co"})
	o.ObserveToolCall("o1", "alice", "agenticmail_send", map[string]any{"to": "bob@a.co, customer@x.com"})
	o.ObserveToolCall("o1", "alice", "message_agent", map[string]any{"toAgentId": "bob", "message": "hi"})
	o.ObserveToolCall("o2", "carol", "message_agent", map[string]any{"toAgentId": "carol2", "message": "hi"})

	topo := o.GetTopology(TopologyFilter{OrgID: "o1"})
	if len(topo.Nodes) != 3 {
		t.Fatalf("nodes = %d, want 3", len(topo.Nodes))
	}
	for _, n := range topo.Nodes {
		if n.ID == "ext:customer@x.com" {
			if n.Type != "external" || n.Label != "customer@x.com" {
				t.Errorf("external node = %+v", n)
			}
		} else if n.Type != "agent" {
			t.Errorf("node = %+v", n)
		}
	}

	// alice->bob folds two email sends and one direct message.
	if len(topo.Edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(topo.Edges))
	}
	var ab *Edge
	for i := range topo.Edges {
		if topo.Edges[i].To == "bob" {
			ab = &topo.Edges[i]
		}
	}
	if ab == nil || ab.MessageCount != 3 {
		t.Fatalf("alice->bob edge = %+v", ab)
	}
	if ab.Channels["email"] != 2 || ab.Channels["direct"] != 1 {
		t.Errorf("channels = %v", ab.Channels)
	}

	// Agent filter keeps only edges touching the agent.
	topo = o.GetTopology(TopologyFilter{OrgID: "o1", AgentID: "bob"})
	if len(topo.Edges) != 1 || topo.Edges[0].To != "bob" {
		t.Errorf("agent-filtered edges = %+v", topo.Edges)
	}

	stats := o.GetStats(TopologyFilter{OrgID: "o1"})
	if stats.Total != 4 || stats.ByDirection["internal"] != 3 || stats.ByDirection["external_outbound"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByChannel["email"] != 3 || stats.ByChannel["direct"] != 1 {
		t.Errorf("channels = %+v", stats.ByChannel)
	}
}

func TestRingEviction(t *testing.T) {
	st := testStore(t)
	o := NewObserver(st, nil, 5, nil)
	t.Cleanup(o.Close)

	for i := 0; i < 8; i++ {
		_, err := o.ObserveToolCall("o1", "a", "agenticmail_send", map[string]any{
			"to": fmt.Sprintf("r%d@x.com", i),
		})
		if err != nil {
			t.Fatalf("ObserveToolCall() error: %v", err)
		}
	}

	stats := o.GetStats(TopologyFilter{OrgID: "o1"})
	if stats.Total != 5 {
		t.Errorf("ring total = %d, want 5", stats.Total)
	}
	// Oldest three were evicted from the fold.
	topo := o.GetTopology(TopologyFilter{OrgID: "o1"})
	for _, e := range topo.Edges {
		if e.To == "ext:r0@x.com" || e.To == "ext:r1@x.com" || e.To == "ext:r2@x.com" {
			t.Errorf("evicted edge still present: %+v", e)
		}
	}
	// Persistence is unaffected by eviction.
	persisted, _ := st.ListMessages(store.MessageFilter{OrgID: "o1"})
	if len(persisted) != 8 {
		t.Errorf("persisted = %d, want 8", len(persisted))
	}
}

func TestLoadFromStore_SeedsRing(t *testing.T) {
	o, st := newTestObserver(t)
	o.ObserveToolCall("o1", "alice", "message_agent", map[string]any{"toAgentId": "bob", "message": "one"})
	o.ObserveToolCall("o1", "alice", "message_agent", map[string]any{"toAgentId": "bob", "message": "two"})

	fresh := NewObserver(st, nil, 0, nil)
	t.Cleanup(fresh.Close)
	if err := fresh.LoadFromStore(); err != nil {
		t.Fatalf("LoadFromStore() error: %v", err)
	}
	stats := fresh.GetStats(TopologyFilter{OrgID: "o1"})
	if stats.Total != 2 {
		t.Errorf("rehydrated ring total = %d, want 2", stats.Total)
	}
}
