package events

import (
	"testing"
)

func TestBus_OrderedDelivery(t *testing.T) {
	b := NewBus(nil)

	var got []string
	b.Subscribe(func(ev Event) { got = append(got, "first:"+ev.Type) })
	b.Subscribe(func(ev Event) { got = append(got, "second:"+ev.Type) })

	b.EmitData("agent_created", "org-1", "agent-1", nil)
	b.EmitData("agent_deployed", "org-1", "agent-1", nil)

	want := []string{
		"first:agent_created", "second:agent_created",
		"first:agent_deployed", "second:agent_deployed",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d deliveries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	b := NewBus(nil)

	var delivered int
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { delivered++ })

	b.EmitData("agent_created", "org-1", "agent-1", nil)
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 (panic must not break fan-out)", delivered)
	}
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	b := NewBus(nil)

	var delivered int
	unsub := b.Subscribe(func(Event) { delivered++ })

	b.EmitData("x", "", "", nil)
	unsub()
	unsub() // second call is a no-op
	b.EmitData("x", "", "", nil)

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestBus_AssignsSortableIDs(t *testing.T) {
	b := NewBus(nil)

	e1 := b.EmitData("a", "", "", nil)
	e2 := b.EmitData("b", "", "", nil)

	if e1.ID == "" || e2.ID == "" {
		t.Fatal("events missing IDs")
	}
	if e1.ID >= e2.ID {
		t.Errorf("IDs not monotonic: %s >= %s", e1.ID, e2.ID)
	}
	if e1.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestBus_EmitDataMarshalsPayload(t *testing.T) {
	b := NewBus(nil)

	var got Event
	b.Subscribe(func(ev Event) { got = ev })
	b.EmitData("budget_warning", "org-1", "agent-1", map[string]any{"percent": 80})

	if got.OrgID != "org-1" || got.AgentID != "agent-1" {
		t.Errorf("scope lost: %+v", got)
	}
	if string(got.Data) != `{"percent":80}` {
		t.Errorf("Data = %s", got.Data)
	}
}
