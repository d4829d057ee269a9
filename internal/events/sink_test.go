package events

import (
	"path/filepath"
	"testing"

	"github.com/agenticmail/engine/internal/store"
)

func TestSinkPersistsEvents(t *testing.T) {
	st, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	defer st.Close()

	bus := NewBus(nil)
	sink := NewSink(st, bus, nil)

	bus.EmitData("started", "o1", "a1", map[string]any{"state": "running"})
	bus.EmitData("clock_in", "o1", "a2", nil)

	list, err := st.ListActivityEvents(store.ActivityFilter{OrgID: "o1"})
	if err != nil {
		t.Fatalf("ListActivityEvents() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("persisted events = %d, want 2", len(list))
	}

	byAgent, _ := st.ListActivityEvents(store.ActivityFilter{AgentID: "a1", Type: "started"})
	if len(byAgent) != 1 {
		t.Fatalf("filtered events = %d, want 1", len(byAgent))
	}
	if len(byAgent[0].Data) == 0 {
		t.Error("event data not persisted")
	}

	// After Close the sink stops recording.
	sink.Close()
	bus.EmitData("stopped", "o1", "a1", nil)
	list, _ = st.ListActivityEvents(store.ActivityFilter{OrgID: "o1"})
	if len(list) != 2 {
		t.Errorf("events after close = %d, want 2", len(list))
	}
}
