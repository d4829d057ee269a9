package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agenticmail/engine/internal/comms"
	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
)

const sseHeartbeat = 30 * time.Second

func (s *Server) handleActivityEvents(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListActivityEvents(store.ActivityFilter{
		OrgID:   r.URL.Query().Get("orgId"),
		AgentID: r.URL.Query().Get("agentId"),
		Type:    r.URL.Query().Get("type"),
		Since:   querySince(r),
		Limit:   queryInt(r, "limit", 100),
		Offset:  queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"events": list})
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListToolCalls(store.ActivityFilter{
		OrgID:   r.URL.Query().Get("orgId"),
		AgentID: r.URL.Query().Get("agentId"),
		Since:   querySince(r),
		Limit:   queryInt(r, "limit", 100),
		Offset:  queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"toolCalls": list})
}

func (s *Server) handleActivityStats(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	messageStats := s.comms.GetStats(comms.TopologyFilter{OrgID: orgID, Since: querySince(r)})

	recent, err := s.store.ListActivityEvents(store.ActivityFilter{
		OrgID: orgID,
		Since: querySince(r),
		Limit: 1000,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byType := make(map[string]int)
	for _, ev := range recent {
		byType[ev.Type]++
	}
	writeJSON(w, map[string]any{
		"messages":     messageStats,
		"eventsByType": byType,
	})
}

// handleEventStream bridges the event bus to SSE. The orgId and agentId
// query parameters filter server-side; a heartbeat comment keeps idle
// connections open.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	orgID := r.URL.Query().Get("orgId")
	agentID := r.URL.Query().Get("agentId")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Buffered so a slow client never blocks the bus.
	feed := make(chan events.Event, 64)
	unsubscribe := s.bus.Subscribe(func(ev events.Event) {
		if orgID != "" && ev.OrgID != orgID {
			return
		}
		if agentID != "" && ev.AgentID != agentID {
			return
		}
		select {
		case feed <- ev:
		default:
			// Drop rather than stall the emitter.
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-feed:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
