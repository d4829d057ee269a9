package comms

import (
	"sort"
	"strings"
	"time"

	"github.com/agenticmail/engine/internal/store"
)

// TopologyFilter narrows the topology fold. AgentID matches either
// endpoint of an edge.
type TopologyFilter struct {
	OrgID   string
	AgentID string
	Since   *time.Time
}

// Node is one participant in the message graph: a managed agent or an
// external counterparty.
type Node struct {
	ID    string `json:"id"`
	Type  string `json:"type"` // agent or external
	Label string `json:"label"`
}

// Edge aggregates all messages between one ordered pair of nodes.
type Edge struct {
	From         string                 `json:"from"`
	To           string                 `json:"to"`
	MessageCount int                    `json:"messageCount"`
	Channels     map[string]int         `json:"channels"`
	Direction    store.MessageDirection `json:"direction"`
	LastActivity time.Time              `json:"lastActivity"`
}

// Topology is the folded message graph.
type Topology struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Stats counts recent messages by direction and channel.
type Stats struct {
	Total       int            `json:"total"`
	ByDirection map[string]int `json:"byDirection"`
	ByChannel   map[string]int `json:"byChannel"`
}

// GetTopology folds the recent message ring into nodes and aggregated
// edges.
func (o *Observer) GetTopology(filter TopologyFilter) Topology {
	o.mu.RLock()
	defer o.mu.RUnlock()

	nodes := make(map[string]Node)
	edges := make(map[string]*Edge)

	for _, m := range o.ring.snapshot() {
		if !matches(m, filter) {
			continue
		}
		addNode(nodes, m.FromAgentID, o.directory)
		addNode(nodes, m.ToAgentID, o.directory)

		key := m.FromAgentID + "|" + m.ToAgentID
		e, ok := edges[key]
		if !ok {
			e = &Edge{
				From:      m.FromAgentID,
				To:        m.ToAgentID,
				Channels:  make(map[string]int),
				Direction: m.Direction,
			}
			edges[key] = e
		}
		e.MessageCount++
		e.Channels[m.Channel]++
		if m.CreatedAt.After(e.LastActivity) {
			e.LastActivity = m.CreatedAt
		}
	}

	out := Topology{
		Nodes: make([]Node, 0, len(nodes)),
		Edges: make([]Edge, 0, len(edges)),
	}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, n)
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })
	for _, e := range edges {
		out.Edges = append(out.Edges, *e)
	}
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].From != out.Edges[j].From {
			return out.Edges[i].From < out.Edges[j].From
		}
		return out.Edges[i].To < out.Edges[j].To
	})
	return out
}

// GetStats counts ring messages per direction and channel.
func (o *Observer) GetStats(filter TopologyFilter) Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := Stats{
		ByDirection: make(map[string]int),
		ByChannel:   make(map[string]int),
	}
	for _, m := range o.ring.snapshot() {
		if !matches(m, filter) {
			continue
		}
		stats.Total++
		stats.ByDirection[string(m.Direction)]++
		stats.ByChannel[m.Channel]++
	}
	return stats
}

func matches(m *store.AgentMessage, filter TopologyFilter) bool {
	if filter.OrgID != "" && m.OrgID != filter.OrgID {
		return false
	}
	if filter.AgentID != "" && m.FromAgentID != filter.AgentID && m.ToAgentID != filter.AgentID {
		return false
	}
	if filter.Since != nil && m.CreatedAt.Before(*filter.Since) {
		return false
	}
	return true
}

func addNode(nodes map[string]Node, id string, directory map[string]directoryEntry) {
	if id == "" {
		return
	}
	if _, ok := nodes[id]; ok {
		return
	}
	if email, found := strings.CutPrefix(id, "ext:"); found {
		nodes[id] = Node{ID: id, Type: "external", Label: email}
		return
	}
	label := id
	for _, entry := range directory {
		if entry.AgentID == id && entry.DisplayName != "" {
			label = entry.DisplayName
			break
		}
	}
	nodes[id] = Node{ID: id, Type: "agent", Label: label}
}
