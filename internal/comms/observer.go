// Package comms observes agent communication tool calls, classifies the
// traffic as internal or external and folds it into a message graph.
package comms

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
)

// DefaultRingSize caps the in-memory message window used for topology.
const DefaultRingSize = 2000

// directoryEntry maps one lowercased email address to its agent.
type directoryEntry struct {
	AgentID     string
	OrgID       string
	DisplayName string
}

// Observer watches communication tool calls. It keeps an email directory
// of managed agents, rebuilt on lifecycle events, and a bounded ring of
// recent messages that backs topology and stats queries.
type Observer struct {
	mu        sync.RWMutex
	directory map[string]directoryEntry      // lowercased email -> agent
	orgEmails map[string]map[string]struct{} // orgID -> set of emails
	ring      *messageRing

	store       store.Store
	logger      *slog.Logger
	now         func() time.Time
	unsubscribe func()
}

// NewObserver creates the observer and, when a bus is given, subscribes
// to lifecycle events to keep the directory current.
func NewObserver(st store.Store, bus *events.Bus, ringSize int, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	o := &Observer{
		directory: make(map[string]directoryEntry),
		orgEmails: make(map[string]map[string]struct{}),
		ring:      newMessageRing(ringSize),
		store:     st,
		logger:    logger.With("component", "comms.Observer"),
		now:       time.Now,
	}
	if bus != nil {
		o.unsubscribe = bus.Subscribe(o.onEvent)
	}
	return o
}

// Close detaches the observer from the event bus.
func (o *Observer) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// LoadFromStore rebuilds the full directory and seeds the ring with the
// most recent persisted messages.
func (o *Observer) LoadFromStore() error {
	if o.store == nil {
		return nil
	}
	agents, err := o.store.ListAgents("")
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	byOrg := make(map[string][]*store.ManagedAgent)
	for _, a := range agents {
		byOrg[a.OrgID] = append(byOrg[a.OrgID], a)
	}
	o.mu.Lock()
	for orgID, orgAgents := range byOrg {
		o.rebuildLocked(orgID, orgAgents)
	}
	o.mu.Unlock()

	msgs, err := o.store.ListMessages(store.MessageFilter{Limit: o.ring.cap()})
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	// Newest first from the store; replay oldest first into the ring.
	o.mu.Lock()
	for i := len(msgs) - 1; i >= 0; i-- {
		o.ring.push(msgs[i])
	}
	o.mu.Unlock()
	return nil
}

// directory rebuild triggers
var rebuildEvents = map[string]bool{
	"created":    true,
	"configured": true,
	"updated":    true,
	"destroyed":  true,
	"started":    true,
	"stopped":    true,
}

func (o *Observer) onEvent(ev events.Event) {
	if !rebuildEvents[ev.Type] || ev.OrgID == "" {
		return
	}
	o.RebuildOrg(ev.OrgID)
}

// RebuildOrg re-indexes one org's agent emails from the store.
func (o *Observer) RebuildOrg(orgID string) {
	if o.store == nil {
		return
	}
	agents, err := o.store.ListAgents(orgID)
	if err != nil {
		o.logger.Error("failed to rebuild directory", "org_id", orgID, "error", err)
		return
	}
	o.mu.Lock()
	o.rebuildLocked(orgID, agents)
	o.mu.Unlock()
}

func (o *Observer) rebuildLocked(orgID string, agents []*store.ManagedAgent) {
	for email := range o.orgEmails[orgID] {
		delete(o.directory, email)
	}
	emails := make(map[string]struct{})
	for _, a := range agents {
		email := strings.ToLower(strings.TrimSpace(a.Config.Email))
		if email == "" {
			continue
		}
		emails[email] = struct{}{}
		o.directory[email] = directoryEntry{
			AgentID:     a.ID,
			OrgID:       orgID,
			DisplayName: a.Config.Name,
		}
	}
	o.orgEmails[orgID] = emails
}

// Resolve maps an email address to its managed agent id, if any.
func (o *Observer) Resolve(email string) (agentID, orgID string, ok bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.directory[strings.ToLower(strings.TrimSpace(email))]
	return entry.AgentID, entry.OrgID, ok
}

var emailTools = map[string]bool{
	"agenticmail_send":    true,
	"agenticmail_reply":   true,
	"agenticmail_forward": true,
}

// ObserveToolCall classifies one communication tool call and records the
// resulting messages. Non-communication tools are ignored. The returned
// slice holds the messages created by this call; task-state tools update
// an existing message and return nil.
func (o *Observer) ObserveToolCall(orgID, agentID, toolID string, params map[string]any) ([]*store.AgentMessage, error) {
	switch {
	case emailTools[toolID]:
		return o.observeEmail(orgID, agentID, params)
	case toolID == "message_agent" || toolID == "call_agent":
		return o.observeAgentMessage(orgID, agentID, toolID, params)
	case toolID == "claim_task":
		return nil, o.updateTask(params, "claimed")
	case toolID == "complete_task" || toolID == "submit_result":
		return nil, o.updateTask(params, "completed")
	}
	// check_tasks and everything else leave no trace.
	return nil, nil
}

// observeAgentMessage records one internal direct message. A taskId in
// the params marks it as a task handoff so later claim/complete calls
// can find it.
func (o *Observer) observeAgentMessage(orgID, agentID, toolID string, params map[string]any) ([]*store.AgentMessage, error) {
	to := stringParam(params, "toAgentId")
	if to == "" {
		to = stringParam(params, "to")
	}
	if to == "" {
		return nil, fmt.Errorf("%s requires toAgentId", toolID)
	}
	now := o.now().UTC()
	m := &store.AgentMessage{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		FromAgentID: agentID,
		ToAgentID:   to,
		Type:        "message",
		Subject:     stringParam(params, "subject"),
		Content:     messageBody(params),
		Priority:    stringParam(params, "priority"),
		Direction:   store.DirectionInternal,
		Channel:     "direct",
		Status:      "sent",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if toolID == "call_agent" && m.Priority == "" {
		m.Priority = "urgent"
	}
	if taskID := stringParam(params, "taskId"); taskID != "" {
		m.Type = "task"
		m.Status = "pending"
		m.Metadata, _ = json.Marshal(map[string]string{"taskId": taskID})
	}
	o.commit(m)
	return []*store.AgentMessage{m}, nil
}

// observeEmail partitions recipients against the directory: same-org
// hits become internal agent-to-agent email, everything else is
// external outbound to a synthetic ext: counterparty. One message per
// parsed recipient.
func (o *Observer) observeEmail(orgID, agentID string, params map[string]any) ([]*store.AgentMessage, error) {
	var recipients []string
	for _, field := range []string{"to", "cc", "bcc"} {
		recipients = append(recipients, parseRecipients(params[field])...)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("email tool call has no recipients")
	}

	now := o.now().UTC()
	subject := stringParam(params, "subject")
	body := messageBody(params)

	out := make([]*store.AgentMessage, 0, len(recipients))
	for _, addr := range recipients {
		m := &store.AgentMessage{
			ID:          uuid.NewString(),
			OrgID:       orgID,
			FromAgentID: agentID,
			Type:        "message",
			Subject:     subject,
			Content:     body,
			Channel:     "email",
			Status:      "sent",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if toAgent, entryOrg, ok := o.Resolve(addr); ok && entryOrg == orgID {
			m.Direction = store.DirectionInternal
			m.ToAgentID = toAgent
		} else {
			m.Direction = store.DirectionExternalOutbound
			m.ToAgentID = "ext:" + addr
		}
		o.commit(m)
		out = append(out, m)
	}
	return out, nil
}

// updateTask resolves the task message by metadata.taskId and moves it
// to the given status.
func (o *Observer) updateTask(params map[string]any, status string) error {
	taskID := stringParam(params, "taskId")
	if taskID == "" {
		return fmt.Errorf("task tool call requires taskId")
	}

	o.mu.Lock()
	m := o.ring.findTask(taskID)
	if m == nil {
		o.mu.Unlock()
		return fmt.Errorf("no message for task %s", taskID)
	}
	now := o.now().UTC()
	m.Status = status
	m.UpdatedAt = now
	switch status {
	case "claimed":
		m.ClaimedAt = &now
	case "completed":
		m.CompletedAt = &now
	}
	if result, ok := params["result"]; ok {
		merged := map[string]any{"taskId": taskID, "result": result}
		m.Metadata, _ = json.Marshal(merged)
	}
	o.mu.Unlock()

	o.persist(m)
	return nil
}

// Messages lists persisted messages.
func (o *Observer) Messages(filter store.MessageFilter) ([]*store.AgentMessage, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.ListMessages(filter)
}

// commit appends to the ring and persists, in that order. The ring is
// authoritative for topology; persistence failures are logged only.
func (o *Observer) commit(m *store.AgentMessage) {
	o.mu.Lock()
	o.ring.push(m)
	o.mu.Unlock()
	o.persist(m)
}

func (o *Observer) persist(m *store.AgentMessage) {
	if o.store == nil {
		return
	}
	if err := o.store.UpsertMessage(m); err != nil {
		o.logger.Error("failed to persist message", "message_id", m.ID, "error", err)
	}
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}

// messageBody accepts the common body field aliases.
func messageBody(params map[string]any) string {
	for _, key := range []string{"body", "message", "text", "content"} {
		if v := stringParam(params, key); v != "" {
			return v
		}
	}
	return ""
}

// parseRecipients accepts a JSON array of addresses or one
// comma-delimited string. Addresses are lowercased and trimmed; empties
// dropped.
func parseRecipients(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	var out []string
	for _, addr := range raw {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// messageRing is a fixed-capacity window over the most recent messages.
type messageRing struct {
	buf  []*store.AgentMessage
	next int
	full bool
}

func newMessageRing(size int) *messageRing {
	return &messageRing{buf: make([]*store.AgentMessage, size)}
}

func (r *messageRing) cap() int { return len(r.buf) }

func (r *messageRing) push(m *store.AgentMessage) {
	r.buf[r.next] = m
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the ring contents oldest first.
func (r *messageRing) snapshot() []*store.AgentMessage {
	if !r.full {
		out := make([]*store.AgentMessage, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]*store.AgentMessage, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// findTask scans newest first for the message carrying the task id.
func (r *messageRing) findTask(taskID string) *store.AgentMessage {
	snap := r.snapshot()
	for i := len(snap) - 1; i >= 0; i-- {
		m := snap[i]
		if len(m.Metadata) == 0 {
			continue
		}
		var meta struct {
			TaskID string `json:"taskId"`
		}
		if json.Unmarshal(m.Metadata, &meta) == nil && meta.TaskID == taskID {
			return m
		}
	}
	return nil
}
