// Package approval gates high-stakes tool calls on a human decision.
// Pending requests live in memory; every transition is persisted and a
// request reaches exactly one terminal status.
package approval

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
)

// DefaultTimeout applies when no policy sets one.
const DefaultTimeout = 30 * time.Minute

// RequestInput describes the tool call being gated.
type RequestInput struct {
	AgentID     string          `json:"agentId"`
	AgentName   string          `json:"agentName"`
	OrgID       string          `json:"orgId"`
	ToolID      string          `json:"toolId"`
	ToolName    string          `json:"toolName"`
	Reason      string          `json:"reason"`
	RiskLevel   store.RiskLevel `json:"riskLevel"`
	SideEffects []string        `json:"sideEffects,omitempty"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
}

// Workflow owns approval requests and the org policies that shape them.
type Workflow struct {
	mu       sync.RWMutex
	pending  map[string]*store.ApprovalRequest
	autoDeny map[string]bool                    // request id -> matched policy auto-denies on timeout
	policies map[string][]*store.ApprovalPolicy // orgID -> priority DESC
	compiled map[string]CompiledCondition       // policy id -> condition

	eval    *Evaluator
	store   store.Store
	bus     *events.Bus
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewWorkflow creates an approval workflow. A zero timeout falls back to
// DefaultTimeout.
func NewWorkflow(st store.Store, bus *events.Bus, timeout time.Duration, logger *slog.Logger) (*Workflow, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	eval, err := NewEvaluator(logger)
	if err != nil {
		return nil, err
	}
	return &Workflow{
		pending:  make(map[string]*store.ApprovalRequest),
		autoDeny: make(map[string]bool),
		policies: make(map[string][]*store.ApprovalPolicy),
		compiled: make(map[string]CompiledCondition),
		eval:     eval,
		store:    st,
		bus:      bus,
		timeout:  timeout,
		logger:   logger.With("component", "approval.Workflow"),
		now:      time.Now,
	}, nil
}

// SetDefaultTimeout replaces the fallback deadline for new requests.
// Non-positive values restore DefaultTimeout. Pending requests keep the
// deadline they were created with.
func (w *Workflow) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	w.mu.Lock()
	w.timeout = d
	w.mu.Unlock()
}

// LoadFromStore rehydrates pending requests and policies after a restart.
func (w *Workflow) LoadFromStore() error {
	if w.store == nil {
		return nil
	}
	pending, err := w.store.ListApprovals(store.ApprovalFilter{Status: store.ApprovalPending})
	if err != nil {
		return fmt.Errorf("failed to load pending approvals: %w", err)
	}
	policies, err := w.store.ListApprovalPolicies("")
	if err != nil {
		return fmt.Errorf("failed to load approval policies: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, req := range pending {
		w.pending[req.ID] = req
	}
	for _, p := range policies {
		w.policies[p.OrgID] = append(w.policies[p.OrgID], p)
		if p.Condition != "" {
			cond, err := w.eval.Compile(p.Condition)
			if err != nil {
				w.logger.Error("stored policy condition no longer compiles", "policy_id", p.ID, "error", err)
				continue
			}
			w.compiled[p.ID] = cond
		}
	}
	for _, list := range w.policies {
		sortPolicies(list)
	}
	// Re-derive timeout behavior for requests created before the restart.
	for _, req := range w.pending {
		if p := w.matchPolicyLocked(req.OrgID, ConditionInput{
			ToolID:      req.ToolID,
			Risk:        string(req.RiskLevel),
			SideEffects: req.SideEffects,
			AgentID:     req.AgentID,
			OrgID:       req.OrgID,
		}); p != nil {
			w.autoDeny[req.ID] = p.AutoDenyOnTimeout
		}
	}
	return nil
}

// Request opens an approval request for a gated tool call. The deadline
// comes from the highest-priority matching org policy, or the workflow
// default when none matches.
func (w *Workflow) Request(in RequestInput) (*store.ApprovalRequest, error) {
	if in.AgentID == "" || in.ToolID == "" {
		return nil, fmt.Errorf("agentId and toolId are required")
	}

	now := w.now().UTC()
	req := &store.ApprovalRequest{
		ID:          uuid.NewString(),
		AgentID:     in.AgentID,
		AgentName:   in.AgentName,
		OrgID:       in.OrgID,
		ToolID:      in.ToolID,
		ToolName:    in.ToolName,
		Reason:      in.Reason,
		RiskLevel:   in.RiskLevel,
		SideEffects: append([]string(nil), in.SideEffects...),
		Status:      store.ApprovalPending,
		CreatedAt:   now,
	}
	if in.Parameters != nil {
		raw, err := json.Marshal(in.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parameters: %w", err)
		}
		req.Parameters = raw
	}

	autoDeny := false

	w.mu.Lock()
	timeout := w.timeout
	policy := w.matchPolicyLocked(in.OrgID, ConditionInput{
		ToolID:      in.ToolID,
		Risk:        string(in.RiskLevel),
		SideEffects: in.SideEffects,
		Params:      in.Parameters,
		AgentID:     in.AgentID,
		OrgID:       in.OrgID,
	})
	if policy != nil {
		if policy.TimeoutMinutes > 0 {
			timeout = time.Duration(policy.TimeoutMinutes) * time.Minute
		}
		autoDeny = policy.AutoDenyOnTimeout
	}
	req.ExpiresAt = now.Add(timeout)
	w.pending[req.ID] = req
	w.autoDeny[req.ID] = autoDeny
	w.mu.Unlock()

	w.persist(req)
	w.emit("approval_requested", req)
	return cloneRequest(req), nil
}

// Decide resolves a pending request. Only the first terminal transition
// wins; deciding an already resolved request is an error.
func (w *Workflow) Decide(id string, approve bool, by, reason string) (*store.ApprovalRequest, error) {
	w.mu.Lock()
	req, ok := w.pending[id]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("approval %s is not pending", id)
	}
	if approve {
		req.Status = store.ApprovalApproved
	} else {
		req.Status = store.ApprovalDenied
	}
	req.Decision = &store.ApprovalDecision{By: by, At: w.now().UTC(), Reason: reason}
	delete(w.pending, id)
	delete(w.autoDeny, id)
	w.mu.Unlock()

	w.persist(req)
	w.emit("approval_decided", req)
	return cloneRequest(req), nil
}

// SweepExpired resolves every pending request past its deadline. Called
// from the scheduler tick. Returns the number of requests resolved.
func (w *Workflow) SweepExpired() int {
	now := w.now().UTC()

	w.mu.Lock()
	var done []*store.ApprovalRequest
	for id, req := range w.pending {
		if req.ExpiresAt.After(now) {
			continue
		}
		if w.autoDeny[id] {
			req.Status = store.ApprovalAutoDenied
			req.Decision = &store.ApprovalDecision{By: "system", At: now, Reason: "approval timed out"}
		} else {
			req.Status = store.ApprovalExpired
		}
		delete(w.pending, id)
		delete(w.autoDeny, id)
		done = append(done, req)
	}
	w.mu.Unlock()

	for _, req := range done {
		w.persist(req)
		w.emit("approval_decided", req)
	}
	return len(done)
}

// AutoDenyForAgent resolves every pending request for an agent, used when
// the agent is destroyed.
func (w *Workflow) AutoDenyForAgent(agentID, reason string) int {
	now := w.now().UTC()

	w.mu.Lock()
	var done []*store.ApprovalRequest
	for id, req := range w.pending {
		if req.AgentID != agentID {
			continue
		}
		req.Status = store.ApprovalAutoDenied
		req.Decision = &store.ApprovalDecision{By: "system", At: now, Reason: reason}
		delete(w.pending, id)
		delete(w.autoDeny, id)
		done = append(done, req)
	}
	w.mu.Unlock()

	for _, req := range done {
		w.persist(req)
		w.emit("approval_decided", req)
	}
	return len(done)
}

// Get returns a request by id, pending or resolved.
func (w *Workflow) Get(id string) (*store.ApprovalRequest, error) {
	w.mu.RLock()
	req, ok := w.pending[id]
	w.mu.RUnlock()
	if ok {
		return cloneRequest(req), nil
	}
	if w.store == nil {
		return nil, nil
	}
	return w.store.GetApproval(id)
}

// GetPending lists pending requests, optionally for one agent, oldest
// first.
func (w *Workflow) GetPending(agentID string) []*store.ApprovalRequest {
	w.mu.RLock()
	out := make([]*store.ApprovalRequest, 0, len(w.pending))
	for _, req := range w.pending {
		if agentID != "" && req.AgentID != agentID {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetHistory lists requests from the store, newest first.
func (w *Workflow) GetHistory(filter store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	if w.store == nil {
		return nil, nil
	}
	return w.store.ListApprovals(filter)
}

// SetPolicy saves an org approval policy. Conditions must compile; a
// policy with a bad condition is rejected outright.
func (w *Workflow) SetPolicy(p *store.ApprovalPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var cond CompiledCondition
	if p.Condition != "" {
		var err error
		cond, err = w.eval.Compile(p.Condition)
		if err != nil {
			return err
		}
	}

	w.mu.Lock()
	list := w.policies[p.OrgID]
	replaced := false
	for i, existing := range list {
		if existing.ID == p.ID {
			list[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, p)
	}
	sortPolicies(list)
	w.policies[p.OrgID] = list
	if p.Condition != "" {
		w.compiled[p.ID] = cond
	} else {
		delete(w.compiled, p.ID)
	}
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.UpsertApprovalPolicy(p); err != nil {
			w.logger.Error("failed to persist approval policy", "policy_id", p.ID, "error", err)
		}
	}
	return nil
}

// ListPolicies returns the org's policies, highest priority first.
func (w *Workflow) ListPolicies(orgID string) []*store.ApprovalPolicy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*store.ApprovalPolicy, len(w.policies[orgID]))
	copy(out, w.policies[orgID])
	return out
}

// DeletePolicy removes a policy by id.
func (w *Workflow) DeletePolicy(orgID, id string) error {
	w.mu.Lock()
	list := w.policies[orgID]
	for i, p := range list {
		if p.ID == id {
			w.policies[orgID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(w.compiled, id)
	w.mu.Unlock()

	if w.store != nil {
		return w.store.DeleteApprovalPolicy(id)
	}
	return nil
}

// matchPolicyLocked finds the highest-priority policy matching the call.
// A condition that fails to evaluate counts as a match.
func (w *Workflow) matchPolicyLocked(orgID string, in ConditionInput) *store.ApprovalPolicy {
	for _, p := range w.policies[orgID] {
		if !matchesSelectors(p, in) {
			continue
		}
		if p.Condition == "" {
			return p
		}
		cond, ok := w.compiled[p.ID]
		if !ok {
			// Condition never compiled; fail closed.
			return p
		}
		fired, err := w.eval.Evaluate(cond, in)
		if err != nil {
			w.logger.Warn("policy condition failed, treating as matched", "policy_id", p.ID, "error", err)
			return p
		}
		if fired {
			return p
		}
	}
	return nil
}

// matchesSelectors checks the static policy selectors. An empty selector
// matches everything.
func matchesSelectors(p *store.ApprovalPolicy, in ConditionInput) bool {
	if len(p.ToolPatterns) > 0 && !matchesAnyPattern(p.ToolPatterns, in.ToolID) {
		return false
	}
	if len(p.RiskLevels) > 0 && !containsString(p.RiskLevels, in.Risk) {
		return false
	}
	if len(p.SideEffects) > 0 {
		hit := false
		for _, se := range in.SideEffects {
			if containsString(p.SideEffects, se) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// matchesAnyPattern supports exact ids and trailing-* globs.
func matchesAnyPattern(patterns []string, toolID string) bool {
	for _, pat := range patterns {
		if pat == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(pat, "*"); ok {
			if strings.HasPrefix(toolID, prefix) {
				return true
			}
			continue
		}
		if pat == toolID {
			return true
		}
	}
	return false
}

func sortPolicies(list []*store.ApprovalPolicy) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].Name < list[j].Name
	})
}

func (w *Workflow) persist(req *store.ApprovalRequest) {
	if w.store == nil {
		return
	}
	if err := w.store.UpsertApproval(req); err != nil {
		w.logger.Error("failed to persist approval", "approval_id", req.ID, "error", err)
	}
}

func (w *Workflow) emit(eventType string, req *store.ApprovalRequest) {
	if w.bus == nil {
		return
	}
	w.bus.EmitData(eventType, req.OrgID, req.AgentID, map[string]any{
		"approvalId": req.ID,
		"toolId":     req.ToolID,
		"status":     req.Status,
	})
}

func cloneRequest(req *store.ApprovalRequest) *store.ApprovalRequest {
	cp := *req
	if req.Decision != nil {
		d := *req.Decision
		cp.Decision = &d
	}
	cp.SideEffects = append([]string(nil), req.SideEffects...)
	return &cp
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
