// Package lifecycle owns the managed-agent state machine and its
// supervision. Agents live in memory; every mutation is persisted and
// events are emitted only after the in-memory commit.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticmail/engine/internal/deploy"
	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
	"github.com/agenticmail/engine/internal/tenant"
)

const stateHistoryCap = 50

// legalTransitions is the lifecycle graph. Missing edges are errors.
var legalTransitions = map[store.AgentState][]store.AgentState{
	store.StateDraft:        {store.StateConfiguring, store.StateDestroying, store.StateError},
	store.StateConfiguring:  {store.StateConfiguring, store.StateReady, store.StateDestroying, store.StateError},
	store.StateReady:        {store.StateProvisioning, store.StateDestroying, store.StateError},
	store.StateProvisioning: {store.StateDeploying, store.StateDestroying, store.StateError},
	store.StateDeploying:    {store.StateStarting, store.StateDestroying, store.StateError},
	store.StateStarting:     {store.StateRunning, store.StateDegraded, store.StateStopped, store.StateDestroying, store.StateError},
	store.StateRunning:      {store.StateDegraded, store.StateUpdating, store.StateStopped, store.StateDestroying, store.StateError},
	store.StateDegraded:     {store.StateRunning, store.StateStarting, store.StateUpdating, store.StateStopped, store.StateDestroying, store.StateError},
	store.StateStopped:      {store.StateProvisioning, store.StateDestroying, store.StateError},
	store.StateError:        {store.StateProvisioning, store.StateStopped, store.StateDestroying},
	store.StateUpdating:     {store.StateRunning, store.StateDegraded, store.StateDestroying, store.StateError},
	store.StateDestroying:   {},
}

// ConfigPatch is a partial update to an agent's config. Nil fields are
// left untouched.
type ConfigPatch struct {
	Name                *string                 `json:"name,omitempty"`
	Description         *string                 `json:"description,omitempty"`
	Model               *store.ModelConfig      `json:"model,omitempty"`
	Deployment          *store.DeploymentConfig `json:"deployment,omitempty"`
	PermissionProfileID *string                 `json:"permissionProfileId,omitempty"`
	Email               *string                 `json:"email,omitempty"`
	DateOfBirth         *string                 `json:"dateOfBirth,omitempty"`
	Budget              *store.AgentBudget      `json:"budget,omitempty"`
}

// entry pairs an agent record with its own lock and health loop handle.
// The record lock serializes state, stateHistory and version mutations.
type entry struct {
	mu    sync.Mutex
	agent *store.ManagedAgent

	paused           bool
	restartAttempted bool
	healthStop       chan struct{}
	healthDone       chan struct{}
}

// Manager is the agent lifecycle state machine.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*entry

	store     store.Store
	bus       *events.Bus
	tenants   *tenant.Manager
	deployers *deploy.Registry
	logger    *slog.Logger

	healthInterval time.Duration
	deployWait     time.Duration
	restartWait    time.Duration
	pollInterval   time.Duration
	now            func() time.Time

	destroyMu sync.Mutex
	onDestroy []func(agentID string)

	alertMu    sync.Mutex
	alertsSeen map[string]struct{} // agentID|kind|period
}

// Options tune the manager's supervision timing. Zero values get
// production defaults.
type Options struct {
	HealthInterval time.Duration // health loop tick, default 30s
	DeployWait     time.Duration // waitForHealthy budget on deploy, default 60s
	RestartWait    time.Duration // waitForHealthy budget on restart, default 30s
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store, bus *events.Bus, tenants *tenant.Manager, deployers *deploy.Registry, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.DeployWait <= 0 {
		opts.DeployWait = 60 * time.Second
	}
	if opts.RestartWait <= 0 {
		opts.RestartWait = 30 * time.Second
	}
	return &Manager{
		agents:         make(map[string]*entry),
		alertsSeen:     make(map[string]struct{}),
		store:          st,
		bus:            bus,
		tenants:        tenants,
		deployers:      deployers,
		logger:         logger.With("component", "lifecycle.Manager"),
		healthInterval: opts.HealthInterval,
		deployWait:     opts.DeployWait,
		restartWait:    opts.RestartWait,
		pollInterval:   2 * time.Second,
		now:            time.Now,
	}
}

// OnDestroy registers a cascade hook invoked after an agent is removed.
func (m *Manager) OnDestroy(fn func(agentID string)) {
	m.destroyMu.Lock()
	m.onDestroy = append(m.onDestroy, fn)
	m.destroyMu.Unlock()
}

// LoadFromStore rehydrates agents after a restart. Agents persisted in a
// live state come back stopped; the process that ran them is gone.
func (m *Manager) LoadFromStore() error {
	if m.store == nil {
		return nil
	}
	agents, err := m.store.ListAgents("")
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range agents {
		switch a.State {
		case store.StateRunning, store.StateDegraded, store.StateStarting,
			store.StateProvisioning, store.StateDeploying, store.StateUpdating:
			a.StateHistory = appendTransition(a.StateHistory, store.StateTransition{
				From: a.State, To: store.StateStopped,
				Reason: "engine restarted", TriggeredBy: "system", Timestamp: m.now().UTC(),
			})
			a.State = store.StateStopped
			a.Health = store.AgentHealth{Status: "unknown"}
		}
		m.agents[a.ID] = &entry{agent: a}
	}
	return nil
}

// CreateAgent registers a new agent in draft, subject to the org's agent
// quota.
func (m *Manager) CreateAgent(orgID string, cfg store.AgentConfig, createdBy string) (*store.ManagedAgent, error) {
	if orgID == "" {
		return nil, fmt.Errorf("orgId is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if m.tenants != nil {
		if res := m.tenants.CheckLimit(orgID, "agents", -1); !res.Allowed {
			return nil, fmt.Errorf("agent limit reached for org %s (%d/%d)", orgID, res.Current, res.Limit)
		}
		if cfg.Deployment.Target != "" && !m.tenants.CanDeployTo(orgID, cfg.Deployment.Target) {
			return nil, fmt.Errorf("plan does not allow deployment target %q", cfg.Deployment.Target)
		}
	}

	now := m.now().UTC()
	agent := &store.ManagedAgent{
		ID:      uuid.NewString(),
		OrgID:   orgID,
		Config:  cfg,
		State:   store.StateDraft,
		Health:  store.AgentHealth{Status: "unknown"},
		Version: 1,
		StateHistory: []store.StateTransition{{
			From: store.StateDraft, To: store.StateDraft,
			Reason: "created", TriggeredBy: createdBy, Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.agents[agent.ID] = &entry{agent: agent}
	m.mu.Unlock()

	if m.tenants != nil {
		m.tenants.AdjustAgentCount(orgID, 1)
	}
	m.persist(agent)
	m.emit("created", agent, map[string]any{"createdBy": createdBy})
	return cloneAgent(agent), nil
}

// UpdateConfig merges a patch into the agent's config. Legal only in
// draft, configuring, ready, stopped or error. A draft whose required
// fields become complete moves to ready.
func (m *Manager) UpdateConfig(id string, patch ConfigPatch, actor string) (*store.ManagedAgent, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	a := e.agent
	switch a.State {
	case store.StateDraft, store.StateConfiguring, store.StateReady, store.StateStopped, store.StateError:
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("cannot update config in state %s", a.State)
	}

	if patch.Deployment != nil && m.tenants != nil && patch.Deployment.Target != "" {
		if !m.tenants.CanDeployTo(a.OrgID, patch.Deployment.Target) {
			e.mu.Unlock()
			return nil, fmt.Errorf("plan does not allow deployment target %q", patch.Deployment.Target)
		}
	}

	applyPatch(&a.Config, patch)
	a.Version++
	a.UpdatedAt = m.now().UTC()

	switch a.State {
	case store.StateDraft:
		m.transitionLocked(a, store.StateConfiguring, "config updated", actor, "")
		if a.Config.Complete() {
			m.transitionLocked(a, store.StateReady, "config complete", actor, "")
		}
	case store.StateConfiguring:
		if a.Config.Complete() {
			m.transitionLocked(a, store.StateReady, "config complete", actor, "")
		}
	}
	snap := cloneAgent(a)
	e.mu.Unlock()

	m.persist(snap)
	m.emit("configured", snap, map[string]any{"actor": actor, "version": snap.Version})
	return snap, nil
}

// Deploy drives the agent from ready/stopped/error to running (or
// degraded when the runtime never reports healthy within the budget).
func (m *Manager) Deploy(ctx context.Context, id, actor string) (*store.ManagedAgent, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	a := e.agent
	switch a.State {
	case store.StateReady, store.StateStopped, store.StateError:
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("cannot deploy from state %s", a.State)
	}
	if !a.Config.Complete() {
		e.mu.Unlock()
		return nil, fmt.Errorf("config incomplete: name, model, deployment target and permission profile are required")
	}
	driver, err := m.deployers.Get(a.Config.Deployment.Target)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	m.transitionLocked(a, store.StateProvisioning, "deploy requested", actor, "")
	snap := cloneAgent(a)
	e.mu.Unlock()
	m.persist(snap)

	progress := func(step string, percent int) {
		e.mu.Lock()
		cur := cloneAgent(a)
		e.mu.Unlock()
		m.emit("deployed", cur, map[string]any{"step": step, "percent": percent, "phase": "progress"})
	}

	fail := func(cause error) (*store.ManagedAgent, error) {
		e.mu.Lock()
		m.transitionLocked(a, store.StateError, "deploy failed", actor, cause.Error())
		out := cloneAgent(a)
		e.mu.Unlock()
		m.persist(out)
		m.emit("error", out, map[string]any{"error": cause.Error(), "operation": "deploy"})
		return out, cause
	}

	e.mu.Lock()
	m.transitionLocked(a, store.StateDeploying, "provisioned", actor, "")
	e.mu.Unlock()
	if err := driver.Deploy(ctx, a.ID, a.Config.Deployment, progress); err != nil {
		return fail(err)
	}

	e.mu.Lock()
	m.transitionLocked(a, store.StateStarting, "deployed", actor, "")
	now := m.now().UTC()
	a.LastDeployedAt = &now
	snap = cloneAgent(a)
	e.mu.Unlock()
	m.emit("deployed", snap, map[string]any{"actor": actor})

	healthy := m.waitForHealthy(ctx, driver, a.ID, m.deployWait)

	e.mu.Lock()
	if healthy {
		m.transitionLocked(a, store.StateRunning, "healthy", "system", "")
		a.Health = store.AgentHealth{Status: "healthy"}
	} else {
		m.transitionLocked(a, store.StateDegraded, "never reported healthy", "system", "")
		a.Health = store.AgentHealth{Status: "degraded"}
	}
	e.restartAttempted = false
	out := cloneAgent(a)
	e.mu.Unlock()
	m.persist(out)
	m.emit("started", out, map[string]any{"healthy": healthy})

	if m.tenants != nil {
		m.tenants.RecordUsage(a.OrgID, tenant.UsageDelta{Deployments: 1})
	}
	m.startHealthLoop(e)
	return out, nil
}

// Stop halts the agent. The health loop is cancelled before the driver is
// asked to stop, and the agent lands in stopped even when the driver
// errors.
func (m *Manager) Stop(id, actor, reason string) (*store.ManagedAgent, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	a := e.agent
	switch a.State {
	case store.StateRunning, store.StateDegraded, store.StateStarting, store.StateError:
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("cannot stop from state %s", a.State)
	}
	target := a.Config.Deployment.Target
	e.mu.Unlock()

	m.stopHealthLoop(e)

	var stopErr error
	if driver, derr := m.deployers.Get(target); derr == nil {
		stopErr = driver.Stop(context.Background(), id)
	}

	if reason == "" {
		reason = "stopped"
	}
	if stopErr != nil {
		reason = fmt.Sprintf("%s (deployer error: %v)", reason, stopErr)
	}

	e.mu.Lock()
	m.transitionLocked(a, store.StateStopped, reason, actor, "")
	a.Health = store.AgentHealth{Status: "unknown"}
	out := cloneAgent(a)
	e.mu.Unlock()
	m.persist(out)
	m.emit("stopped", out, map[string]any{"actor": actor, "reason": reason})
	return out, nil
}

// Restart bounces a running or degraded agent through updating and waits
// up to the restart budget for health.
func (m *Manager) Restart(ctx context.Context, id, actor string) (*store.ManagedAgent, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	a := e.agent
	if a.State != store.StateRunning && a.State != store.StateDegraded {
		e.mu.Unlock()
		return nil, fmt.Errorf("cannot restart from state %s", a.State)
	}
	driver, derr := m.deployers.Get(a.Config.Deployment.Target)
	if derr != nil {
		e.mu.Unlock()
		return nil, derr
	}
	m.transitionLocked(a, store.StateUpdating, "restart requested", actor, "")
	e.mu.Unlock()

	if rerr := driver.Restart(ctx, id); rerr != nil {
		e.mu.Lock()
		m.transitionLocked(a, store.StateError, "restart failed", actor, rerr.Error())
		out := cloneAgent(a)
		e.mu.Unlock()
		m.persist(out)
		m.emit("error", out, map[string]any{"error": rerr.Error(), "operation": "restart"})
		return out, rerr
	}

	healthy := m.waitForHealthy(ctx, driver, id, m.restartWait)

	e.mu.Lock()
	if healthy {
		m.transitionLocked(a, store.StateRunning, "restarted healthy", "system", "")
		a.Health = store.AgentHealth{Status: "healthy"}
	} else {
		m.transitionLocked(a, store.StateDegraded, "restarted but not healthy", "system", "")
		a.Health = store.AgentHealth{Status: "degraded"}
	}
	e.restartAttempted = false
	out := cloneAgent(a)
	e.mu.Unlock()
	m.persist(out)
	m.emit("restarted", out, map[string]any{"actor": actor, "healthy": healthy})
	return out, nil
}

// HotUpdate applies a config patch to a live agent without a restart. On
// success the agent returns to its pre-update state; on driver failure it
// lands in degraded.
func (m *Manager) HotUpdate(ctx context.Context, id string, patch ConfigPatch, actor string) (*store.ManagedAgent, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	a := e.agent
	prev := a.State
	if prev != store.StateRunning && prev != store.StateDegraded {
		e.mu.Unlock()
		return nil, fmt.Errorf("cannot hot-update from state %s", prev)
	}
	driver, derr := m.deployers.Get(a.Config.Deployment.Target)
	if derr != nil {
		e.mu.Unlock()
		return nil, derr
	}
	m.transitionLocked(a, store.StateUpdating, "hot update", actor, "")
	applyPatch(&a.Config, patch)
	a.Version++
	a.UpdatedAt = m.now().UTC()
	cfg := a.Config.Deployment
	e.mu.Unlock()

	uerr := driver.UpdateConfig(ctx, id, cfg)

	e.mu.Lock()
	if uerr != nil {
		m.transitionLocked(a, store.StateDegraded, "hot update failed", actor, uerr.Error())
	} else {
		m.transitionLocked(a, prev, "hot update applied", actor, "")
	}
	out := cloneAgent(a)
	e.mu.Unlock()
	m.persist(out)
	m.emit("updated", out, map[string]any{"actor": actor, "version": out.Version, "success": uerr == nil})
	return out, uerr
}

// Destroy removes the agent entirely. Idempotent: destroying a missing
// agent succeeds.
func (m *Manager) Destroy(id, actor string) error {
	m.mu.Lock()
	e, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.stopHealthLoop(e)

	e.mu.Lock()
	a := e.agent
	target := a.Config.Deployment.Target
	m.transitionLocked(a, store.StateDestroying, "destroy requested", actor, "")
	snap := cloneAgent(a)
	e.mu.Unlock()

	if driver, derr := m.deployers.Get(target); derr == nil {
		if serr := driver.Stop(context.Background(), id); serr != nil {
			m.logger.Warn("deployer stop failed during destroy", "agent_id", id, "error", serr)
		}
	}

	if m.store != nil {
		if err := m.store.DeleteAgent(id); err != nil {
			m.logger.Error("failed to delete agent", "agent_id", id, "error", err)
		}
	}
	if m.tenants != nil {
		m.tenants.AdjustAgentCount(snap.OrgID, -1)
	}

	m.destroyMu.Lock()
	hooks := append([]func(string){}, m.onDestroy...)
	m.destroyMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}

	m.emit("destroyed", snap, map[string]any{"actor": actor})
	return nil
}

// Pause suspends a live agent without touching the state machine. Used by
// the workforce guardrail at clock-out.
func (m *Manager) Pause(id, actor string) error {
	e, err := m.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	already := e.paused
	e.paused = true
	snap := cloneAgent(e.agent)
	e.mu.Unlock()
	if !already {
		m.emit("paused", snap, map[string]any{"actor": actor})
	}
	return nil
}

// Resume lifts a pause.
func (m *Manager) Resume(id, actor string) error {
	e, err := m.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	wasPaused := e.paused
	e.paused = false
	snap := cloneAgent(e.agent)
	e.mu.Unlock()
	if wasPaused {
		m.emit("resumed", snap, map[string]any{"actor": actor})
	}
	return nil
}

// IsPaused reports the guardrail pause flag.
func (m *Manager) IsPaused(id string) bool {
	e, err := m.entryFor(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// GetAgent returns a copy of the agent, or nil when unknown.
func (m *Manager) GetAgent(id string) *store.ManagedAgent {
	e, err := m.entryFor(id)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAgent(e.agent)
}

// GetAgentsByOrg lists the org's agents, newest first. An empty orgID
// lists everything.
func (m *Manager) GetAgentsByOrg(orgID string) []*store.ManagedAgent {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*store.ManagedAgent
	for _, e := range entries {
		e.mu.Lock()
		if orgID == "" || e.agent.OrgID == orgID {
			out = append(out, cloneAgent(e.agent))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// StateHistory returns the persisted transition log for an agent.
func (m *Manager) StateHistory(id string, limit int) ([]store.StateTransition, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListStateTransitions(id, limit)
}

// transitionLocked moves the agent along one edge, appending history.
// Caller holds the entry lock.
func (m *Manager) transitionLocked(a *store.ManagedAgent, to store.AgentState, reason, actor, errMsg string) {
	from := a.State
	if from != to && !edgeAllowed(from, to) {
		// The caller gates public operations, so a bad edge here is a bug.
		m.logger.Error("illegal state transition", "agent_id", a.ID, "from", from, "to", to)
		return
	}
	t := store.StateTransition{
		From: from, To: to, Reason: reason, TriggeredBy: actor,
		Timestamp: m.now().UTC(), Error: errMsg,
	}
	a.State = to
	a.StateHistory = appendTransition(a.StateHistory, t)
	a.UpdatedAt = t.Timestamp
	if m.store != nil {
		if err := m.store.InsertStateTransition(a.ID, t); err != nil {
			m.logger.Error("failed to persist state transition", "agent_id", a.ID, "error", err)
		}
	}
}

func edgeAllowed(from, to store.AgentState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// waitForHealthy polls the driver until it reports healthy or the budget
// runs out.
func (m *Manager) waitForHealthy(ctx context.Context, driver deploy.Deployer, agentID string, budget time.Duration) bool {
	deadline := m.now().Add(budget)
	for {
		st, err := driver.GetStatus(ctx, agentID)
		if err == nil && st.Health == deploy.HealthHealthy {
			return true
		}
		if m.now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) entryFor(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	return e, nil
}

func (m *Manager) persist(a *store.ManagedAgent) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertAgent(a); err != nil {
		m.logger.Error("failed to persist agent", "agent_id", a.ID, "error", err)
	}
}

func (m *Manager) emit(eventType string, a *store.ManagedAgent, data map[string]any) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["state"] = a.State
	data["name"] = a.Config.Name
	m.bus.EmitData(eventType, a.OrgID, a.ID, data)
}

func applyPatch(cfg *store.AgentConfig, patch ConfigPatch) {
	if patch.Name != nil {
		cfg.Name = *patch.Name
	}
	if patch.Description != nil {
		cfg.Description = *patch.Description
	}
	if patch.Model != nil {
		cfg.Model = *patch.Model
	}
	if patch.Deployment != nil {
		cfg.Deployment = *patch.Deployment
	}
	if patch.PermissionProfileID != nil {
		cfg.PermissionProfileID = *patch.PermissionProfileID
	}
	if patch.Email != nil {
		cfg.Email = *patch.Email
	}
	if patch.DateOfBirth != nil {
		cfg.DateOfBirth = *patch.DateOfBirth
	}
	if patch.Budget != nil {
		b := *patch.Budget
		cfg.Budget = &b
	}
}

func appendTransition(history []store.StateTransition, t store.StateTransition) []store.StateTransition {
	history = append(history, t)
	if len(history) > stateHistoryCap {
		history = history[len(history)-stateHistoryCap:]
	}
	return history
}

func cloneAgent(a *store.ManagedAgent) *store.ManagedAgent {
	cp := *a
	cp.StateHistory = append([]store.StateTransition(nil), a.StateHistory...)
	cp.Health.Checks = append([]store.HealthCheck(nil), a.Health.Checks...)
	if a.Config.Budget != nil {
		b := *a.Config.Budget
		cp.Config.Budget = &b
	}
	if a.LastDeployedAt != nil {
		ts := *a.LastDeployedAt
		cp.LastDeployedAt = &ts
	}
	if a.LastHealthCheckAt != nil {
		ts := *a.LastHealthCheckAt
		cp.LastHealthCheckAt = &ts
	}
	return &cp
}
