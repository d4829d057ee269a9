// Package tenant owns organizations: plan limits, quota checks and the
// org-scoped usage counters. All orgs are held in memory; every check is
// a map lookup, and persistence rides the write-behind flusher.
package tenant

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
)

// CreateOrgRequest carries the fields an admin supplies for a new org.
type CreateOrgRequest struct {
	Name           string         `json:"name"`
	Slug           string         `json:"slug"`
	Plan           store.Plan     `json:"plan"`
	AllowedDomains []string       `json:"allowedDomains,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
}

// LimitResult is the outcome of a quota check. Limit 0 means unlimited.
type LimitResult struct {
	Allowed   bool `json:"allowed"`
	Limit     int  `json:"limit"`
	Current   int  `json:"current"`
	Remaining int  `json:"remaining"`
}

// UsageDelta adds to org counters. StorageMb, when set, is absolute
// rather than additive.
type UsageDelta struct {
	Tokens      int64
	Cost        float64
	APICalls    int64
	Deployments int
	StorageMb   *float64
}

// Manager holds every org in memory and persists through the store.
type Manager struct {
	mu      sync.RWMutex
	orgs    map[string]*store.Organization
	bySlug  map[string]string
	store   store.Store
	flusher *store.Flusher
	bus     *events.Bus
	logger  *slog.Logger
}

// NewManager creates a tenant manager. Call LoadFromStore before serving.
func NewManager(st store.Store, flusher *store.Flusher, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		orgs:    make(map[string]*store.Organization),
		bySlug:  make(map[string]string),
		store:   st,
		flusher: flusher,
		bus:     bus,
		logger:  logger.With("component", "tenant.Manager"),
	}
}

// LoadFromStore hydrates the in-memory org map.
func (m *Manager) LoadFromStore() error {
	orgs, err := m.store.ListOrgs()
	if err != nil {
		return fmt.Errorf("failed to load orgs: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orgs {
		m.orgs[o.ID] = o
		m.bySlug[o.Slug] = o.ID
	}
	m.logger.Info("orgs loaded", "count", len(orgs))
	return nil
}

// CreateOrg creates an organization with limits seeded from the plan
// template.
func (m *Manager) CreateOrg(req CreateOrgRequest) (*store.Organization, error) {
	slug := strings.ToLower(strings.TrimSpace(req.Slug))
	if req.Name == "" || slug == "" {
		return nil, fmt.Errorf("org name and slug are required")
	}
	if req.Plan == "" {
		req.Plan = store.PlanFree
	}
	limits, ok := LimitsForPlan(req.Plan)
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", req.Plan)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bySlug[slug]; exists {
		return nil, fmt.Errorf("org slug %q already exists", slug)
	}

	now := time.Now().UTC()
	org := &store.Organization{
		ID:     uuid.NewString(),
		Slug:   slug,
		Name:   req.Name,
		Plan:   req.Plan,
		Limits: limits,
		Settings: store.OrgSettings{
			Timezone:           req.Timezone,
			AuditRetentionDays: auditRetentionDays[req.Plan],
		},
		AllowedDomains: req.AllowedDomains,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.orgs[org.ID] = org
	m.bySlug[slug] = org.ID

	if err := m.store.UpsertOrg(org); err != nil {
		m.logger.Error("failed to persist org", "org_id", org.ID, "error", err)
	}
	if m.bus != nil {
		m.bus.EmitData("org_created", org.ID, "", map[string]any{"slug": org.Slug, "plan": org.Plan})
	}
	return cloneOrg(org), nil
}

// CreateDefaultOrg installs the single-tenant bootstrap org. Idempotent.
func (m *Manager) CreateDefaultOrg(slug, name string, plan store.Plan) (*store.Organization, error) {
	if slug == "" {
		slug = "default"
	}
	if name == "" {
		name = "Default Organization"
	}
	if plan == "" {
		plan = store.PlanSelfHosted
	}
	if existing := m.GetOrgBySlug(slug); existing != nil {
		return existing, nil
	}
	return m.CreateOrg(CreateOrgRequest{Name: name, Slug: slug, Plan: plan})
}

// GetOrg returns a copy of the org, or nil.
func (m *Manager) GetOrg(id string) *store.Organization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneOrg(m.orgs[id])
}

// GetOrgBySlug returns a copy of the org with the slug, or nil.
func (m *Manager) GetOrgBySlug(slug string) *store.Organization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneOrg(m.orgs[m.bySlug[strings.ToLower(slug)]])
}

// ListOrgs returns copies of all orgs.
func (m *Manager) ListOrgs() []*store.Organization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		out = append(out, cloneOrg(o))
	}
	return out
}

// DeleteOrg removes the org. Agents scoped to it are the lifecycle
// manager's cleanup responsibility.
func (m *Manager) DeleteOrg(id string) error {
	m.mu.Lock()
	org, ok := m.orgs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("org %s not found", id)
	}
	delete(m.orgs, id)
	delete(m.bySlug, org.Slug)
	m.mu.Unlock()

	if err := m.store.DeleteOrg(id); err != nil {
		m.logger.Error("failed to delete org row", "org_id", id, "error", err)
	}
	if m.bus != nil {
		m.bus.EmitData("org_deleted", id, "", nil)
	}
	return nil
}

// CheckLimit reports whether resource usage is under the plan limit.
// current overrides the org's own counter when >= 0.
func (m *Manager) CheckLimit(orgID, resource string, current int) LimitResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return LimitResult{Allowed: false}
	}

	var limit, used int
	switch resource {
	case "agents":
		limit, used = org.Limits.MaxAgents, org.Usage.Agents
	case "users":
		limit, used = org.Limits.MaxUsers, org.Usage.Users
	case "knowledge_bases":
		limit, used = org.Limits.MaxKnowledgeBases, org.Usage.KnowledgeBases
	case "storage_mb":
		limit, used = org.Limits.MaxStorageMb, int(org.Usage.StorageMb)
	case "tokens":
		limit, used = int(org.Limits.TokenBudgetMonthly), int(org.Usage.TokensThisMonth)
	default:
		return LimitResult{Allowed: false}
	}
	if current >= 0 {
		used = current
	}
	if limit == 0 {
		return LimitResult{Allowed: true, Limit: 0, Current: used, Remaining: -1}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return LimitResult{Allowed: used < limit, Limit: limit, Current: used, Remaining: remaining}
}

// HasFeature reports whether the org's plan carries the feature flag.
func (m *Manager) HasFeature(orgID string, feature Feature) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return false
	}
	for _, f := range org.Limits.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// CanDeployTo reports whether the plan permits the deployment target.
func (m *Manager) CanDeployTo(orgID, target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return false
	}
	if len(org.Limits.DeploymentTargets) == 0 {
		return true
	}
	for _, t := range org.Limits.DeploymentTargets {
		if t == target {
			return true
		}
	}
	return false
}

// RecordUsage adds the delta to org counters and schedules a flush.
func (m *Manager) RecordUsage(orgID string, d UsageDelta) {
	m.mu.Lock()
	org, ok := m.orgs[orgID]
	if !ok {
		m.mu.Unlock()
		return
	}
	org.Usage.TokensThisMonth += d.Tokens
	org.Usage.CostThisMonth += d.Cost
	org.Usage.APICallsToday += d.APICalls
	org.Usage.DeploymentsThisMonth += d.Deployments
	if d.StorageMb != nil {
		org.Usage.StorageMb = *d.StorageMb
	}
	org.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.markDirty(orgID)
}

// AdjustAgentCount moves the agents counter by delta (clamped at zero).
func (m *Manager) AdjustAgentCount(orgID string, delta int) {
	m.mu.Lock()
	org, ok := m.orgs[orgID]
	if !ok {
		m.mu.Unlock()
		return
	}
	org.Usage.Agents += delta
	if org.Usage.Agents < 0 {
		org.Usage.Agents = 0
	}
	org.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.markDirty(orgID)
}

// ChangePlan rewrites limits from the new plan's template. Usage counters
// are preserved.
func (m *Manager) ChangePlan(orgID string, plan store.Plan) error {
	limits, ok := LimitsForPlan(plan)
	if !ok {
		return fmt.Errorf("unknown plan %q", plan)
	}
	m.mu.Lock()
	org, found := m.orgs[orgID]
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("org %s not found", orgID)
	}
	org.Plan = plan
	org.Limits = limits
	org.Settings.AuditRetentionDays = auditRetentionDays[plan]
	org.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.markDirty(orgID)
	if m.bus != nil {
		m.bus.EmitData("org_plan_changed", orgID, "", map[string]any{"plan": plan})
	}
	return nil
}

// ResetDailyCounters zeroes the per-day org counters.
func (m *Manager) ResetDailyCounters() {
	m.resetCounters("daily", func(u *store.OrgUsage) {
		u.APICallsToday = 0
	})
}

// ResetWeeklyCounters exists for symmetry with the scheduler's cadence;
// no org counter is currently weekly.
func (m *Manager) ResetWeeklyCounters() {
	m.resetCounters("weekly", func(u *store.OrgUsage) {})
}

// ResetMonthlyCounters zeroes the per-month org counters.
func (m *Manager) ResetMonthlyCounters() {
	m.resetCounters("monthly", func(u *store.OrgUsage) {
		u.TokensThisMonth = 0
		u.CostThisMonth = 0
		u.DeploymentsThisMonth = 0
	})
}

// ResetAnnualCounters currently has no annual org counters; kept so the
// scheduler's cadence is uniform.
func (m *Manager) ResetAnnualCounters() {
	m.resetCounters("annual", func(u *store.OrgUsage) {})
}

func (m *Manager) resetCounters(kind string, apply func(*store.OrgUsage)) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.orgs))
	for id, org := range m.orgs {
		apply(&org.Usage)
		org.UpdatedAt = time.Now().UTC()
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.markDirty(id)
	}
	m.logger.Info("org counters reset", "kind", kind, "orgs", len(ids))
}

func (m *Manager) markDirty(orgID string) {
	if m.flusher == nil {
		if err := m.persist(orgID); err != nil {
			m.logger.Error("failed to persist org", "org_id", orgID, "error", err)
		}
		return
	}
	m.flusher.Mark("org:"+orgID, func() error { return m.persist(orgID) })
}

func (m *Manager) persist(orgID string) error {
	m.mu.RLock()
	org := cloneOrg(m.orgs[orgID])
	m.mu.RUnlock()
	if org == nil {
		return nil
	}
	return m.store.UpsertOrg(org)
}

func cloneOrg(o *store.Organization) *store.Organization {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Limits.DeploymentTargets = append([]string(nil), o.Limits.DeploymentTargets...)
	cp.Limits.Features = append([]string(nil), o.Limits.Features...)
	cp.AllowedDomains = append([]string(nil), o.AllowedDomains...)
	return &cp
}
