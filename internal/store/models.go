package store

import (
	"encoding/json"
	"time"
)

// Plan identifies an organization's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
	PlanSelfHosted Plan = "self-hosted"
)

// OrgLimits enumerates the per-plan resource ceilings. A zero value means
// unlimited.
type OrgLimits struct {
	MaxAgents          int      `json:"maxAgents"`
	MaxUsers           int      `json:"maxUsers"`
	MaxKnowledgeBases  int      `json:"maxKnowledgeBases"`
	MaxStorageMb       int      `json:"maxStorageMb"`
	TokenBudgetMonthly int64    `json:"tokenBudgetMonthly"`
	CostBudgetMonthly  float64  `json:"costBudgetMonthly"`
	APICallsPerMinute  int      `json:"apiCallsPerMinute"`
	DeploymentTargets  []string `json:"deploymentTargets"`
	Features           []string `json:"features"`
}

// OrgUsage mirrors the metered portion of OrgLimits.
type OrgUsage struct {
	Agents               int     `json:"agents"`
	Users                int     `json:"users"`
	KnowledgeBases       int     `json:"knowledgeBases"`
	StorageMb            float64 `json:"storageMb"`
	TokensThisMonth      int64   `json:"tokensThisMonth"`
	CostThisMonth        float64 `json:"costThisMonth"`
	APICallsToday        int64   `json:"apiCallsToday"`
	DeploymentsThisMonth int     `json:"deploymentsThisMonth"`
}

// OrgSettings holds per-org operational settings.
type OrgSettings struct {
	Timezone           string `json:"timezone,omitempty"`
	AuditRetentionDays int    `json:"auditRetentionDays,omitempty"`
}

// Organization is a tenant that owns agents and everything scoped to them.
type Organization struct {
	ID             string          `json:"id"`
	Slug           string          `json:"slug"`
	Name           string          `json:"name"`
	Plan           Plan            `json:"plan"`
	Limits         OrgLimits       `json:"limits"`
	Usage          OrgUsage        `json:"usage"`
	Settings       OrgSettings     `json:"settings"`
	AllowedDomains []string        `json:"allowedDomains,omitempty"`
	Billing        json.RawMessage `json:"billing,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// AgentState is a node in the lifecycle state machine.
type AgentState string

const (
	StateDraft        AgentState = "draft"
	StateConfiguring  AgentState = "configuring"
	StateReady        AgentState = "ready"
	StateProvisioning AgentState = "provisioning"
	StateDeploying    AgentState = "deploying"
	StateStarting     AgentState = "starting"
	StateRunning      AgentState = "running"
	StateDegraded     AgentState = "degraded"
	StateStopped      AgentState = "stopped"
	StateError        AgentState = "error"
	StateUpdating     AgentState = "updating"
	StateDestroying   AgentState = "destroying"
)

// StateTransition records one edge taken through the state machine.
type StateTransition struct {
	From        AgentState `json:"from"`
	To          AgentState `json:"to"`
	Reason      string     `json:"reason,omitempty"`
	TriggeredBy string     `json:"triggeredBy"`
	Timestamp   time.Time  `json:"timestamp"`
	Error       string     `json:"error,omitempty"`
}

// ModelConfig identifies the model an agent runs on.
type ModelConfig struct {
	Provider  string  `json:"provider,omitempty"`
	ModelID   string  `json:"modelId"`
	MaxTokens int     `json:"maxTokens,omitempty"`
	Temp      float64 `json:"temperature,omitempty"`
}

// DeploymentConfig describes where and how an agent is deployed.
type DeploymentConfig struct {
	Target string            `json:"target"` // docker, systemd, vps, fly, railway, aws, gcp, azure, local
	Region string            `json:"region,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// AgentBudget overrides the org-level budget for a single agent.
type AgentBudget struct {
	TokenBudgetMonthly int64   `json:"tokenBudgetMonthly,omitempty"`
	CostBudgetMonthly  float64 `json:"costBudgetMonthly,omitempty"`
}

// AgentConfig is the self-contained descriptor an agent is deployed from.
type AgentConfig struct {
	Name                string           `json:"name"`
	Description         string           `json:"description,omitempty"`
	Model               ModelConfig      `json:"model"`
	Deployment          DeploymentConfig `json:"deployment"`
	PermissionProfileID string           `json:"permissionProfileId,omitempty"`
	Email               string           `json:"email,omitempty"`
	DateOfBirth         string           `json:"dateOfBirth,omitempty"`
	Budget              *AgentBudget     `json:"budget,omitempty"`
}

// Complete reports whether the config carries everything deploy needs.
func (c AgentConfig) Complete() bool {
	return c.Name != "" && c.Model.ModelID != "" && c.Deployment.Target != "" && c.PermissionProfileID != ""
}

// HealthCheck is one supervised status poll result.
type HealthCheck struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"` // healthy, degraded, unhealthy, unknown
	UptimeSec int64     `json:"uptimeSec,omitempty"`
}

// AgentHealth aggregates the health loop's view of an agent.
type AgentHealth struct {
	Status              string        `json:"status"` // healthy, degraded, unhealthy, unknown
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Checks              []HealthCheck `json:"checks,omitempty"` // newest last, capped at 10
	LastError           string        `json:"lastError,omitempty"`
}

// AgentUsage holds the metered counters for a single agent.
type AgentUsage struct {
	TokensToday              int64   `json:"tokensToday"`
	TokensThisMonth          int64   `json:"tokensThisMonth"`
	ToolCallsToday           int64   `json:"toolCallsToday"`
	ToolCallsThisMonth       int64   `json:"toolCallsThisMonth"`
	CostToday                float64 `json:"costToday"`
	CostThisMonth            float64 `json:"costThisMonth"`
	ExternalActionsToday     int64   `json:"externalActionsToday"`
	ExternalActionsThisMonth int64   `json:"externalActionsThisMonth"`
	ErrorsToday              int64   `json:"errorsToday"`
}

// ManagedAgent is a configured, deployed autonomous worker bound to an org.
type ManagedAgent struct {
	ID                string            `json:"id"`
	OrgID             string            `json:"orgId"`
	Config            AgentConfig       `json:"config"`
	State             AgentState        `json:"state"`
	StateHistory      []StateTransition `json:"stateHistory"` // capped at 50, oldest dropped
	Health            AgentHealth       `json:"health"`
	Usage             AgentUsage        `json:"usage"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	LastDeployedAt    *time.Time        `json:"lastDeployedAt,omitempty"`
	LastHealthCheckAt *time.Time        `json:"lastHealthCheckAt,omitempty"`
}

// RiskLevel orders tool risk from low to critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SkillRules gates tools by the skill that publishes them.
type SkillRules struct {
	Mode string   `json:"mode"` // allowlist or blocklist
	List []string `json:"list"`
}

// ToolRules carries explicit per-tool overrides.
type ToolRules struct {
	Blocked []string `json:"blocked,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

// ApprovalRules configures when a tool call must be gated on a human.
type ApprovalRules struct {
	Enabled        bool      `json:"enabled"`
	ForRiskLevels  []string  `json:"forRiskLevels,omitempty"`
	ForSideEffects []string  `json:"forSideEffects,omitempty"`
	Approvers      []string  `json:"approvers,omitempty"`
	TimeoutMinutes int       `json:"timeoutMinutes,omitempty"`
}

// RateLimits is advisory metadata pushed down to the agent runtime.
type RateLimits struct {
	PerMinute              int `json:"perMinute,omitempty"`
	PerHour                int `json:"perHour,omitempty"`
	PerDay                 int `json:"perDay,omitempty"`
	ExternalActionsPerHour int `json:"externalActionsPerHour,omitempty"`
}

// WorkingHours restricts tool execution to a local-time window.
type WorkingHours struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`
	TZ    string `json:"tz"` // IANA name
}

// ProfileConstraints holds execution constraints beyond tool gating.
type ProfileConstraints struct {
	MaxConcurrentTasks        int           `json:"maxConcurrentTasks,omitempty"`
	MaxSessionDurationMinutes int           `json:"maxSessionDurationMinutes,omitempty"`
	AllowedWorkingHours       *WorkingHours `json:"allowedWorkingHours,omitempty"`
	AllowedIPs                []string      `json:"allowedIPs,omitempty"`
	SandboxMode               bool          `json:"sandboxMode,omitempty"`
}

// PermissionProfile is the per-agent permission and rate policy.
type PermissionProfile struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Skills             SkillRules         `json:"skills"`
	Tools              ToolRules          `json:"tools"`
	MaxRiskLevel       RiskLevel          `json:"maxRiskLevel"`
	BlockedSideEffects []string           `json:"blockedSideEffects,omitempty"`
	RequireApproval    ApprovalRules      `json:"requireApproval"`
	RateLimits         RateLimits         `json:"rateLimits"`
	Constraints        ProfileConstraints `json:"constraints"`
}

// ApprovalStatus is the lifecycle of an approval request. Exactly one
// terminal transition ever occurs per request.
type ApprovalStatus string

const (
	ApprovalPending    ApprovalStatus = "pending"
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalDenied     ApprovalStatus = "denied"
	ApprovalExpired    ApprovalStatus = "expired"
	ApprovalAutoDenied ApprovalStatus = "auto_denied"
)

// ApprovalDecision records who decided and why.
type ApprovalDecision struct {
	By     string    `json:"by"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ApprovalRequest is a gated tool invocation awaiting a human decision.
type ApprovalRequest struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agentId"`
	AgentName   string            `json:"agentName"`
	OrgID       string            `json:"orgId"`
	ToolID      string            `json:"toolId"`
	ToolName    string            `json:"toolName"`
	Reason      string            `json:"reason"`
	RiskLevel   RiskLevel         `json:"riskLevel"`
	SideEffects []string          `json:"sideEffects,omitempty"`
	Parameters  json.RawMessage   `json:"parameters,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
	Status      ApprovalStatus    `json:"status"`
	Decision    *ApprovalDecision `json:"decision,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// ApprovalPolicy matches tool calls that require human approval.
type ApprovalPolicy struct {
	ID                string   `json:"id"`
	OrgID             string   `json:"orgId"`
	Name              string   `json:"name"`
	Priority          int      `json:"priority"` // higher wins
	ToolPatterns      []string `json:"toolPatterns,omitempty"` // exact or trailing-* glob
	RiskLevels        []string `json:"riskLevels,omitempty"`
	SideEffects       []string `json:"sideEffects,omitempty"`
	Condition         string   `json:"condition,omitempty"` // optional CEL expression
	Approvers         []string `json:"approvers,omitempty"`
	TimeoutMinutes    int      `json:"timeoutMinutes,omitempty"`
	AutoDenyOnTimeout bool     `json:"autoDenyOnTimeout,omitempty"`
}

// ScheduleType selects which pattern payload applies.
type ScheduleType string

const (
	ScheduleStandard ScheduleType = "standard"
	ScheduleShift    ScheduleType = "shift"
	ScheduleCustom   ScheduleType = "custom"
)

// OffHoursAction is what happens when a scheduled clock-out fires while
// the agent is active.
type OffHoursAction string

const (
	OffHoursPause OffHoursAction = "pause"
	OffHoursStop  OffHoursAction = "stop"
	OffHoursQueue OffHoursAction = "queue"
)

// StandardPattern is a weekly working-hours pattern.
type StandardPattern struct {
	Days  []int  `json:"days"` // 0=Sunday .. 6=Saturday
	Start string `json:"start"`
	End   string `json:"end"`
}

// ShiftPattern supports overnight shifts: when Start > End the window is
// [start,24:00) ∪ [00:00,end).
type ShiftPattern struct {
	Days  []int  `json:"days"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// CustomDayRule overrides the weekly pattern for one calendar date.
type CustomDayRule struct {
	Date    string `json:"date"` // YYYY-MM-DD, local to the schedule TZ
	Working bool   `json:"working"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

// ScheduleConfig is the tagged payload for a WorkSchedule. The pointer
// matching the schedule type is the active pattern; CustomRules apply on
// top of either pattern.
type ScheduleConfig struct {
	Standard    *StandardPattern `json:"standard,omitempty"`
	Shift       *ShiftPattern    `json:"shift,omitempty"`
	CustomRules []CustomDayRule  `json:"customRules,omitempty"`
}

// WorkSchedule binds working hours to an agent. At most one per agent.
type WorkSchedule struct {
	ID                 string         `json:"id"`
	AgentID            string         `json:"agentId"`
	OrgID              string         `json:"orgId"`
	Timezone           string         `json:"timezone"`
	ScheduleType       ScheduleType   `json:"scheduleType"`
	Config             ScheduleConfig `json:"config"`
	EnforceClockIn     bool           `json:"enforceClockIn"`
	EnforceClockOut    bool           `json:"enforceClockOut"`
	AutoWakeEnabled    bool           `json:"autoWakeEnabled"`
	OffHoursAction     OffHoursAction `json:"offHoursAction"`
	GracePeriodMinutes int            `json:"gracePeriodMinutes"`
	Enabled            bool           `json:"enabled"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// ClockEventType categorizes workforce clock events.
type ClockEventType string

const (
	ClockIn       ClockEventType = "clock_in"
	ClockOut      ClockEventType = "clock_out"
	AutoPause     ClockEventType = "auto_pause"
	AutoWake      ClockEventType = "auto_wake"
	OvertimeStart ClockEventType = "overtime_start"
	OvertimeEnd   ClockEventType = "overtime_end"
)

// ClockRecord is one workforce clock event.
type ClockRecord struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agentId"`
	OrgID       string          `json:"orgId"`
	Type        ClockEventType  `json:"type"`
	TriggeredBy string          `json:"triggeredBy"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	ActualAt    time.Time       `json:"actualAt"`
	Reason      string          `json:"reason,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// TaskPriority orders queued tasks: urgent > high > normal > low.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// QueuedTask is work deferred to an agent's next working window.
type QueuedTask struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agentId"`
	OrgID        string          `json:"orgId"`
	Type         string          `json:"type"` // continue, new, scheduled, delegation
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	Priority     TaskPriority    `json:"priority"`
	Status       string          `json:"status"` // queued, in_progress, completed, cancelled
	Source       string          `json:"source,omitempty"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// MessageDirection classifies observed traffic.
type MessageDirection string

const (
	DirectionInternal         MessageDirection = "internal"
	DirectionExternalOutbound MessageDirection = "external_outbound"
	DirectionExternalInbound  MessageDirection = "external_inbound"
	DirectionEscalation       MessageDirection = "escalation"
)

// AgentMessage is one observed agent-to-agent or agent-to-external message.
// External counterparties use a synthetic "ext:<email>" agent id.
type AgentMessage struct {
	ID          string           `json:"id"`
	OrgID       string           `json:"orgId"`
	FromAgentID string           `json:"fromAgentId"`
	ToAgentID   string           `json:"toAgentId"`
	Type        string           `json:"type"` // message, task, handoff, broadcast
	Subject     string           `json:"subject,omitempty"`
	Content     string           `json:"content,omitempty"`
	Metadata    json.RawMessage  `json:"metadata,omitempty"`
	Status      string           `json:"status,omitempty"`
	Priority    string           `json:"priority,omitempty"`
	Direction   MessageDirection `json:"direction"`
	Channel     string           `json:"channel"` // direct, email, task
	Deadline    *time.Time       `json:"deadline,omitempty"`
	ClaimedAt   *time.Time       `json:"claimedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// ToolCallRecord is the persisted log of one tool-call report.
type ToolCallRecord struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"orgId"`
	AgentID    string    `json:"agentId"`
	ToolID     string    `json:"toolId"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int64     `json:"tokensUsed,omitempty"`
	CostUSD    float64   `json:"costUsd,omitempty"`
	External   bool      `json:"external,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ActivityEvent is a persisted copy of one event-bus emission.
type ActivityEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OrgID     string          `json:"orgId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BudgetAlert records a warning or hard-stop on a metered budget.
type BudgetAlert struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	AgentID      string    `json:"agentId,omitempty"`
	Kind         string    `json:"kind"`    // budget_warning, budget_exceeded
	Counter      string    `json:"counter"` // tokens, cost
	PeriodKey    string    `json:"periodKey"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ApprovalFilter selects approval requests for listing.
type ApprovalFilter struct {
	OrgID   string
	AgentID string
	Status  ApprovalStatus
	Limit   int
	Offset  int
}

// MessageFilter selects observed messages for listing.
type MessageFilter struct {
	OrgID     string
	AgentID   string // matches either endpoint
	Direction MessageDirection
	Channel   string
	Since     *time.Time
	Limit     int
	Offset    int
}

// ActivityFilter selects persisted activity events and tool calls.
type ActivityFilter struct {
	OrgID   string
	AgentID string
	Type    string
	Since   *time.Time
	Limit   int
	Offset  int
}

// ClockFilter selects clock records.
type ClockFilter struct {
	OrgID   string
	AgentID string
	Since   *time.Time
	Limit   int
}
