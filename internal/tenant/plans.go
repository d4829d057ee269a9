package tenant

import "github.com/agenticmail/engine/internal/store"

// Feature flag names gated by plan.
const (
	FeatureApprovals Feature = "approvals"
	FeatureWorkforce Feature = "workforce"
	FeatureTopology  Feature = "topology"
	FeatureExtTables Feature = "ext-tables"
	FeatureSSO       Feature = "sso"
	FeatureAuditLog  Feature = "audit-log"
)

type Feature = string

var allDeploymentTargets = []string{
	"docker", "systemd", "vps", "fly", "railway", "aws", "gcp", "azure", "local",
}

// planLimits maps each plan to its limit template. A zero limit means
// unlimited.
var planLimits = map[store.Plan]store.OrgLimits{
	store.PlanFree: {
		MaxAgents:          1,
		MaxUsers:           2,
		MaxKnowledgeBases:  1,
		MaxStorageMb:       100,
		TokenBudgetMonthly: 100_000,
		APICallsPerMinute:  30,
		DeploymentTargets:  []string{"local"},
		Features:           []string{},
	},
	store.PlanTeam: {
		MaxAgents:          10,
		MaxUsers:           25,
		MaxKnowledgeBases:  10,
		MaxStorageMb:       10_240,
		TokenBudgetMonthly: 10_000_000,
		APICallsPerMinute:  300,
		DeploymentTargets:  []string{"local", "docker", "fly", "railway"},
		Features:           []string{FeatureApprovals, FeatureWorkforce, FeatureTopology},
	},
	store.PlanEnterprise: {
		MaxAgents:          100,
		MaxUsers:           500,
		MaxKnowledgeBases:  100,
		MaxStorageMb:       102_400,
		TokenBudgetMonthly: 0,
		APICallsPerMinute:  3000,
		DeploymentTargets:  allDeploymentTargets,
		Features: []string{
			FeatureApprovals, FeatureWorkforce, FeatureTopology,
			FeatureExtTables, FeatureSSO, FeatureAuditLog,
		},
	},
	store.PlanSelfHosted: {
		// Everything unlimited; the operator owns the hardware.
		DeploymentTargets: allDeploymentTargets,
		Features: []string{
			FeatureApprovals, FeatureWorkforce, FeatureTopology,
			FeatureExtTables, FeatureSSO, FeatureAuditLog,
		},
	},
}

// auditRetentionDays by plan; 0 means keep forever.
var auditRetentionDays = map[store.Plan]int{
	store.PlanFree:       7,
	store.PlanTeam:       90,
	store.PlanEnterprise: 365,
	store.PlanSelfHosted: 0,
}

// LimitsForPlan returns a copy of the plan's limit template.
func LimitsForPlan(p store.Plan) (store.OrgLimits, bool) {
	tpl, ok := planLimits[p]
	if !ok {
		return store.OrgLimits{}, false
	}
	out := tpl
	out.DeploymentTargets = append([]string(nil), tpl.DeploymentTargets...)
	out.Features = append([]string(nil), tpl.Features...)
	return out, true
}
