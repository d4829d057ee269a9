package catalog

import "github.com/agenticmail/engine/internal/store"

// builtinTools is the seed catalog. Side-effect names are shared with
// permission profiles and approval policies; keep them in sync with the
// documented vocabulary.
var builtinTools = []Tool{
	// Email
	{ID: "agenticmail_send", SkillID: "agenticmail", Category: "communication", Risk: store.RiskMedium, SideEffects: []string{"sends-email"}},
	{ID: "agenticmail_reply", SkillID: "agenticmail", Category: "communication", Risk: store.RiskMedium, SideEffects: []string{"sends-email"}},
	{ID: "agenticmail_forward", SkillID: "agenticmail", Category: "communication", Risk: store.RiskMedium, SideEffects: []string{"sends-email"}},
	{ID: "agenticmail_search", SkillID: "agenticmail", Category: "communication", Risk: store.RiskLow},

	// Agent-to-agent coordination
	{ID: "message_agent", SkillID: "agentcomms", Category: "coordination", Risk: store.RiskLow, SideEffects: []string{"sends-message"}},
	{ID: "call_agent", SkillID: "agentcomms", Category: "coordination", Risk: store.RiskLow, SideEffects: []string{"sends-message"}},
	{ID: "check_tasks", SkillID: "agentcomms", Category: "coordination", Risk: store.RiskLow},
	{ID: "claim_task", SkillID: "agentcomms", Category: "coordination", Risk: store.RiskLow},
	{ID: "complete_task", SkillID: "agentcomms", Category: "coordination", Risk: store.RiskLow},
	{ID: "submit_result", SkillID: "agentcomms", Category: "coordination", Risk: store.RiskLow},

	// Development
	{ID: "github_create_issue", SkillID: "github", Category: "development", Risk: store.RiskLow, SideEffects: []string{"network-request"}},
	{ID: "github_push", SkillID: "github", Category: "development", Risk: store.RiskHigh, SideEffects: []string{"modifies-files", "network-request"}},
	{ID: "github_merge_pr", SkillID: "github", Category: "development", Risk: store.RiskHigh, SideEffects: []string{"modifies-files", "network-request"}},

	// Chat
	{ID: "slack_post_message", SkillID: "slack", Category: "communication", Risk: store.RiskMedium, SideEffects: []string{"sends-message"}},
	{ID: "slack_read_channel", SkillID: "slack", Category: "communication", Risk: store.RiskLow},

	// CRM
	{ID: "hubspot_update_contact", SkillID: "hubspot", Category: "crm", Risk: store.RiskMedium, SideEffects: []string{"network-request"}},
	{ID: "hubspot_send_sequence", SkillID: "hubspot", Category: "crm", Risk: store.RiskHigh, SideEffects: []string{"sends-email", "network-request"}},

	// System
	{ID: "shell_exec", SkillID: "shell", Category: "system", Risk: store.RiskCritical, SideEffects: []string{"runs-code"}},
	{ID: "files_read", SkillID: "files", Category: "system", Risk: store.RiskLow},
	{ID: "files_write", SkillID: "files", Category: "system", Risk: store.RiskMedium, SideEffects: []string{"modifies-files"}},
	{ID: "files_delete", SkillID: "files", Category: "system", Risk: store.RiskHigh, SideEffects: []string{"deletes-data"}},

	// Automation
	{ID: "browser_navigate", SkillID: "browser", Category: "automation", Risk: store.RiskLow, SideEffects: []string{"network-request"}},
	{ID: "browser_fill_form", SkillID: "browser", Category: "automation", Risk: store.RiskMedium, SideEffects: []string{"network-request"}},

	// Finance
	{ID: "payments_charge", SkillID: "payments", Category: "finance", Risk: store.RiskCritical, SideEffects: []string{"financial"}},
	{ID: "payments_refund", SkillID: "payments", Category: "finance", Risk: store.RiskHigh, SideEffects: []string{"financial"}},
}
