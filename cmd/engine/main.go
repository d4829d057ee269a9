package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticmail/engine/internal/api"
	"github.com/agenticmail/engine/internal/approval"
	"github.com/agenticmail/engine/internal/catalog"
	"github.com/agenticmail/engine/internal/comms"
	"github.com/agenticmail/engine/internal/config"
	"github.com/agenticmail/engine/internal/deploy"
	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/lifecycle"
	"github.com/agenticmail/engine/internal/permission"
	"github.com/agenticmail/engine/internal/store"
	"github.com/agenticmail/engine/internal/tenant"
	"github.com/agenticmail/engine/internal/workforce"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Management engine for deployed AI agent workforces",
		Long:  "AgenticMail Engine\nLifecycle, permissions, approvals, schedules and communication tracking\nfor fleets of deployed agents.",
	}

	var configFile string
	var port int
	var devMode bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engine and its admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: engine.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 7171)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *, stub deploy targets")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine health and workforce summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AgenticMail Engine %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	configValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(configFile)
		},
	}
	configValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	configCmd.AddCommand(configValidateCmd)

	// ─── org ───
	orgCmd := &cobra.Command{
		Use:   "org",
		Short: "Organization commands",
	}
	orgListCmd := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgList(port)
		},
	}
	var orgPlan string
	orgCreateCmd := &cobra.Command{
		Use:   "create [slug] [name]",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgCreate(port, args[0], args[1], orgPlan)
		},
	}
	orgCreateCmd.Flags().StringVar(&orgPlan, "plan", "self-hosted", "Billing plan (free, starter, pro, enterprise, self-hosted)")
	orgCmd.AddCommand(orgListCmd, orgCreateCmd)

	// ─── agent ───
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent management commands",
	}
	var agentOrg string
	agentListCmd := &cobra.Command{
		Use:   "list",
		Short: "List agents with state and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentList(port, agentOrg)
		},
	}
	agentListCmd.Flags().StringVar(&agentOrg, "org", "", "Filter by org ID")

	agentShowCmd := &cobra.Command{
		Use:   "show [agent-id]",
		Short: "Show one agent's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(port, "/agents/"+args[0], os.Stdout)
		},
	}
	agentDeployCmd := &cobra.Command{
		Use:   "deploy [agent-id]",
		Short: "Deploy a ready agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAction(port, "/agents/"+args[0]+"/deploy", "deployed", args[0])
		},
	}
	agentStopCmd := &cobra.Command{
		Use:   "stop [agent-id]",
		Short: "Stop a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAction(port, "/agents/"+args[0]+"/stop", "stopped", args[0])
		},
	}
	agentPauseCmd := &cobra.Command{
		Use:   "pause [agent-id]",
		Short: "Pause a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAction(port, "/agents/"+args[0]+"/pause", "paused", args[0])
		},
	}
	agentResumeCmd := &cobra.Command{
		Use:   "resume [agent-id]",
		Short: "Resume a paused agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAction(port, "/agents/"+args[0]+"/resume", "resumed", args[0])
		},
	}
	agentCmd.AddCommand(agentListCmd, agentShowCmd, agentDeployCmd, agentStopCmd, agentPauseCmd, agentResumeCmd)

	// ─── approvals ───
	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "Approval queue commands",
	}
	approvalsPendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsPending(port)
		},
	}
	var decideBy, decideReason string
	approveCmd := &cobra.Command{
		Use:   "approve [request-id]",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(port, args[0], true, decideBy, decideReason)
		},
	}
	denyCmd := &cobra.Command{
		Use:   "deny [request-id]",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(port, args[0], false, decideBy, decideReason)
		},
	}
	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVar(&decideBy, "by", "cli", "Decider identity")
		c.Flags().StringVar(&decideReason, "reason", "", "Decision reason")
	}
	approvalsCmd.AddCommand(approvalsPendingCmd, approveCmd, denyCmd)

	// ─── workforce ───
	workforceCmd := &cobra.Command{
		Use:   "workforce [org-id]",
		Short: "Show clock status for an org's agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkforce(port, args[0])
		},
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, configCmd, orgCmd, agentCmd, approvalsCmd, workforceCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := loader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	st, err := store.Open(store.Options{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	flusher := store.NewFlusher(time.Duration(cfg.Storage.FlushInterval), logger)
	flusher.Start()
	defer flusher.Stop()

	bus := events.NewBus(logger)
	sink := events.NewSink(st, bus, logger)
	defer sink.Close()

	tenants := tenant.NewManager(st, flusher, bus, logger)
	if err := tenants.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to load orgs: %w", err)
	}
	if cfg.Tenancy.SingleTenant {
		org, err := tenants.CreateDefaultOrg(
			cfg.Tenancy.DefaultOrg.Slug,
			cfg.Tenancy.DefaultOrg.Name,
			store.Plan(cfg.Tenancy.DefaultOrg.Plan),
		)
		if err != nil {
			return fmt.Errorf("failed to bootstrap default org: %w", err)
		}
		logger.Info("single-tenant mode", "org_id", org.ID, "slug", org.Slug)
	}

	cat := catalog.New()
	perms := permission.NewEngine(cat, st, logger)

	approvals, err := approval.NewWorkflow(st, bus,
		time.Duration(cfg.Approvals.DefaultTimeoutMinutes)*time.Minute, logger)
	if err != nil {
		return fmt.Errorf("failed to create approval workflow: %w", err)
	}
	if err := approvals.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to load approvals: %w", err)
	}

	registry := deploy.NewRegistry()
	if devMode {
		// Remote targets accept deploys without real infrastructure.
		for _, target := range []string{"docker", "fly", "railway", "vps"} {
			registry.Register(target, deploy.NewStubDeployer())
		}
	}

	agents := lifecycle.NewManager(st, bus, tenants, registry, lifecycle.Options{
		HealthInterval: time.Duration(cfg.Lifecycle.HealthCheckInterval),
		DeployWait:     time.Duration(cfg.Lifecycle.DeployWaitTimeout),
		RestartWait:    time.Duration(cfg.Lifecycle.RestartWaitTimeout),
	}, logger)
	if err := agents.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	scheduler, err := workforce.NewScheduler(st, bus, agents, approvals, workforce.Resets{
		Daily:   []func(){tenants.ResetDailyCounters, agents.ResetDailyCounters},
		Weekly:  []func(){tenants.ResetWeeklyCounters},
		Monthly: []func(){tenants.ResetMonthlyCounters, agents.ResetMonthlyCounters},
		Annual:  []func(){tenants.ResetAnnualCounters},
	}, time.Duration(cfg.Workforce.TickInterval), logger)
	if err != nil {
		return fmt.Errorf("failed to create workforce scheduler: %w", err)
	}
	if err := scheduler.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	observer := comms.NewObserver(st, bus, cfg.Comms.RingSize, logger)
	if err := observer.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to load message history: %w", err)
	}
	defer observer.Close()

	// Destroying an agent cleans up everything keyed to it.
	agents.OnDestroy(func(agentID string) {
		approvals.AutoDenyForAgent(agentID, "agent destroyed")
		scheduler.RemoveAgent(agentID)
		perms.RemoveProfile(agentID)
	})

	apiServer := api.NewServer(cfg.Server, st, tenants, agents, perms, approvals, scheduler, observer, bus, logger)

	if configFile != "" {
		// Server and storage settings need a restart; approval timing is
		// applied live.
		if err := loader.Watch(func(c *config.Config) {
			approvals.SetDefaultTimeout(time.Duration(c.Approvals.DefaultTimeoutMinutes) * time.Minute)
			logger.Info("config reloaded", "approval_timeout_minutes", c.Approvals.DefaultTimeoutMinutes)
		}); err != nil {
			logger.Error("failed to watch config for changes", "error", err)
		}
		defer loader.StopWatch()
	}

	fmt.Println()
	fmt.Println("  AgenticMail Engine " + version)
	fmt.Println()
	fmt.Printf("  → API:       http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("  → Events:    http://localhost:%d/activity/stream\n", cfg.Server.Port)
	fmt.Printf("  → WebSocket: ws://localhost:%d/api/ws/events\n", cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, storageLocation(cfg))
	fmt.Printf("  → Targets:   %s\n", strings.Join(registry.Targets(), ", "))
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	logger.Info("starting admin API", "port", cfg.Server.Port)
	if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	flusher.FlushNow()
	return nil
}

func runInit() error {
	configPath := "engine.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    engine start              # Start the engine")
	fmt.Println("    engine org create acme \"Acme Corp\"")
	fmt.Println("    engine agent list")
	return nil
}

func runConfigValidate(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no config file found, run 'engine init' to create one")
	}
	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("✗ Invalid config: %s\n", err)
		return err
	}
	cfg := loader.Get()
	fmt.Printf("✓ Config file valid: %s\n", path)
	fmt.Printf("  Storage:  %s (%s)\n", cfg.Storage.Driver, storageLocation(cfg))
	fmt.Printf("  Port:     %d\n", cfg.Server.Port)
	fmt.Printf("  Tenancy:  single_tenant=%v\n", cfg.Tenancy.SingleTenant)
	return nil
}

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", p))
	if err != nil {
		fmt.Printf("Engine is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var health map[string]interface{}
	if err := decodeJSON(resp, &health); err != nil {
		return err
	}
	fmt.Println("Engine Status")
	fmt.Println("─────────────")
	for k, v := range health {
		fmt.Printf("  %-20s %v\n", k+":", v)
	}
	return nil
}

func runOrgList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/orgs", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	orgs, ok := result["orgs"].([]interface{})
	if !ok || len(orgs) == 0 {
		fmt.Println("No organizations.")
		return nil
	}
	fmt.Printf("%-38s %-15s %-12s %s\n", "ID", "SLUG", "PLAN", "NAME")
	fmt.Println(strings.Repeat("─", 85))
	for _, o := range orgs {
		m := o.(map[string]interface{})
		fmt.Printf("%-38v %-15v %-12v %v\n", m["id"], m["slug"], m["plan"], m["name"])
	}
	return nil
}

func runOrgCreate(port int, slug, name, plan string) error {
	p := resolvePort(port)
	body, _ := json.Marshal(map[string]string{"slug": slug, "name": name, "plan": plan})
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/orgs", p), "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("create failed: %v", result["error"])
	}
	fmt.Printf("✓ Created org %v (%v)\n", result["slug"], result["id"])
	return nil
}

func runAgentList(port int, orgID string) error {
	p := resolvePort(port)
	url := fmt.Sprintf("http://localhost:%d/agents", p)
	if orgID != "" {
		url += "?orgId=" + orgID
	}
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	agents, ok := result["agents"].([]interface{})
	if !ok || len(agents) == 0 {
		fmt.Println("No agents.")
		return nil
	}
	fmt.Printf("%-38s %-20s %-12s %-10s %s\n", "ID", "NAME", "STATE", "HEALTH", "TOKENS/MO")
	fmt.Println(strings.Repeat("─", 95))
	for _, a := range agents {
		m := a.(map[string]interface{})
		cfg, _ := m["config"].(map[string]interface{})
		health, _ := m["health"].(map[string]interface{})
		usage, _ := m["usage"].(map[string]interface{})
		fmt.Printf("%-38v %-20v %-12v %-10v %.0f\n",
			m["id"], truncate(str(cfg["name"]), 20), m["state"], str(health["status"]), num(usage["tokensThisMonth"]))
	}
	return nil
}

func runApprovalsPending(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/approvals/pending", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	approvals, ok := result["approvals"].([]interface{})
	if !ok || len(approvals) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	fmt.Printf("%-38s %-20s %-20s %-10s %s\n", "ID", "AGENT", "TOOL", "RISK", "EXPIRES")
	fmt.Println(strings.Repeat("─", 100))
	for _, a := range approvals {
		m := a.(map[string]interface{})
		fmt.Printf("%-38v %-20v %-20v %-10v %v\n",
			m["id"], truncate(str(m["agentId"]), 20), m["toolId"], m["riskLevel"], m["expiresAt"])
	}
	return nil
}

func runDecide(port int, id string, approve bool, by, reason string) error {
	p := resolvePort(port)
	body, _ := json.Marshal(map[string]interface{}{"approve": approve, "by": by, "reason": reason})
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/approvals/%s/decide", p, id),
		"application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("decide failed: %v", result["error"])
	}
	fmt.Printf("✓ Request %s → %v\n", id, result["status"])
	return nil
}

func runWorkforce(port int, orgID string) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/workforce/%s", p, orgID))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	agents, ok := result["agents"].([]interface{})
	if !ok || len(agents) == 0 {
		fmt.Println("No scheduled agents in this org.")
		return nil
	}
	fmt.Printf("%-38s %-14s %-9s %s\n", "AGENT", "CLOCK", "QUEUED", "NEXT EVENT")
	fmt.Println(strings.Repeat("─", 80))
	for _, a := range agents {
		m := a.(map[string]interface{})
		next := ""
		if ne, ok := m["nextEvent"].(map[string]interface{}); ok {
			next = fmt.Sprintf("%v at %v", ne["type"], ne["at"])
		}
		fmt.Printf("%-38v %-14v %-9.0f %s\n", m["agentId"], m["clockStatus"], num(m["queuedTasks"]), next)
	}
	return nil
}

func getJSON(port int, path string, out *os.File) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", p, path))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func postAction(port int, path, verb, target string) error {
	p := resolvePort(port)
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d%s", p, path), "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var result map[string]interface{}
		_ = decodeJSON(resp, &result)
		return fmt.Errorf("request failed: %v", result["error"])
	}
	fmt.Printf("✓ Agent %s %s\n", target, verb)
	return nil
}

func storageLocation(cfg *config.Config) string {
	if cfg.Storage.DSN != "" {
		return "dsn"
	}
	return cfg.Storage.Path
}

func findConfigFile() string {
	candidates := []string{
		"engine.yaml",
		"engine.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "engine", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 7171
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
