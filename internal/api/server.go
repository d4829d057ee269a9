// Package api exposes the admin HTTP surface: agent lifecycle, budgets,
// permissions, approvals, workforce, communication topology, the
// activity log, and the live event feeds (SSE and websocket).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agenticmail/engine/internal/approval"
	"github.com/agenticmail/engine/internal/comms"
	"github.com/agenticmail/engine/internal/config"
	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/lifecycle"
	"github.com/agenticmail/engine/internal/permission"
	"github.com/agenticmail/engine/internal/store"
	"github.com/agenticmail/engine/internal/tenant"
	"github.com/agenticmail/engine/internal/workforce"
)

// Server is the admin API server.
type Server struct {
	config      config.ServerConfig
	store       store.Store
	orgs        *tenant.Manager
	agents      *lifecycle.Manager
	permissions *permission.Engine
	approvals   *approval.Workflow
	workforce   *workforce.Scheduler
	comms       *comms.Observer
	bus         *events.Bus
	wsHub       *WebSocketHub
	mux         *http.ServeMux
	httpServer  *http.Server
	logger      *slog.Logger
	unsubWS     func()
}

// NewServer wires the admin API over the engine's managers.
func NewServer(
	cfg config.ServerConfig,
	st store.Store,
	orgs *tenant.Manager,
	agents *lifecycle.Manager,
	permissions *permission.Engine,
	approvals *approval.Workflow,
	wf *workforce.Scheduler,
	observer *comms.Observer,
	bus *events.Bus,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:      cfg,
		store:       st,
		orgs:        orgs,
		agents:      agents,
		permissions: permissions,
		approvals:   approvals,
		workforce:   wf,
		comms:       observer,
		bus:         bus,
		wsHub:       NewWebSocketHub(logger, cfg.CORS),
		mux:         http.NewServeMux(),
		logger:      logger.With("component", "api.Server"),
	}

	if bus != nil {
		s.unsubWS = bus.Subscribe(s.wsHub.BroadcastEvent)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Organizations
	s.mux.HandleFunc("POST /orgs", s.handleCreateOrg)
	s.mux.HandleFunc("GET /orgs", s.handleListOrgs)
	s.mux.HandleFunc("GET /orgs/{id}", s.handleGetOrg)

	// Agent lifecycle
	s.mux.HandleFunc("POST /agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("PATCH /agents/{id}/config", s.handleUpdateConfig)
	s.mux.HandleFunc("POST /agents/{id}/deploy", s.handleDeployAgent)
	s.mux.HandleFunc("POST /agents/{id}/stop", s.handleStopAgent)
	s.mux.HandleFunc("POST /agents/{id}/restart", s.handleRestartAgent)
	s.mux.HandleFunc("POST /agents/{id}/hot-update", s.handleHotUpdate)
	s.mux.HandleFunc("POST /agents/{id}/pause", s.handlePauseAgent)
	s.mux.HandleFunc("POST /agents/{id}/resume", s.handleResumeAgent)
	s.mux.HandleFunc("DELETE /agents/{id}", s.handleDestroyAgent)
	s.mux.HandleFunc("GET /agents/{id}/history", s.handleStateHistory)
	s.mux.HandleFunc("GET /agents/{id}/usage", s.handleAgentUsage)
	s.mux.HandleFunc("GET /usage/{orgId}", s.handleOrgUsage)

	// Budget
	s.mux.HandleFunc("GET /agents/{id}/budget", s.handleGetBudget)
	s.mux.HandleFunc("PUT /agents/{id}/budget", s.handleSetBudget)
	s.mux.HandleFunc("POST /agents/{id}/tool-call", s.handleRecordToolCall)
	s.mux.HandleFunc("GET /budget/alerts", s.handleListBudgetAlerts)
	s.mux.HandleFunc("POST /budget/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	s.mux.HandleFunc("GET /budget/summary/{orgId}", s.handleBudgetSummary)

	// Permissions
	s.mux.HandleFunc("GET /profiles/presets", s.handleListPresets)
	s.mux.HandleFunc("GET /profiles/{agentId}", s.handleGetProfile)
	s.mux.HandleFunc("PUT /profiles/{agentId}", s.handleSetProfile)
	s.mux.HandleFunc("POST /profiles/{agentId}/apply-preset", s.handleApplyPreset)
	s.mux.HandleFunc("POST /permissions/check", s.handlePermissionCheck)
	s.mux.HandleFunc("GET /permissions/{agentId}/tools", s.handleAllowedTools)
	s.mux.HandleFunc("GET /permissions/{agentId}/policy", s.handleToolPolicy)

	// Approvals
	s.mux.HandleFunc("POST /approvals", s.handleRequestApproval)
	s.mux.HandleFunc("GET /approvals/pending", s.handlePendingApprovals)
	s.mux.HandleFunc("GET /approvals/history", s.handleApprovalHistory)
	s.mux.HandleFunc("GET /approvals/policies", s.handleListApprovalPolicies)
	s.mux.HandleFunc("POST /approvals/policies", s.handleSetApprovalPolicy)
	s.mux.HandleFunc("DELETE /approvals/policies/{id}", s.handleDeleteApprovalPolicy)
	s.mux.HandleFunc("GET /approvals/{id}", s.handleGetApproval)
	s.mux.HandleFunc("POST /approvals/{id}/decide", s.handleDecideApproval)

	// Workforce
	s.mux.HandleFunc("GET /agents/{id}/schedule", s.handleGetSchedule)
	s.mux.HandleFunc("PUT /agents/{id}/schedule", s.handleSetSchedule)
	s.mux.HandleFunc("DELETE /agents/{id}/schedule", s.handleRemoveSchedule)
	s.mux.HandleFunc("POST /agents/{id}/clock-in", s.handleClockIn)
	s.mux.HandleFunc("POST /agents/{id}/clock-out", s.handleClockOut)
	s.mux.HandleFunc("GET /agents/{id}/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /agents/{id}/tasks", s.handleEnqueueTask)
	s.mux.HandleFunc("POST /tasks/{id}/complete", s.handleCompleteTask)
	s.mux.HandleFunc("GET /workforce/{orgId}", s.handleWorkforceStatus)
	s.mux.HandleFunc("GET /workforce/{orgId}/clock-records", s.handleClockRecords)

	// Communications
	s.mux.HandleFunc("POST /messages/observe", s.handleObserveMessage)
	s.mux.HandleFunc("GET /messages", s.handleListMessages)
	s.mux.HandleFunc("GET /topology", s.handleTopology)

	// Activity
	s.mux.HandleFunc("GET /activity/events", s.handleActivityEvents)
	s.mux.HandleFunc("GET /activity/tool-calls", s.handleToolCalls)
	s.mux.HandleFunc("GET /activity/stats", s.handleActivityStats)
	s.mux.HandleFunc("GET /activity/stream", s.handleEventStream)

	// Schema extensions
	s.mux.HandleFunc("POST /schema/tables", s.handleRegisterTable)
	s.mux.HandleFunc("GET /schema/tables", s.handleListTables)
	s.mux.HandleFunc("POST /schema/query", s.handleSchemaQuery)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// WebSocket
	s.mux.HandleFunc("GET /api/ws/events", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("admin API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubWS != nil {
		s.unsubWS()
	}
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds permissive CORS headers for development setups.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIAddr formats a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
