// Package deploy abstracts agent runtime targets behind a small driver
// interface. The lifecycle manager never talks to a runtime directly.
package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/agenticmail/engine/internal/store"
)

// Status is the coarse runtime state a driver reports.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusCrashed Status = "crashed"
	StatusUnknown Status = "unknown"
)

// HealthStatus is the driver's view of agent health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// AgentStatus is the full status report for one deployed agent.
type AgentStatus struct {
	Status    Status         `json:"status"`
	Health    HealthStatus   `json:"healthStatus"`
	UptimeSec int64          `json:"uptimeSec,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// ProgressFunc receives step-by-step deploy progress for streaming to a
// client.
type ProgressFunc func(step string, percent int)

// Deployer drives one deployment target.
type Deployer interface {
	// Deploy provisions and starts the agent. Progress may be nil.
	Deploy(ctx context.Context, agentID string, cfg store.DeploymentConfig, progress ProgressFunc) error
	Stop(ctx context.Context, agentID string) error
	Restart(ctx context.Context, agentID string) error
	// UpdateConfig applies new configuration without a restart.
	UpdateConfig(ctx context.Context, agentID string, cfg store.DeploymentConfig) error
	GetStatus(ctx context.Context, agentID string) (AgentStatus, error)
}

// Registry maps deployment target names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Deployer
}

// NewRegistry creates a registry with the local in-process driver
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[string]Deployer)}
	r.Register("local", NewLocalDeployer())
	return r
}

// Register binds a driver to a target name, replacing any previous one.
func (r *Registry) Register(target string, d Deployer) {
	r.mu.Lock()
	r.drivers[target] = d
	r.mu.Unlock()
}

// Get returns the driver for a target.
func (r *Registry) Get(target string) (Deployer, error) {
	r.mu.RLock()
	d, ok := r.drivers[target]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no deployer registered for target %q", target)
	}
	return d, nil
}

// Targets lists the registered target names.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		out = append(out, t)
	}
	return out
}
