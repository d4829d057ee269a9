package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenticmail/engine/internal/store"
)

// LocalDeployer runs agents in-process. It is the default target for
// single-tenant installs and for development.
type LocalDeployer struct {
	mu     sync.RWMutex
	agents map[string]*localAgent
}

type localAgent struct {
	cfg       store.DeploymentConfig
	startedAt time.Time
	running   bool
	restarts  int
}

// NewLocalDeployer creates an empty local driver.
func NewLocalDeployer() *LocalDeployer {
	return &LocalDeployer{agents: make(map[string]*localAgent)}
}

func (d *LocalDeployer) Deploy(ctx context.Context, agentID string, cfg store.DeploymentConfig, progress ProgressFunc) error {
	steps := []string{"provisioning runtime", "writing config", "starting process"}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if progress != nil {
			progress(step, (i+1)*100/len(steps))
		}
	}

	d.mu.Lock()
	d.agents[agentID] = &localAgent{cfg: cfg, startedAt: time.Now(), running: true}
	d.mu.Unlock()
	return nil
}

func (d *LocalDeployer) Stop(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		// Stopping an unknown agent is a no-op so teardown stays idempotent.
		return nil
	}
	a.running = false
	return nil
}

func (d *LocalDeployer) Restart(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s is not deployed locally", agentID)
	}
	a.startedAt = time.Now()
	a.running = true
	a.restarts++
	return nil
}

func (d *LocalDeployer) UpdateConfig(ctx context.Context, agentID string, cfg store.DeploymentConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s is not deployed locally", agentID)
	}
	a.cfg = cfg
	return nil
}

func (d *LocalDeployer) GetStatus(ctx context.Context, agentID string) (AgentStatus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return AgentStatus{Status: StatusUnknown, Health: HealthUnknown}, nil
	}
	if !a.running {
		return AgentStatus{Status: StatusStopped, Health: HealthUnknown}, nil
	}
	return AgentStatus{
		Status:    StatusRunning,
		Health:    HealthHealthy,
		UptimeSec: int64(time.Since(a.startedAt).Seconds()),
		Metrics:   map[string]any{"restarts": a.restarts},
	}, nil
}
