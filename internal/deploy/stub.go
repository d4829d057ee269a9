package deploy

import (
	"context"
	"sync"

	"github.com/agenticmail/engine/internal/store"
)

// StubDeployer is a scriptable driver for tests. Each hook defaults to
// success; status defaults to running and healthy.
type StubDeployer struct {
	mu sync.Mutex

	DeployErr  error
	StopErr    error
	RestartErr error
	UpdateErr  error
	StatusErr  error
	Status     AgentStatus
	StatusFn   func(agentID string) (AgentStatus, error)

	DeployCalls  []string
	StopCalls    []string
	RestartCalls []string
	UpdateCalls  []string
}

// NewStubDeployer creates a stub that reports running and healthy.
func NewStubDeployer() *StubDeployer {
	return &StubDeployer{Status: AgentStatus{Status: StatusRunning, Health: HealthHealthy}}
}

func (d *StubDeployer) Deploy(ctx context.Context, agentID string, cfg store.DeploymentConfig, progress ProgressFunc) error {
	d.mu.Lock()
	d.DeployCalls = append(d.DeployCalls, agentID)
	err := d.DeployErr
	d.mu.Unlock()
	if progress != nil {
		progress("deploying", 100)
	}
	return err
}

func (d *StubDeployer) Stop(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCalls = append(d.StopCalls, agentID)
	return d.StopErr
}

func (d *StubDeployer) Restart(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RestartCalls = append(d.RestartCalls, agentID)
	return d.RestartErr
}

func (d *StubDeployer) UpdateConfig(ctx context.Context, agentID string, cfg store.DeploymentConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UpdateCalls = append(d.UpdateCalls, agentID)
	return d.UpdateErr
}

func (d *StubDeployer) GetStatus(ctx context.Context, agentID string) (AgentStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StatusFn != nil {
		return d.StatusFn(agentID)
	}
	return d.Status, d.StatusErr
}

// SetStatus swaps the canned status report.
func (d *StubDeployer) SetStatus(s AgentStatus) {
	d.mu.Lock()
	d.Status = s
	d.mu.Unlock()
}
