package deploy

import (
	"context"
	"testing"

	"github.com/agenticmail/engine/internal/store"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get("local"); err != nil {
		t.Fatalf("local driver missing: %v", err)
	}
	if _, err := r.Get("docker"); err == nil {
		t.Error("unregistered target should error")
	}

	r.Register("docker", NewStubDeployer())
	if _, err := r.Get("docker"); err != nil {
		t.Errorf("registered target not found: %v", err)
	}
	if len(r.Targets()) != 2 {
		t.Errorf("Targets() = %v", r.Targets())
	}
}

func TestLocalDeployer(t *testing.T) {
	d := NewLocalDeployer()
	ctx := context.Background()
	cfg := store.DeploymentConfig{Target: "local"}

	var steps []string
	if err := d.Deploy(ctx, "a1", cfg, func(step string, pct int) {
		steps = append(steps, step)
	}); err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}
	if len(steps) == 0 {
		t.Error("no progress reported")
	}

	st, err := d.GetStatus(ctx, "a1")
	if err != nil {
		t.Fatalf("GetStatus() error: %v", err)
	}
	if st.Status != StatusRunning || st.Health != HealthHealthy {
		t.Errorf("status after deploy = %+v", st)
	}

	if err := d.Stop(ctx, "a1"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	st, _ = d.GetStatus(ctx, "a1")
	if st.Status != StatusStopped {
		t.Errorf("status after stop = %+v", st)
	}
	// Stop is idempotent, even for unknown agents.
	if err := d.Stop(ctx, "never-deployed"); err != nil {
		t.Errorf("stop of unknown agent: %v", err)
	}

	if err := d.Restart(ctx, "a1"); err != nil {
		t.Fatalf("Restart() error: %v", err)
	}
	st, _ = d.GetStatus(ctx, "a1")
	if st.Status != StatusRunning {
		t.Errorf("status after restart = %+v", st)
	}
	if st.Metrics["restarts"] != 1 {
		t.Errorf("restarts metric = %v", st.Metrics["restarts"])
	}

	if err := d.Restart(ctx, "ghost"); err == nil {
		t.Error("restart of unknown agent should error")
	}
	if err := d.UpdateConfig(ctx, "ghost", cfg); err == nil {
		t.Error("update of unknown agent should error")
	}

	st, _ = d.GetStatus(ctx, "ghost")
	if st.Status != StatusUnknown || st.Health != HealthUnknown {
		t.Errorf("unknown agent status = %+v", st)
	}
}

func TestLocalDeployer_CancelledContext(t *testing.T) {
	d := NewLocalDeployer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Deploy(ctx, "a1", store.DeploymentConfig{}, nil); err == nil {
		t.Error("cancelled deploy should error")
	}
}
