package lifecycle

import (
	"context"
	"time"

	"github.com/agenticmail/engine/internal/deploy"
	"github.com/agenticmail/engine/internal/store"
)

const (
	healthChecksKept = 10
	degradeAfter     = 2 // consecutive failures before running -> degraded
	restartAfter     = 5 // consecutive failures before the one restart attempt
)

// startHealthLoop spawns the supervision goroutine for one agent. A
// second call while a loop is live is a no-op.
func (m *Manager) startHealthLoop(e *entry) {
	e.mu.Lock()
	if e.healthStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.healthStop = stop
	e.healthDone = done
	agentID := e.agent.ID
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.healthTick(e, agentID)
			}
		}
	}()
}

// stopHealthLoop cancels the loop and waits for it to exit, so no tick
// can race a stop or destroy.
func (m *Manager) stopHealthLoop(e *entry) {
	e.mu.Lock()
	stop := e.healthStop
	done := e.healthDone
	e.healthStop = nil
	e.healthDone = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// cancelHealthLoop stops the loop only when it is still the one the
// caller observed, so a teardown racing a redeploy never kills the
// replacement loop.
func (m *Manager) cancelHealthLoop(e *entry, loop chan struct{}) {
	if loop == nil {
		return
	}
	e.mu.Lock()
	if e.healthStop != loop {
		e.mu.Unlock()
		return
	}
	done := e.healthDone
	e.healthStop = nil
	e.healthDone = nil
	e.mu.Unlock()
	close(loop)
	<-done
}

// healthTick runs one supervision poll and applies the recovery rules.
func (m *Manager) healthTick(e *entry, agentID string) {
	e.mu.Lock()
	a := e.agent
	state := a.State
	target := a.Config.Deployment.Target
	loop := e.healthStop
	e.mu.Unlock()

	switch state {
	case store.StateRunning, store.StateDegraded, store.StateStarting:
	default:
		// The loop exists only while the agent is supervised. Stop
		// asynchronously: this tick may be running on the loop goroutine.
		go m.cancelHealthLoop(e, loop)
		return
	}

	driver, err := m.deployers.Get(target)
	if err != nil {
		return
	}
	st, err := driver.GetStatus(context.Background(), agentID)
	healthy := err == nil && st.Health == deploy.HealthHealthy

	now := m.now().UTC()
	check := store.HealthCheck{Timestamp: now, Status: string(st.Health), UptimeSec: st.UptimeSec}
	if err != nil {
		check.Status = "unknown"
	}

	var (
		recovered     bool
		restarted     bool
		restartFailed error
		snap          *store.ManagedAgent
	)

	e.mu.Lock()
	a.Health.Checks = append(a.Health.Checks, check)
	if len(a.Health.Checks) > healthChecksKept {
		a.Health.Checks = a.Health.Checks[len(a.Health.Checks)-healthChecksKept:]
	}
	a.LastHealthCheckAt = &now

	if healthy {
		a.Health.ConsecutiveFailures = 0
		a.Health.Status = "healthy"
		a.Health.LastError = ""
		e.restartAttempted = false
		if a.State == store.StateDegraded || a.State == store.StateStarting {
			m.transitionLocked(a, store.StateRunning, "health restored", "system", "")
			recovered = a.State == store.StateRunning
		}
	} else {
		a.Health.ConsecutiveFailures++
		a.Health.Status = string(st.Health)
		if err != nil {
			a.Health.Status = "unknown"
			a.Health.LastError = err.Error()
		}
		failures := a.Health.ConsecutiveFailures
		if failures >= degradeAfter && a.State == store.StateRunning {
			m.transitionLocked(a, store.StateDegraded, "consecutive health failures", "system", "")
		}
		if failures >= restartAfter && !e.restartAttempted {
			e.restartAttempted = true
			restarted = true
		}
	}
	snap = cloneAgent(a)
	e.mu.Unlock()

	m.persist(snap)
	m.emit("health_check", snap, map[string]any{
		"healthy":  healthy,
		"status":   snap.Health.Status,
		"failures": snap.Health.ConsecutiveFailures,
	})
	if recovered {
		m.emit("auto_recovered", snap, map[string]any{"action": "resumed"})
	}

	if !restarted {
		return
	}

	// One restart attempt per failure streak.
	restartFailed = driver.Restart(context.Background(), agentID)

	e.mu.Lock()
	if restartFailed != nil {
		m.transitionLocked(a, store.StateError, "supervised restart failed", "system", restartFailed.Error())
	} else {
		m.transitionLocked(a, store.StateStarting, "supervised restart", "system", "")
		a.Health.ConsecutiveFailures = 0
	}
	snap = cloneAgent(a)
	e.mu.Unlock()

	m.persist(snap)
	if restartFailed != nil {
		m.emit("error", snap, map[string]any{"error": restartFailed.Error(), "operation": "supervised restart"})
		go m.cancelHealthLoop(e, loop)
	} else {
		m.emit("auto_recovered", snap, map[string]any{"action": "restart"})
	}
}

// TickHealth forces one supervision poll, used by tests instead of
// waiting for the ticker.
func (m *Manager) TickHealth(id string) {
	e, err := m.entryFor(id)
	if err != nil {
		return
	}
	m.healthTick(e, id)
}
