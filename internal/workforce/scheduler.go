// Package workforce gives agents working hours: schedules, clock state,
// automatic wake and pause, deferred tasks and periodic counter resets.
package workforce

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticmail/engine/internal/events"
	"github.com/agenticmail/engine/internal/store"
)

const (
	clockedIn  = "clocked_in"
	clockedOut = "clocked_out"
)

// AgentControl is the guardrail surface the scheduler drives at clock
// boundaries.
type AgentControl interface {
	Pause(id, actor string) error
	Resume(id, actor string) error
	Stop(id, actor, reason string) (*store.ManagedAgent, error)
}

// Sweeper resolves timed-out approvals on each tick.
type Sweeper interface {
	SweepExpired() int
}

// Resets bundles the counter-reset hooks invoked on period boundaries.
type Resets struct {
	Daily   []func()
	Weekly  []func()
	Monthly []func()
	Annual  []func()
}

type resetRule struct {
	name string
	expr *cronExpr
	last time.Time
	run  func()
}

// Status is one agent's workforce report.
type Status struct {
	AgentID     string              `json:"agentId"`
	OrgID       string              `json:"orgId"`
	ClockStatus string              `json:"clockStatus"`
	OffDuty     bool                `json:"offDuty"`
	Schedule    *store.WorkSchedule `json:"schedule,omitempty"`
	NextEvent   *NextEvent          `json:"nextEvent,omitempty"`
	QueuedTasks int                 `json:"queuedTasks"`
}

// Scheduler is the process-wide workforce ticker.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*store.WorkSchedule // agentID -> schedule
	clock     map[string]string              // agentID -> clocked_in | clocked_out

	store   store.Store
	bus     *events.Bus
	control AgentControl
	sweeper Sweeper
	resets  []*resetRule
	logger  *slog.Logger

	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewScheduler creates the workforce scheduler. A zero interval defaults
// to one minute.
func NewScheduler(st store.Store, bus *events.Bus, control AgentControl, sweeper Sweeper, resets Resets, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{
		schedules: make(map[string]*store.WorkSchedule),
		clock:     make(map[string]string),
		store:     st,
		bus:       bus,
		control:   control,
		sweeper:   sweeper,
		logger:    logger.With("component", "workforce.Scheduler"),
		interval:  interval,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	specs := []struct {
		name string
		expr string
		runs []func()
	}{
		{"daily", "0 0 * * *", resets.Daily},
		{"weekly", "0 0 * * 1", resets.Weekly},
		{"monthly", "0 0 1 * *", resets.Monthly},
		{"annual", "0 0 1 1 *", resets.Annual},
	}
	now := s.now().UTC()
	for _, spec := range specs {
		expr, err := parseCron(spec.expr)
		if err != nil {
			return nil, err
		}
		runs := spec.runs
		rule := &resetRule{
			name: spec.name,
			expr: expr,
			// Boundaries before startup are treated as already applied.
			last: expr.lastFire(now, now.AddDate(-1, -1, -1)),
			run: func() {
				for _, fn := range runs {
					fn()
				}
			},
		}
		s.resets = append(s.resets, rule)
	}
	return s, nil
}

// LoadFromStore rehydrates schedules. Clock state is re-derived from the
// current window on the first tick.
func (s *Scheduler) LoadFromStore() error {
	if s.store == nil {
		return nil
	}
	schedules, err := s.store.ListSchedules("")
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range schedules {
		s.schedules[sched.AgentID] = sched
		if _, ok := s.clock[sched.AgentID]; !ok {
			state := clockedOut
			if local, err := s.localNow(sched); err == nil && inWorkingWindow(sched, local) {
				state = clockedIn
			}
			s.clock[sched.AgentID] = state
		}
	}
	return nil
}

// Start runs the tick loop until Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	close(s.stop)
	<-s.done
}

// Tick runs one scheduler pass: counter resets, approval sweep, then
// schedule enforcement.
func (s *Scheduler) Tick() {
	now := s.now().UTC()

	for _, rule := range s.resets {
		fire := rule.expr.lastFire(now, rule.last)
		if fire.IsZero() || !fire.After(rule.last) {
			continue
		}
		rule.last = fire
		s.logger.Info("running counter reset", "period", rule.name, "boundary", fire)
		rule.run()
	}

	if s.sweeper != nil {
		if n := s.sweeper.SweepExpired(); n > 0 {
			s.logger.Info("expired approvals swept", "count", n)
		}
	}

	s.mu.RLock()
	schedules := make([]*store.WorkSchedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		schedules = append(schedules, sched)
	}
	s.mu.RUnlock()

	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		local, err := s.localNow(sched)
		if err != nil {
			s.logger.Warn("bad schedule timezone", "agent_id", sched.AgentID, "tz", sched.Timezone)
			continue
		}
		in := inWorkingWindow(sched, local)
		state := s.clockState(sched.AgentID)

		switch {
		case in && state == clockedOut && sched.AutoWakeEnabled:
			s.autoClockIn(sched)
		case !in && state == clockedIn && sched.EnforceClockOut:
			s.autoClockOut(sched)
		}
	}
}

// SetSchedule binds a schedule to an agent, replacing any existing one.
// Clock state initializes from the current window.
func (s *Scheduler) SetSchedule(sched *store.WorkSchedule) (*store.WorkSchedule, error) {
	if sched.AgentID == "" {
		return nil, fmt.Errorf("agentId is required")
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(sched.Timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q", sched.Timezone)
	}
	switch sched.ScheduleType {
	case store.ScheduleStandard:
		if sched.Config.Standard == nil {
			return nil, fmt.Errorf("standard schedule requires a standard pattern")
		}
	case store.ScheduleShift:
		if sched.Config.Shift == nil {
			return nil, fmt.Errorf("shift schedule requires a shift pattern")
		}
	case store.ScheduleCustom:
		if len(sched.Config.CustomRules) == 0 {
			return nil, fmt.Errorf("custom schedule requires custom rules")
		}
	default:
		return nil, fmt.Errorf("unknown schedule type %q", sched.ScheduleType)
	}
	if sched.OffHoursAction == "" {
		sched.OffHoursAction = store.OffHoursPause
	}

	now := s.now().UTC()
	if sched.ID == "" {
		sched.ID = uuid.NewString()
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now

	s.mu.Lock()
	s.schedules[sched.AgentID] = sched
	state := clockedOut
	if local, err := s.localNow(sched); err == nil && inWorkingWindow(sched, local) {
		state = clockedIn
	}
	s.clock[sched.AgentID] = state
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpsertSchedule(sched); err != nil {
			s.logger.Error("failed to persist schedule", "agent_id", sched.AgentID, "error", err)
		}
	}
	s.emit("schedule_set", sched.OrgID, sched.AgentID, map[string]any{"scheduleType": sched.ScheduleType})
	return sched, nil
}

// GetSchedule returns the agent's schedule, or nil.
func (s *Scheduler) GetSchedule(agentID string) *store.WorkSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedules[agentID]
}

// RemoveSchedule unbinds and deletes the agent's schedule.
func (s *Scheduler) RemoveSchedule(agentID string) error {
	s.mu.Lock()
	sched, ok := s.schedules[agentID]
	delete(s.schedules, agentID)
	delete(s.clock, agentID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if s.store != nil {
		if err := s.store.DeleteSchedule(sched.ID); err != nil {
			return err
		}
	}
	s.emit("schedule_removed", sched.OrgID, agentID, nil)
	return nil
}

// ClockIn marks the agent on duty, resumes it if paused and announces
// any queued tasks.
func (s *Scheduler) ClockIn(agentID, actor string) error {
	sched := s.GetSchedule(agentID)
	if sched == nil {
		return fmt.Errorf("agent %s has no schedule", agentID)
	}
	s.setClock(agentID, clockedIn)
	s.record(sched, store.ClockIn, actor, "")
	if s.control != nil {
		if err := s.control.Resume(agentID, actor); err != nil {
			s.logger.Warn("resume failed at clock-in", "agent_id", agentID, "error", err)
		}
	}
	s.emit("clock_in", sched.OrgID, agentID, map[string]any{"actor": actor})
	s.announceTasks(sched)
	return nil
}

// ClockOut marks the agent off duty and enforces the schedule's
// off-hours action.
func (s *Scheduler) ClockOut(agentID, actor, reason string) error {
	sched := s.GetSchedule(agentID)
	if sched == nil {
		return fmt.Errorf("agent %s has no schedule", agentID)
	}
	s.setClock(agentID, clockedOut)
	s.record(sched, store.ClockOut, actor, reason)
	s.emit("clock_out", sched.OrgID, agentID, map[string]any{"actor": actor, "reason": reason})
	s.enforceOffHours(sched, actor)
	return nil
}

func (s *Scheduler) autoClockIn(sched *store.WorkSchedule) {
	s.setClock(sched.AgentID, clockedIn)
	s.record(sched, store.AutoWake, "scheduler", "working window opened")
	if s.control != nil {
		if err := s.control.Resume(sched.AgentID, "scheduler"); err != nil {
			s.logger.Warn("resume failed at auto clock-in", "agent_id", sched.AgentID, "error", err)
		}
	}
	s.emit("auto_clock_in", sched.OrgID, sched.AgentID, nil)
	s.announceTasks(sched)
}

func (s *Scheduler) autoClockOut(sched *store.WorkSchedule) {
	s.setClock(sched.AgentID, clockedOut)
	s.record(sched, store.AutoPause, "scheduler", "working window closed")
	s.emit("auto_clock_out", sched.OrgID, sched.AgentID, nil)
	s.enforceOffHours(sched, "scheduler")
}

func (s *Scheduler) enforceOffHours(sched *store.WorkSchedule, actor string) {
	if s.control == nil {
		return
	}
	switch sched.OffHoursAction {
	case store.OffHoursPause:
		if err := s.control.Pause(sched.AgentID, actor); err != nil {
			s.logger.Warn("pause failed at clock-out", "agent_id", sched.AgentID, "error", err)
		}
	case store.OffHoursStop:
		if _, err := s.control.Stop(sched.AgentID, actor, "off-hours"); err != nil {
			s.logger.Warn("stop failed at clock-out", "agent_id", sched.AgentID, "error", err)
		}
	case store.OffHoursQueue:
		// The agent is not interrupted; in-flight work is parked as a
		// continue task for the next clock-in.
		if _, err := s.SaveTaskState(sched.AgentID, nil); err != nil {
			s.logger.Warn("failed to save continue task at clock-out", "agent_id", sched.AgentID, "error", err)
		}
	}
}

// IsOffDuty is true only when a schedule exists and the agent is clocked
// out. Agents without schedules are never off duty.
func (s *Scheduler) IsOffDuty(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.schedules[agentID]; !ok {
		return false
	}
	return s.clock[agentID] == clockedOut
}

// EnqueueTask queues work for the agent's next working window.
func (s *Scheduler) EnqueueTask(t *store.QueuedTask) (*store.QueuedTask, error) {
	if t.AgentID == "" || t.Title == "" {
		return nil, fmt.Errorf("agentId and title are required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = store.PriorityNormal
	}
	if t.Type == "" {
		t.Type = "new"
	}
	t.Status = "queued"
	t.CreatedAt = s.now().UTC()
	if s.store != nil {
		if err := s.store.UpsertTask(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SaveTaskState writes a continue task capturing in-flight context, so
// the agent can resume after its next clock-in.
func (s *Scheduler) SaveTaskState(agentID string, context json.RawMessage) (*store.QueuedTask, error) {
	sched := s.GetSchedule(agentID)
	orgID := ""
	if sched != nil {
		orgID = sched.OrgID
	}
	return s.EnqueueTask(&store.QueuedTask{
		AgentID:  agentID,
		OrgID:    orgID,
		Type:     "continue",
		Title:    "Continue interrupted work",
		Context:  context,
		Priority: store.PriorityHigh,
		Source:   "clock_out",
	})
}

// Tasks lists the agent's queued tasks, urgent first, oldest first
// within a priority.
func (s *Scheduler) Tasks(agentID, status string) ([]*store.QueuedTask, error) {
	if s.store == nil {
		return nil, nil
	}
	tasks, err := s.store.ListTasks(agentID, status)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := priorityRank(tasks[i].Priority), priorityRank(tasks[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CompleteTask marks one queued task done.
func (s *Scheduler) CompleteTask(id string) error {
	if s.store == nil {
		return nil
	}
	t, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	now := s.now().UTC()
	t.Status = "completed"
	t.CompletedAt = &now
	return s.store.UpsertTask(t)
}

// RemoveAgent drops the agent's schedule, clock state and queued tasks.
// Used as the lifecycle destroy cascade.
func (s *Scheduler) RemoveAgent(agentID string) {
	if err := s.RemoveSchedule(agentID); err != nil {
		s.logger.Error("failed to remove schedule", "agent_id", agentID, "error", err)
	}
	if s.store != nil {
		if err := s.store.DeleteTasksByAgent(agentID); err != nil {
			s.logger.Error("failed to remove tasks", "agent_id", agentID, "error", err)
		}
	}
}

// AgentStatus reports one agent's clock state and next boundary.
func (s *Scheduler) AgentStatus(agentID string) Status {
	sched := s.GetSchedule(agentID)
	st := Status{AgentID: agentID, ClockStatus: s.clockState(agentID)}
	if sched == nil {
		st.ClockStatus = clockedIn // unscheduled agents are always on duty
		return st
	}
	st.OrgID = sched.OrgID
	st.Schedule = sched
	st.OffDuty = s.IsOffDuty(agentID)
	if local, err := s.localNow(sched); err == nil {
		st.NextEvent = nextEvent(sched, local)
	}
	if tasks, err := s.Tasks(agentID, "queued"); err == nil {
		st.QueuedTasks = len(tasks)
	}
	return st
}

// OrgStatus reports every scheduled agent in the org.
func (s *Scheduler) OrgStatus(orgID string) []Status {
	s.mu.RLock()
	var ids []string
	for agentID, sched := range s.schedules {
		if sched.OrgID == orgID {
			ids = append(ids, agentID)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.AgentStatus(id))
	}
	return out
}

// ClockRecords lists recent clock events for an agent.
func (s *Scheduler) ClockRecords(agentID string, limit int) ([]*store.ClockRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListClockRecords(store.ClockFilter{AgentID: agentID, Limit: limit})
}

// announceTasks emits tasks_pending with up to five queued previews.
func (s *Scheduler) announceTasks(sched *store.WorkSchedule) {
	tasks, err := s.Tasks(sched.AgentID, "queued")
	if err != nil || len(tasks) == 0 {
		return
	}
	previews := make([]map[string]any, 0, 5)
	for _, t := range tasks {
		if len(previews) == 5 {
			break
		}
		previews = append(previews, map[string]any{
			"id": t.ID, "title": t.Title, "priority": t.Priority, "type": t.Type,
		})
	}
	s.emit("tasks_pending", sched.OrgID, sched.AgentID, map[string]any{
		"count":    len(tasks),
		"previews": previews,
	})
}

func (s *Scheduler) localNow(sched *store.WorkSchedule) (time.Time, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	return s.now().In(loc), nil
}

func (s *Scheduler) clockState(agentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.clock[agentID]
	if !ok {
		return clockedOut
	}
	return state
}

func (s *Scheduler) setClock(agentID, state string) {
	s.mu.Lock()
	s.clock[agentID] = state
	s.mu.Unlock()
}

func (s *Scheduler) record(sched *store.WorkSchedule, typ store.ClockEventType, actor, reason string) {
	if s.store == nil {
		return
	}
	rec := &store.ClockRecord{
		ID:          uuid.NewString(),
		AgentID:     sched.AgentID,
		OrgID:       sched.OrgID,
		Type:        typ,
		TriggeredBy: actor,
		ActualAt:    s.now().UTC(),
		Reason:      reason,
	}
	if err := s.store.InsertClockRecord(rec); err != nil {
		s.logger.Error("failed to persist clock record", "agent_id", sched.AgentID, "error", err)
	}
}

func (s *Scheduler) emit(eventType, orgID, agentID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	s.bus.EmitData(eventType, orgID, agentID, data)
}

func priorityRank(p store.TaskPriority) int {
	switch p {
	case store.PriorityUrgent:
		return 3
	case store.PriorityHigh:
		return 2
	case store.PriorityNormal:
		return 1
	default:
		return 0
	}
}
