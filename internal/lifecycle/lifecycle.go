// ABOUTME: Lifecycle Manager: the agent and task state machines, idle/error/sleep policies, per-agent locking.
// ABOUTME: Grounded on the teacher's agent registry shape; the gRPC/protobuf wire protocol is replaced entirely by plain calls from the HTTP API Adapter.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/fleetctl-gateway/internal/alert"
	"github.com/fleetctl/fleetctl-gateway/internal/apperr"
	"github.com/fleetctl/fleetctl-gateway/internal/bus"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
	"github.com/fleetctl/fleetctl-gateway/internal/timer"
)

const (
	idleMonitorInterval = 300 * time.Second
	idleAlertThreshold  = 1800 * time.Second
	errorWindow         = 600 * time.Second
	pushThrottleWindow  = 3_600_000 * time.Millisecond
	pushThrottleMax     = 3
)

// Manager is the constructed Lifecycle Manager service. It owns every
// transient, process-local map (idle timers, error counters, throttle
// buckets) that the Store does not persist. Reconcile restarts the idle
// timers from persisted state; error counters and throttle buckets start
// empty after a restart.
type Manager struct {
	store       store.Store
	bus         *bus.Bus
	alertEngine *alert.Engine
	timers      *timer.Service
	logger      *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	idleMu    sync.Mutex
	idleTimers map[string]*timer.Handle

	errorMu sync.Mutex
	errorCounters map[errorKey]*errorCounter

	throttleMu sync.Mutex
	throttle   map[string]*throttleWindow
}

type errorKey struct {
	agentID string
	taskID  string
}

type errorCounter struct {
	windowStart time.Time
	count       int
}

type throttleWindow struct {
	windowStart time.Time
	count       int
}

// New constructs a Lifecycle Manager.
func New(st store.Store, b *bus.Bus, ae *alert.Engine, timers *timer.Service, logger *slog.Logger) *Manager {
	return &Manager{
		store:         st,
		bus:           b,
		alertEngine:   ae,
		timers:        timers,
		logger:        logger.With("component", "lifecycle"),
		locks:         make(map[string]*sync.Mutex),
		idleTimers:    make(map[string]*timer.Handle),
		errorCounters: make(map[errorKey]*errorCounter),
		throttle:      make(map[string]*throttleWindow),
	}
}

// lockFor returns the per-agent critical-section lock, creating it if
// this is the first time the agent has been touched in this process.
func (m *Manager) lockFor(agentID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[agentID] = l
	}
	return l
}

// withAgentLocks acquires one or more per-agent locks in ascending id
// order to preclude deadlock, then runs fn.
func (m *Manager) withAgentLocks(ids []string, fn func() error) error {
	unique := make(map[string]struct{}, len(ids))
	var sorted []string
	for _, id := range ids {
		if _, seen := unique[id]; !seen {
			unique[id] = struct{}{}
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, len(sorted))
	for i, id := range sorted {
		locks[i] = m.lockFor(id)
	}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for _, l := range locks {
			l.Unlock()
		}
	}()
	return fn()
}

func (m *Manager) audit(ctx context.Context, actor, action, agentID, taskID, detail string) {
	entry := &store.AuditEntry{Actor: actor, Action: action, Detail: detail}
	if agentID != "" {
		entry.AgentID = &agentID
	}
	if taskID != "" {
		entry.TaskID = &taskID
	}
	if err := m.store.CreateAuditEntry(ctx, entry); err != nil {
		m.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// Register creates a new Agent in the idle state.
func (m *Manager) Register(ctx context.Context, name, agentType string, parentAgentID *string, soulMD string, skills []string, config map[string]string) (*store.Agent, error) {
	agent := &store.Agent{
		ID:            uuid.New().String(),
		Name:          name,
		Type:          agentType,
		ParentAgentID: parentAgentID,
		Status:        store.AgentIdle,
		SoulMD:        soulMD,
		Skills:        skills,
		Config:        config,
		CreatedAt:     store.Now(),
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "registering agent", err)
	}
	m.audit(ctx, "system", "register", agent.ID, "", "")
	return agent, nil
}

// AssignTask creates an AgentTask and transitions the agent to working.
func (m *Manager) AssignTask(ctx context.Context, agentID, taskID, title, priority string, linearIssueID, projectID *string) (*store.AgentTask, error) {
	var task *store.AgentTask
	err := m.withAgentLocks([]string{agentID}, func() error {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}

		now := store.Now()
		task = &store.AgentTask{
			ID: taskID, AgentID: agentID, LinearIssueID: linearIssueID, ProjectID: projectID,
			Title: title, Status: store.TaskPending, Priority: priority,
			CreatedAt: now, UpdatedAt: now,
		}

		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.CreateAgentTask(ctx, task); err != nil {
				return fmt.Errorf("creating task: %w", err)
			}
			agent.Status = store.AgentWorking
			agent.CurrentTaskID = &taskID
			now64 := store.Now()
			agent.LastHeartbeat = &now64
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return fmt.Errorf("updating agent: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if linearIssueID != nil {
		if issue, getErr := m.store.GetLinearIssue(ctx, *linearIssueID); getErr == nil {
			issue.AgentTaskID = &taskID
			if upErr := m.store.UpsertLinearIssue(ctx, issue); upErr != nil {
				m.logger.Warn("linking linear issue failed", "issue_id", *linearIssueID, "error", upErr)
			}
		} else {
			m.logger.Warn("linear issue lookup failed during assignment", "issue_id", *linearIssueID, "error", getErr)
		}
	}

	m.startIdleMonitor(agentID)
	m.bus.Publish(bus.DashboardEvent{Type: bus.AgentStatus, Payload: map[string]string{"agent_id": agentID, "action": "task_assigned"}})
	m.audit(ctx, "system", "assign_task", agentID, taskID, title)
	return task, nil
}

// startIdleMonitor (re)starts the single idle timer for agentID, firing
// at +300s per §4.6.7.
func (m *Manager) startIdleMonitor(agentID string) {
	m.idleMu.Lock()
	if prev, ok := m.idleTimers[agentID]; ok {
		m.timers.Cancel(prev)
	}
	handle := m.timers.Schedule(idleMonitorInterval, func() { m.onIdleTimerFire(agentID) })
	m.idleTimers[agentID] = handle
	m.idleMu.Unlock()
}

func (m *Manager) cancelIdleMonitor(agentID string) {
	m.idleMu.Lock()
	if prev, ok := m.idleTimers[agentID]; ok {
		m.timers.Cancel(prev)
		delete(m.idleTimers, agentID)
	}
	m.idleMu.Unlock()
}

func (m *Manager) onIdleTimerFire(agentID string) {
	ctx := context.Background()
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}

	var lastHeartbeat int64
	if agent.LastHeartbeat != nil {
		lastHeartbeat = *agent.LastHeartbeat
	}
	elapsed := time.Since(time.Unix(lastHeartbeat, 0))

	if agent.Status == store.AgentWorking && elapsed > idleMonitorInterval && agent.CurrentTaskID != nil {
		_, err := m.DetectBlocked(ctx, agentID, "idle", fmt.Sprintf("idle %d minutes with in_progress task", int(elapsed.Minutes())), *agent.CurrentTaskID)
		if err != nil {
			m.logger.Warn("idle-triggered detectBlocked failed", "agent_id", agentID, "error", err)
		}
		return
	}

	if elapsed > idleAlertThreshold {
		tasks, err := m.store.ListTasksByAgent(ctx, agentID)
		if err == nil {
			for _, t := range tasks {
				if t.Status == store.TaskPending {
					_ = m.alertEngine.ProcessEvent(ctx, alert.AlertEvent{
						Trigger: store.TriggerIdleTooLong, AgentID: agentID, TaskID: t.ID,
						Title: "agent idle too long", Priority: store.PriorityMedium,
					})
					break
				}
			}
		}
	}
}

// RecordError increments the sliding error window counter for (agentID,
// taskID). On the 3rd error it calls DetectBlocked; on the 5th it also
// triggers sleep. Returns whether a threshold fired.
func (m *Manager) RecordError(ctx context.Context, agentID, taskID string) (bool, error) {
	key := errorKey{agentID: agentID, taskID: taskID}

	m.errorMu.Lock()
	now := time.Now()
	c, ok := m.errorCounters[key]
	if !ok || now.Sub(c.windowStart) > errorWindow {
		c = &errorCounter{windowStart: now}
		m.errorCounters[key] = c
	}
	c.count++
	count := c.count
	elapsed := now.Sub(c.windowStart)
	m.errorMu.Unlock()

	triggered := false
	if count == 3 {
		triggered = true
		_, err := m.DetectBlocked(ctx, agentID, "repeated_errors", fmt.Sprintf("%d consecutive errors in %.0fs", count, elapsed.Seconds()), taskID)
		if err != nil {
			return false, err
		}
	}
	if count == 5 {
		triggered = true
		if err := m.TriggerSleep(ctx, agentID, "error_threshold"); err != nil {
			return false, err
		}
	}

	m.audit(ctx, "system", "record_error", agentID, taskID, fmt.Sprintf("count=%d", count))
	return triggered, nil
}

// DetectBlocked atomically transitions the task and agent to blocked,
// cancels the alerts still pending for this (agentID, taskID) (a block
// invalidates a pending completion), and then feeds the Alert Engine.
func (m *Manager) DetectBlocked(ctx context.Context, agentID, source, reason, taskID string) (*store.AgentTask, error) {
	var task *store.AgentTask
	err := m.withAgentLocks([]string{agentID}, func() error {
		t, err := m.store.GetAgentTask(ctx, taskID)
		if err != nil {
			return nil // task must exist; else no-op per spec
		}
		if t.Status != store.TaskInProgress {
			return apperr.Conflictf("cannot block task %s: blocked may only be entered from in_progress, not %s", taskID, t.Status)
		}
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}

		now := store.Now()
		blockedReason := fmt.Sprintf("[%s] %s", source, reason)
		t.Status = store.TaskBlocked
		t.BlockedReason = &blockedReason
		t.BlockedAt = &now
		t.UpdatedAt = now

		agent.Status = store.AgentBlocked
		agent.CurrentTaskID = &taskID

		task = t
		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.UpdateAgentTask(ctx, t); err != nil {
				return fmt.Errorf("updating task: %w", err)
			}
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return fmt.Errorf("updating agent: %w", err)
			}
			return nil
		})
	})
	if err != nil || task == nil {
		return nil, err
	}

	// Alerts still pending for the task no longer apply now that it is
	// blocked; cancel them before the blocked alert itself is scheduled.
	m.alertEngine.CancelPendingAlerts(agentID, taskID)
	if err := m.alertEngine.ProcessEvent(ctx, alert.AlertEvent{
		Trigger: store.TriggerBlocked, AgentID: agentID, TaskID: taskID,
		Title: task.Title, Priority: task.Priority, Reason: reason,
	}); err != nil {
		m.logger.Warn("alert engine processEvent failed", "error", err)
	}

	m.bus.Publish(bus.DashboardEvent{Type: bus.AgentStatus, Payload: map[string]string{"agent_id": agentID, "action": "blocked"}})
	m.audit(ctx, "system", "detect_blocked", agentID, taskID, blockedAuditDetail(source, reason))
	return task, nil
}

func blockedAuditDetail(source, reason string) string {
	return fmt.Sprintf("source=%s reason=%s", source, reason)
}

// CompleteTask atomically transitions a task to completed, applies the
// sleep-window decision if the agent has no pending tasks, cancels the
// idle timer and pending blocked-alerts, and feeds the Alert Engine.
func (m *Manager) CompleteTask(ctx context.Context, agentID, taskID string) (*store.AgentTask, error) {
	var task *store.AgentTask
	var nextAgentStatus string

	err := m.withAgentLocks([]string{agentID}, func() error {
		t, err := m.store.GetAgentTask(ctx, taskID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "task not found", err)
		}
		if t.Status != store.TaskInProgress && t.Status != store.TaskBlocked {
			return apperr.Conflictf("cannot complete task %s from status %s", taskID, t.Status)
		}
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}

		now := store.Now()
		t.Status = store.TaskCompleted
		t.CompletedAt = &now
		t.UpdatedAt = now
		t.BlockedReason = nil
		t.BlockedAt = nil
		task = t

		pending, err := m.hasPendingTasks(ctx, agentID, taskID)
		if err != nil {
			return err
		}

		if pending {
			agent.CurrentTaskID = nil
			// remains working
		} else {
			agent.CurrentTaskID = nil
			if m.isInSleepWindowFor(ctx, agentID) {
				agent.Status = store.AgentSleeping
			} else {
				agent.Status = store.AgentIdle
			}
		}
		nextAgentStatus = agent.Status

		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.UpdateAgentTask(ctx, t); err != nil {
				return fmt.Errorf("updating task: %w", err)
			}
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return fmt.Errorf("updating agent: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.cancelIdleMonitor(agentID)
	m.alertEngine.CancelPendingAlerts(agentID, taskID)

	if err := m.alertEngine.ProcessEvent(ctx, alert.AlertEvent{
		Trigger: store.TriggerCompleted, AgentID: agentID, TaskID: taskID,
		Title: task.Title, Priority: task.Priority,
	}); err != nil {
		m.logger.Warn("alert engine processEvent failed", "error", err)
	}

	m.bus.Publish(bus.DashboardEvent{Type: bus.AgentStatus, Payload: map[string]string{"agent_id": agentID, "action": "task_completed"}})
	m.audit(ctx, "system", "complete_task", agentID, taskID, "status="+nextAgentStatus)
	return task, nil
}

func (m *Manager) hasPendingTasks(ctx context.Context, agentID, excludeTaskID string) (bool, error) {
	tasks, err := m.store.ListTasksByAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("listing tasks for agent %s: %w", agentID, err)
	}
	for _, t := range tasks {
		if t.ID == excludeTaskID {
			continue
		}
		if t.Status == store.TaskPending {
			return true, nil
		}
	}
	return false, nil
}

// TriggerSleep transitions a non-terminal agent to sleeping. No-op if
// already sleeping or offline.
func (m *Manager) TriggerSleep(ctx context.Context, agentID, reason string) error {
	return m.withAgentLocks([]string{agentID}, func() error {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}
		if agent.Status == store.AgentSleeping || agent.Status == store.AgentOffline {
			return nil
		}
		agent.Status = store.AgentSleeping
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		m.bus.Publish(bus.DashboardEvent{Type: bus.AgentStatus, Payload: map[string]string{"agent_id": agentID, "action": "sleep", "reason": reason}})
		m.audit(ctx, "system", "trigger_sleep", agentID, "", reason)
		return nil
	})
}

// TriggerWake transitions a sleeping agent to idle. No-op otherwise.
func (m *Manager) TriggerWake(ctx context.Context, agentID string) error {
	return m.withAgentLocks([]string{agentID}, func() error {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}
		if agent.Status != store.AgentSleeping {
			return nil
		}
		agent.Status = store.AgentIdle
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		m.bus.Publish(bus.DashboardEvent{Type: bus.AgentStatus, Payload: map[string]string{"agent_id": agentID, "action": "wake"}})
		m.audit(ctx, "system", "trigger_wake", agentID, "", "")
		return nil
	})
}

// Unblock transitions a blocked task back to in_progress and clears
// blocked_* fields, without changing the error counter. Used by the
// admin "unblock" action.
func (m *Manager) Unblock(ctx context.Context, agentID, taskID string) (*store.AgentTask, error) {
	var task *store.AgentTask
	err := m.withAgentLocks([]string{agentID}, func() error {
		t, err := m.store.GetAgentTask(ctx, taskID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "task not found", err)
		}
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}
		t.Status = store.TaskInProgress
		t.BlockedReason = nil
		t.BlockedAt = nil
		t.UpdatedAt = store.Now()
		agent.Status = store.AgentWorking
		agent.CurrentTaskID = &taskID
		task = t

		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.UpdateAgentTask(ctx, t); err != nil {
				return err
			}
			return tx.UpdateAgent(ctx, agent)
		})
	})
	if err != nil {
		return nil, err
	}
	n := m.alertEngine.CancelPendingAlerts(agentID, taskID)
	m.startIdleMonitor(agentID)
	m.audit(ctx, "system", "unblock", agentID, taskID, fmt.Sprintf("cancelled=%d", n))
	return task, nil
}

// Stop transitions an agent to offline, cancelling all of its tasks that are
// not yet in a terminal state (pending, in_progress and blocked).
func (m *Manager) Stop(ctx context.Context, agentID string) error {
	return m.withAgentLocks([]string{agentID}, func() error {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}
		tasks, err := m.store.ListTasksByAgent(ctx, agentID)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}

		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			for _, t := range tasks {
				if t.IsTerminal() {
					continue
				}
				t.Status = store.TaskCancelled
				now := store.Now()
				t.CompletedAt = &now
				t.UpdatedAt = now
				if err := tx.UpdateAgentTask(ctx, t); err != nil {
					return err
				}
			}
			agent.Status = store.AgentOffline
			agent.CurrentTaskID = nil
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return err
			}
			return tx.CreateAuditEntry(ctx, &store.AuditEntry{Actor: "admin", Action: "stop", AgentID: &agentID})
		})
	})
}

// Restart transitions an agent back to idle with no current task.
func (m *Manager) Restart(ctx context.Context, agentID string) error {
	return m.withAgentLocks([]string{agentID}, func() error {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}
		agent.Status = store.AgentIdle
		agent.CurrentTaskID = nil
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		m.audit(ctx, "admin", "restart", agentID, "", "")
		return nil
	})
}

// RefreshHeartbeat records the agent's liveness and resets its idle timer.
func (m *Manager) RefreshHeartbeat(ctx context.Context, agentID string) error {
	err := m.withAgentLocks([]string{agentID}, func() error {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "agent not found", err)
		}
		now := store.Now()
		agent.LastHeartbeat = &now
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.startIdleMonitor(agentID)
	return nil
}

// ShouldSendMessage is the cross-agent push throttle (§4.6.9), distinct
// from the Alert Engine's own per-channel anti-spam: in_app is always
// permitted; push allows up to 3 sends per agent per rolling hour.
func (m *Manager) ShouldSendMessage(agentID, channel string) bool {
	if channel != store.ChannelPush {
		return true
	}

	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()

	now := time.Now()
	w, ok := m.throttle[agentID]
	if !ok || now.Sub(w.windowStart) > pushThrottleWindow {
		m.throttle[agentID] = &throttleWindow{windowStart: now, count: 1}
		return true
	}
	if w.count >= pushThrottleMax {
		return false
	}
	w.count++
	return true
}

// isInSleepWindowFor loads the persisted sleep schedule and evaluates it
// for "now" in the configured timezone.
func (m *Manager) isInSleepWindowFor(ctx context.Context, agentID string) bool {
	sched, err := m.store.GetSleepSchedule(ctx)
	if err != nil || !sched.Enabled {
		return false
	}
	return IsInSleepWindow(sched, time.Now())
}

// IsInSleepWindow evaluates whether t falls within the configured
// [startHour, endHour) window in the schedule's timezone. The window
// wraps midnight when startHour >= endHour.
func IsInSleepWindow(sched *store.SleepSchedule, t time.Time) bool {
	if !sched.Enabled {
		return false
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()

	if sched.StartHour == sched.EndHour {
		return false
	}
	if sched.StartHour < sched.EndHour {
		return hour >= sched.StartHour && hour < sched.EndHour
	}
	// Wraps midnight, e.g. 22 -> 6 matches {22..23, 0..5}.
	return hour >= sched.StartHour || hour < sched.EndHour
}

// Reconcile rebuilds process-local transient state after a restart: every
// working agent gets a fresh idle monitor, and every blocked task gets a
// zero-delay re-evaluation of its pending alert (at-least-once semantics
// are accepted for notifications per §5/§9).
func (m *Manager) Reconcile(ctx context.Context) error {
	agents, err := m.store.ListAgents(ctx, store.AgentFilter{Status: store.AgentWorking})
	if err != nil {
		return fmt.Errorf("reconciling working agents: %w", err)
	}
	for _, a := range agents {
		m.startIdleMonitor(a.ID)
	}

	blocked, err := m.store.ListTasksByStatus(ctx, store.TaskBlocked)
	if err != nil {
		return fmt.Errorf("reconciling blocked tasks: %w", err)
	}
	for _, t := range blocked {
		reason := ""
		if t.BlockedReason != nil {
			reason = *t.BlockedReason
		}
		if err := m.alertEngine.ProcessEvent(ctx, alert.AlertEvent{
			Trigger: store.TriggerBlocked, AgentID: t.AgentID, TaskID: t.ID,
			Title: t.Title, Priority: t.Priority, Reason: reason,
		}); err != nil {
			m.logger.Warn("reconcile re-evaluation failed", "task_id", t.ID, "error", err)
		}
	}

	m.logger.Info("reconciliation complete", "working_agents", len(agents), "blocked_tasks", len(blocked))
	return nil
}
