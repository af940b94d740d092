// ABOUTME: StaleTaskScanner: periodic producer of the stale_task alert trigger, the default-rules row's only caller.
// ABOUTME: Grounded on the cron-capable pack sibling's digest-schedule idiom, parsed once into a @every 30m descriptor.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetctl/fleetctl-gateway/internal/alert"
	"github.com/fleetctl/fleetctl-gateway/internal/lifecycle"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
)

const (
	scanSchedule = "@every 30m"
	staleAfter   = 4 * time.Hour
	wakeSchedule = "@every 5m"
)

// waker is the narrow slice of the Lifecycle Manager the sleep-window
// re-evaluation ticker needs.
type waker interface {
	TriggerWake(ctx context.Context, agentID string) error
}

// StaleTaskScanner periodically scans for in_progress tasks that have gone
// stale and feeds the Alert Engine's stale_task trigger, which otherwise has
// no producer. It also re-evaluates sleeping agents against the configured
// sleep window and wakes any whose window has ended, since nothing in the
// HTTP API surface calls triggerWake directly (§4.6.1).
type StaleTaskScanner struct {
	store       store.Store
	alertEngine *alert.Engine
	waker       waker
	logger      *slog.Logger
	cron        *cron.Cron
}

// New constructs a StaleTaskScanner. Call Start to begin the schedule.
func New(st store.Store, ae *alert.Engine, lm *lifecycle.Manager, logger *slog.Logger) *StaleTaskScanner {
	return &StaleTaskScanner{
		store:       st,
		alertEngine: ae,
		waker:       lm,
		logger:      logger.With("component", "stale_task_scanner"),
		cron:        cron.New(),
	}
}

// Start parses both schedules once and begins running them in the
// background. Call Stop to end them.
func (s *StaleTaskScanner) Start() error {
	if _, err := s.cron.AddFunc(scanSchedule, func() { s.ScanNow(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(wakeSchedule, func() { s.ReevaluateSleepWindowNow(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop ends both schedules, waiting for any in-flight run to finish.
func (s *StaleTaskScanner) Stop() {
	<-s.cron.Stop().Done()
}

// ReevaluateSleepWindowNow runs one pass of the sleep-window wake check
// immediately, outside the cron schedule. Exported so callers (and tests)
// can trigger it deterministically instead of waiting on the ticker.
func (s *StaleTaskScanner) ReevaluateSleepWindowNow(ctx context.Context) {
	sched, err := s.store.GetSleepSchedule(ctx)
	if err != nil || !sched.Enabled {
		return
	}

	agents, err := s.store.ListAgents(ctx, store.AgentFilter{Status: store.AgentSleeping})
	if err != nil {
		s.logger.Error("sleep window re-evaluation failed to list agents", "error", err)
		return
	}

	now := time.Now()
	for _, a := range agents {
		if lifecycle.IsInSleepWindow(sched, now) {
			continue
		}
		if err := s.waker.TriggerWake(ctx, a.ID); err != nil {
			s.logger.Error("waking agent after sleep window ended failed", "agent_id", a.ID, "error", err)
		}
	}
}

// ScanNow runs one pass of the stale-task scan immediately, outside the
// cron schedule. Exported so callers (and tests) can trigger it
// deterministically instead of waiting on the ticker.
func (s *StaleTaskScanner) ScanNow(ctx context.Context) {
	tasks, err := s.store.ListTasksByStatus(ctx, store.TaskInProgress)
	if err != nil {
		s.logger.Error("stale task scan failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-staleAfter).Unix()
	stale := 0
	for _, t := range tasks {
		if t.UpdatedAt >= cutoff {
			continue
		}
		stale++
		if err := s.alertEngine.ProcessEvent(ctx, alert.AlertEvent{
			Trigger: store.TriggerStaleTask, AgentID: t.AgentID, TaskID: t.ID,
			Title: t.Title, Priority: t.Priority,
		}); err != nil {
			s.logger.Error("stale task alert dispatch failed", "task_id", t.ID, "error", err)
		}
	}
	if stale > 0 {
		s.logger.Info("stale task scan complete", "stale_count", stale, "scanned", len(tasks))
	}
}
