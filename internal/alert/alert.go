// ABOUTME: Alert Engine: matches rules, schedules delayed/batched delivery, and throttles per channel.
// ABOUTME: Has no dependency on the Lifecycle Manager beyond the AlertEvent struct it receives.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetctl/fleetctl-gateway/internal/bus"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
	"github.com/fleetctl/fleetctl-gateway/internal/timer"
)

// AlertEvent is the input to the Alert Engine; the Lifecycle Manager is
// the only producer. This struct is the entire surface the two packages
// share — the Alert Engine never calls back into the Lifecycle Manager.
type AlertEvent struct {
	Trigger   string
	AgentID   string
	TaskID    string
	Title     string
	Priority  string
	Reason    string
	ProjectID string
}

type pendingKey struct {
	agentID string
	taskID  string
	trigger string
	ruleID  string
}

type batchEntry struct {
	count int
	tasks []string
}

// Engine evaluates AlertRules and turns matching AlertEvents into Messages,
// subject to delay, batching, and anti-spam policies.
type Engine struct {
	store  store.Store
	bus    *bus.Bus
	timers *timer.Service
	logger *slog.Logger

	mu      sync.Mutex
	pending map[pendingKey]*timer.Handle
	batches map[string]*batchEntry // keyed by rule id

	pushMu     sync.Mutex
	pushGlobal *window
	pushByAgent map[string]*window

	inAppMu    sync.Mutex
	inAppCount map[string]*inAppWindow // keyed by agentID
}

type window struct {
	windowStart time.Time
	count       int
}

type inAppWindow struct {
	windowStart time.Time
	count       int
	digesting   bool
}

const (
	pushGlobalMax  = 10
	pushPerAgentMax = 3
	pushWindow      = time.Hour
	inAppBurstLimit = 5
	inAppWindowDur  = 60 * time.Second
)

// New constructs an Alert Engine.
func New(st store.Store, b *bus.Bus, timers *timer.Service, logger *slog.Logger) *Engine {
	return &Engine{
		store:       st,
		bus:         b,
		timers:      timers,
		logger:      logger.With("component", "alert_engine"),
		pending:     make(map[pendingKey]*timer.Handle),
		batches:     make(map[string]*batchEntry),
		pushByAgent: make(map[string]*window),
		inAppCount:  make(map[string]*inAppWindow),
	}
}

// ProcessEvent matches an AlertEvent against enabled rules and schedules
// or delivers the resulting notifications.
func (e *Engine) ProcessEvent(ctx context.Context, ev AlertEvent) error {
	rules, err := e.store.ListAlertRulesFor(ctx, ev.Trigger, ev.Priority)
	if err != nil {
		return fmt.Errorf("matching alert rules: %w", err)
	}

	for _, rule := range rules {
		e.scheduleRule(ctx, rule, ev)
	}
	return nil
}

func (e *Engine) scheduleRule(ctx context.Context, rule *store.AlertRule, ev AlertEvent) {
	key := pendingKey{agentID: ev.AgentID, taskID: ev.TaskID, trigger: ev.Trigger, ruleID: rule.ID}

	deliver := func() {
		if err := e.deliver(context.Background(), rule, ev); err != nil {
			e.logger.Error("alert delivery failed", "rule", rule.ID, "agent_id", ev.AgentID, "error", err)
		}
	}

	if rule.DelayMs == 0 {
		deliver()
		return
	}

	if ev.Trigger == store.TriggerCompleted {
		e.scheduleBatch(rule, ev, deliver)
		return
	}

	e.mu.Lock()
	handle := e.timers.Schedule(time.Duration(rule.DelayMs)*time.Millisecond, func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
		deliver()
	})
	e.pending[key] = handle
	e.mu.Unlock()
}

// scheduleBatch implements the completed-trigger batching rule: the first
// event in a window starts one timer for the rule's delay; subsequent
// events in the same window are folded into the same flush.
func (e *Engine) scheduleBatch(rule *store.AlertRule, ev AlertEvent, deliverOne func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, exists := e.batches[rule.ID]
	if !exists {
		b = &batchEntry{}
		e.batches[rule.ID] = b
		e.timers.Schedule(time.Duration(rule.DelayMs)*time.Millisecond, func() {
			e.flushBatch(rule)
		})
	}
	b.count++
	b.tasks = append(b.tasks, ev.TaskID)
}

func (e *Engine) flushBatch(rule *store.AlertRule) {
	e.mu.Lock()
	b, exists := e.batches[rule.ID]
	delete(e.batches, rule.ID)
	e.mu.Unlock()

	if !exists || b.count == 0 {
		return
	}

	content := fmt.Sprintf("%d tasks completed: %v", b.count, b.tasks)
	ctx := context.Background()
	if err := e.deliverContent(ctx, rule, content); err != nil {
		e.logger.Error("batch delivery failed", "rule", rule.ID, "error", err)
	}
}

// deliver applies anti-spam, persists a Message, and publishes a bus event.
func (e *Engine) deliver(ctx context.Context, rule *store.AlertRule, ev AlertEvent) error {
	content := ev.Title
	if ev.Reason != "" {
		content = fmt.Sprintf("%s: %s", ev.Title, ev.Reason)
	}
	return e.deliverWithAgent(ctx, rule, content, ev.AgentID)
}

func (e *Engine) deliverContent(ctx context.Context, rule *store.AlertRule, content string) error {
	return e.deliverWithAgent(ctx, rule, content, "")
}

func (e *Engine) deliverWithAgent(ctx context.Context, rule *store.AlertRule, content, agentID string) error {
	if rule.Channel == store.ChannelBoth {
		// Deliver both legs independently so an in_app dashboard entry is
		// always produced even when the push leg is capped or suppressed.
		pushErr := e.deliverChannel(ctx, rule, content, agentID, store.ChannelPush)
		inAppErr := e.deliverChannel(ctx, rule, content, agentID, store.ChannelInApp)
		return errors.Join(pushErr, inAppErr)
	}

	channel := store.ChannelInApp
	if rule.Channel == store.ChannelPush {
		channel = store.ChannelPush
	}
	return e.deliverChannel(ctx, rule, content, agentID, channel)
}

// deliverChannel applies the anti-spam policy for the requested channel
// (push falls back to in_app when its cap is reached), persists a Message,
// and publishes a bus event.
func (e *Engine) deliverChannel(ctx context.Context, rule *store.AlertRule, content, agentID, channel string) error {
	if channel == store.ChannelPush {
		if !e.applyPushAntiSpam(agentID) {
			channel = store.ChannelInApp
		}
	}

	if channel == store.ChannelInApp {
		coalesced, ok := e.applyInAppCoalescing(agentID, content)
		if !ok {
			e.logger.Info("alert dropped by anti-spam", "rule", rule.ID, "agent_id", agentID)
			return nil
		}
		content = coalesced
	}

	id, err := e.store.CreateMessage(ctx, &store.Message{
		Type:      rule.Trigger,
		Content:   content,
		CreatedAt: store.Now(),
	})
	if err != nil {
		return fmt.Errorf("creating message for rule %s: %w", rule.ID, err)
	}

	e.bus.Publish(bus.DashboardEvent{
		Type:    bus.MessageCreated,
		Payload: map[string]any{"message_id": id, "channel": channel, "rule_id": rule.ID},
	})
	return nil
}

// applyInAppCoalescing implements the rate-aware in_app coalescing rule:
// if more than inAppBurstLimit events for one agent arrive within one 60s
// window, the event that crosses the limit has its content rewritten into a
// single digest message (ok true), and every later event in that window
// returns ok false so no row is written for it. A new window starts once
// 60s have passed since the current window's first event.
func (e *Engine) applyInAppCoalescing(agentID, content string) (string, bool) {
	e.inAppMu.Lock()
	defer e.inAppMu.Unlock()

	now := time.Now()
	w, exists := e.inAppCount[agentID]
	if !exists || now.Sub(w.windowStart) > inAppWindowDur {
		w = &inAppWindow{windowStart: now}
		e.inAppCount[agentID] = w
	}
	w.count++

	if w.digesting {
		// Already inside a digest window: suppress the individual row,
		// the digest message already created covers it.
		return "", false
	}

	if w.count > inAppBurstLimit {
		w.digesting = true
		return fmt.Sprintf("multiple alerts for agent %s in the last minute (digest)", agentID), true
	}

	return content, true
}

// applyPushAntiSpam enforces the push hard caps: global max 10/hour and
// per-agent max 3/hour. Returns false when either cap is already reached.
func (e *Engine) applyPushAntiSpam(agentID string) bool {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	now := time.Now()
	if e.pushGlobal == nil || now.Sub(e.pushGlobal.windowStart) > pushWindow {
		e.pushGlobal = &window{windowStart: now}
	}
	perAgent, ok := e.pushByAgent[agentID]
	if !ok || now.Sub(perAgent.windowStart) > pushWindow {
		perAgent = &window{windowStart: now}
		e.pushByAgent[agentID] = perAgent
	}

	if e.pushGlobal.count >= pushGlobalMax || perAgent.count >= pushPerAgentMax {
		return false
	}

	e.pushGlobal.count++
	perAgent.count++
	return true
}

// CancelPendingAlerts cancels all scheduled timers keyed to (agentID, taskID),
// removes taskID from any in-flight completion batch so it's not mentioned in
// a later digest, and returns how many pending entries were cancelled.
// Idempotent: a second call returns 0. Batch removals aren't counted towards
// the return value since the batch's own timer keeps running for whatever
// tasks remain in it.
func (e *Engine) CancelPendingAlerts(agentID, taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for key, handle := range e.pending {
		if key.agentID == agentID && (taskID == "" || key.taskID == taskID) {
			if e.timers.Cancel(handle) {
				count++
			}
			delete(e.pending, key)
		}
	}

	if taskID != "" {
		for ruleID, b := range e.batches {
			kept := b.tasks[:0]
			for _, tid := range b.tasks {
				if tid != taskID {
					kept = append(kept, tid)
				}
			}
			if len(kept) != len(b.tasks) {
				b.tasks = kept
				b.count = len(kept)
				if b.count == 0 {
					delete(e.batches, ruleID)
				}
			}
		}
	}

	return count
}
