package lifecycle_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl-gateway/internal/alert"
	"github.com/fleetctl/fleetctl-gateway/internal/bus"
	"github.com/fleetctl/fleetctl-gateway/internal/lifecycle"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
	"github.com/fleetctl/fleetctl-gateway/internal/timer"
)

type fakeSealer struct{}

func (fakeSealer) Seal(p []byte) ([]byte, error) { return append([]byte{}, p...), nil }
func (fakeSealer) Open(c []byte) ([]byte, error) { return append([]byte{}, c...), nil }

func newManager(t *testing.T) (*lifecycle.Manager, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", fakeSealer{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SeedDefaultAlertRules(context.Background()))

	b := bus.New(logger)
	ts := timer.New()
	ae := alert.New(st, b, ts, logger)
	return lifecycle.New(st, b, ae, ts, logger), st
}

// startTask moves a freshly assigned (pending) task to in_progress, the
// transition the API layer performs before a task can be blocked or
// completed.
func startTask(t *testing.T, ctx context.Context, st store.Store, taskID string) {
	t.Helper()
	task, err := st.GetAgentTask(ctx, taskID)
	require.NoError(t, err)
	now := store.Now()
	task.StartedAt = &now
	task.Status = store.TaskInProgress
	task.UpdatedAt = now
	require.NoError(t, st.UpdateAgentTask(ctx, task))
}

func TestRegisterCreatesIdleAgent(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-1", store.AgentTypePrimary, nil, "# soul", []string{"go"}, nil)
	require.NoError(t, err)
	require.Equal(t, store.AgentIdle, agent.Status)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, "worker-1", got.Name)
}

func TestAssignTaskMovesAgentToWorking(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-2", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)

	task, err := m.AssignTask(ctx, agent.ID, "task-1", "fix bug", store.PriorityHigh, nil, nil)
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, task.Status)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentWorking, got.Status)
	require.NotNil(t, got.CurrentTaskID)
	require.Equal(t, "task-1", *got.CurrentTaskID)
}

func TestDetectBlockedTransitionsAgentAndTask(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-3", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)
	_, err = m.AssignTask(ctx, agent.ID, "task-2", "do thing", store.PriorityHigh, nil, nil)
	require.NoError(t, err)
	startTask(t, ctx, st, "task-2")

	task, err := m.DetectBlocked(ctx, agent.ID, "manual", "waiting on review", "task-2")
	require.NoError(t, err)
	require.Equal(t, store.TaskBlocked, task.Status)
	require.NotNil(t, task.BlockedReason)

	gotAgent, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentBlocked, gotAgent.Status)

	msgs, err := st.ListMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, msgs, "high priority blocked rule delivers immediately")
}

func TestRecordErrorThirdOccurrenceBlocksTask(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-4", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)
	_, err = m.AssignTask(ctx, agent.ID, "task-3", "flaky thing", store.PriorityMedium, nil, nil)
	require.NoError(t, err)
	startTask(t, ctx, st, "task-3")

	triggered, err := m.RecordError(ctx, agent.ID, "task-3")
	require.NoError(t, err)
	require.False(t, triggered)

	triggered, err = m.RecordError(ctx, agent.ID, "task-3")
	require.NoError(t, err)
	require.False(t, triggered)

	triggered, err = m.RecordError(ctx, agent.ID, "task-3")
	require.NoError(t, err)
	require.True(t, triggered, "third error in window must trigger detectBlocked")

	task, err := st.GetAgentTask(ctx, "task-3")
	require.NoError(t, err)
	require.Equal(t, store.TaskBlocked, task.Status)
}

func TestRecordErrorFifthOccurrenceTriggersSleep(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-5", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)
	_, err = m.AssignTask(ctx, agent.ID, "task-4", "very flaky", store.PriorityLow, nil, nil)
	require.NoError(t, err)
	startTask(t, ctx, st, "task-4")

	for i := 0; i < 5; i++ {
		_, err := m.RecordError(ctx, agent.ID, "task-4")
		require.NoError(t, err)
	}

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentSleeping, got.Status)
}

func TestCompleteTaskReturnsAgentToIdleWhenNoPendingWork(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-6", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)
	_, err = m.AssignTask(ctx, agent.ID, "task-5", "ship it", store.PriorityMedium, nil, nil)
	require.NoError(t, err)
	startTask(t, ctx, st, "task-5")

	task, err := m.CompleteTask(ctx, agent.ID, "task-5")
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, task.Status)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentIdle, got.Status)
	require.Nil(t, got.CurrentTaskID)
}

func TestCompleteTaskKeepsAgentWorkingWithPendingTasks(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-7", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)
	_, err = m.AssignTask(ctx, agent.ID, "task-6a", "first", store.PriorityMedium, nil, nil)
	require.NoError(t, err)
	startTask(t, ctx, st, "task-6a")
	require.NoError(t, st.CreateAgentTask(ctx, &store.AgentTask{
		ID: "task-6b", AgentID: agent.ID, Title: "second", Status: store.TaskPending,
		Priority: store.PriorityMedium, CreatedAt: 1, UpdatedAt: 1,
	}))

	_, err = m.CompleteTask(ctx, agent.ID, "task-6a")
	require.NoError(t, err)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentWorking, got.Status, "agent stays working while another pending task remains")
}

func TestTriggerSleepAndWake(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-8", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.TriggerSleep(ctx, agent.ID, "manual"))
	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentSleeping, got.Status)

	require.NoError(t, m.TriggerWake(ctx, agent.ID))
	got, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentIdle, got.Status)
}

func TestStopCancelsInProgressTasks(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-9", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)
	_, err = m.AssignTask(ctx, agent.ID, "task-7", "long task", store.PriorityMedium, nil, nil)
	require.NoError(t, err)
	startTask(t, ctx, st, "task-7")

	require.NoError(t, m.Stop(ctx, agent.ID))

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentOffline, got.Status)

	task, err := st.GetAgentTask(ctx, "task-7")
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, task.Status)
}

func TestShouldSendMessageThrottlesPushPerAgent(t *testing.T) {
	m, _ := newManager(t)

	allowed := 0
	for i := 0; i < 5; i++ {
		if m.ShouldSendMessage("agent-x", store.ChannelPush) {
			allowed++
		}
	}
	require.Equal(t, 3, allowed, "push throttle caps at 3 per agent per hour")

	require.True(t, m.ShouldSendMessage("agent-x", store.ChannelInApp), "in_app is never throttled")
}

func TestIsInSleepWindowHandlesMidnightWraparound(t *testing.T) {
	sched := &store.SleepSchedule{Enabled: true, StartHour: 22, EndHour: 6, Timezone: "UTC"}

	night := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	require.True(t, lifecycle.IsInSleepWindow(sched, night))

	earlyMorning := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	require.True(t, lifecycle.IsInSleepWindow(sched, earlyMorning))

	midday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.False(t, lifecycle.IsInSleepWindow(sched, midday))
}

func TestReconcileRestartsIdleMonitorsAndReevaluatesBlocked(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "worker-10", store.AgentTypePrimary, nil, "", nil, nil)
	require.NoError(t, err)
	_, err = m.AssignTask(ctx, agent.ID, "task-8", "recover me", store.PriorityHigh, nil, nil)
	require.NoError(t, err)
	startTask(t, ctx, st, "task-8")
	_, err = m.DetectBlocked(ctx, agent.ID, "manual", "still waiting", "task-8")
	require.NoError(t, err)

	require.NoError(t, m.Reconcile(ctx))

	msgs, err := st.ListMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, msgs, "reconcile re-evaluates blocked tasks against alert rules")
}
