package store_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl-gateway/internal/store"
)

// fakeSealer is a no-op sealer used in tests so we exercise the store's
// SQL and not the crypto package (which has its own tests).
type fakeSealer struct{}

func (fakeSealer) Seal(p []byte) ([]byte, error) { return append([]byte{}, p...), nil }
func (fakeSealer) Open(c []byte) ([]byte, error) { return append([]byte{}, c...), nil }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", fakeSealer{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &store.Agent{
		ID:        "a1",
		Name:      "agent one",
		Type:      store.AgentTypePrimary,
		Status:    store.AgentIdle,
		Skills:    []string{"go", "python"},
		Config:    map[string]string{"k": "v"},
		CreatedAt: 100,
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, agent.Name, got.Name)
	require.Equal(t, []string{"go", "python"}, got.Skills)
	require.Equal(t, "v", got.Config["k"])
}

func TestCreateAgentDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &store.Agent{ID: "dup", Name: "x", Type: store.AgentTypePrimary, Status: store.AgentIdle, CreatedAt: 1}
	require.NoError(t, s.CreateAgent(ctx, agent))
	err := s.CreateAgent(ctx, agent)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: "a1", Name: "a", Type: store.AgentTypePrimary, Status: store.AgentIdle, CreatedAt: 1}))

	task := &store.AgentTask{
		ID: "t1", AgentID: "a1", Title: "do thing",
		Status: store.TaskPending, Priority: store.PriorityMedium,
		CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, s.CreateAgentTask(ctx, task))

	task.Status = store.TaskInProgress
	started := int64(5)
	task.StartedAt = &started
	task.UpdatedAt = 5
	require.NoError(t, s.UpdateAgentTask(ctx, task))

	got, err := s.GetAgentTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, int64(5), *got.StartedAt)
}

func TestSeedDefaultAlertRulesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDefaultAlertRules(ctx))
	require.NoError(t, s.SeedDefaultAlertRules(ctx))

	rules, err := s.ListAlertRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 9)
}

func TestMessageRoundTripEncrypted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateMessage(ctx, &store.Message{Type: "blocked", Content: "secret content", CreatedAt: 1})
	require.NoError(t, err)
	require.NotZero(t, id)

	msgs, err := s.ListMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "secret content", msgs[0].Content)
}

func TestUpsertLinearIssueLastWriteWinsOnPresentFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &store.LinearIssue{ID: "I1", Title: "first title", StateType: "started"}
	require.NoError(t, s.UpsertLinearIssue(ctx, first))

	second := &store.LinearIssue{ID: "I1", Title: "", StateType: "done"} // title absent, state changed
	require.NoError(t, s.UpsertLinearIssue(ctx, second))

	got, err := s.GetLinearIssue(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, "first title", got.Title, "absent title should retain prior value")
	require.Equal(t, "done", got.StateType)
}

func TestUpsertLinearIssueTwiceEquivalentToOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := &store.LinearIssue{ID: "I2", Title: "x", StateType: "started"}
	require.NoError(t, s.UpsertLinearIssue(ctx, issue))
	require.NoError(t, s.UpsertLinearIssue(ctx, &store.LinearIssue{ID: "I2", Title: "x", StateType: "started"}))

	got, err := s.GetLinearIssue(ctx, "I2")
	require.NoError(t, err)
	require.Equal(t, "x", got.Title)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: "a1", Name: "a", Type: store.AgentTypePrimary, Status: store.AgentIdle, CreatedAt: 1}))

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		agent, getErr := s.GetAgent(ctx, "a1")
		require.NoError(t, getErr)
		agent.Status = store.AgentWorking
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}
		return context.DeadlineExceeded // force rollback
	})
	require.Error(t, err)

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, store.AgentIdle, got.Status, "failed transaction must not commit partial writes")
}

func TestSleepScheduleDefaultsThenPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sched, err := s.GetSleepSchedule(ctx)
	require.NoError(t, err)
	require.False(t, sched.Enabled)

	require.NoError(t, s.SetSleepSchedule(ctx, &store.SleepSchedule{Enabled: true, StartHour: 22, EndHour: 6, Timezone: "UTC"}))

	got, err := s.GetSleepSchedule(ctx)
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, 22, got.StartHour)
}

func TestAuditTrailRecordsAndLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID := "a1"
	require.NoError(t, s.CreateAuditEntry(ctx, &store.AuditEntry{Actor: "system", Action: "assign_task", AgentID: &agentID, Detail: "{}"}))

	entries, err := s.ListAuditEntries(ctx, store.AuditFilter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "assign_task", entries[0].Action)
}
