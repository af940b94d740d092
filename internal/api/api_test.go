package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl-gateway/internal/alert"
	"github.com/fleetctl/fleetctl-gateway/internal/api"
	"github.com/fleetctl/fleetctl-gateway/internal/bus"
	"github.com/fleetctl/fleetctl-gateway/internal/lifecycle"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
	"github.com/fleetctl/fleetctl-gateway/internal/timer"
	"github.com/fleetctl/fleetctl-gateway/internal/webhook"
)

type fakeSealer struct{}

func (fakeSealer) Seal(p []byte) ([]byte, error) { return append([]byte{}, p...), nil }
func (fakeSealer) Open(c []byte) ([]byte, error) { return append([]byte{}, c...), nil }

const webhookSecret = "whsec-test"

func newServer(t *testing.T) (*api.Server, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", fakeSealer{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SeedDefaultAlertRules(context.Background()))

	b := bus.New(logger)
	ts := timer.New()
	ae := alert.New(st, b, ts, logger)
	lm := lifecycle.New(st, b, ae, ts, logger)
	wh := webhook.New(st, lm, webhookSecret, logger)

	return api.New(st, lm, b, wh, logger), st
}

func doJSON(t *testing.T, s *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealthzRequiresNoAuthAndReturnsOK(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAgentRejectsMissingName(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAgentDefaultsTypeAndReturnsIdleAgent(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]any{"name": "scout-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var agent store.Agent
	decodeBody(t, rec, &agent)
	require.Equal(t, "scout-1", agent.Name)
	require.Equal(t, store.AgentTypePrimary, agent.Type)
	require.Equal(t, store.AgentIdle, agent.Status)
}

func TestCreateTaskAssignsAgentAndMovesToWorking(t *testing.T) {
	s, st := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]any{"name": "scout-2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var agent store.Agent
	decodeBody(t, rec, &agent)

	rec = doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/tasks", map[string]any{
		"taskId": "task-1", "title": "fix the bug",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	got, err := st.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentWorking, got.Status)
}

func TestCreateTaskRejectsMissingTaskID(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]any{"name": "scout-3"})
	var agent store.Agent
	decodeBody(t, rec, &agent)

	rec = doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/tasks", map[string]any{"title": "no id"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTaskStatusCompletedReturnsAgentToIdle(t *testing.T) {
	s, st := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]any{"name": "scout-4"})
	var agent store.Agent
	decodeBody(t, rec, &agent)
	doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/tasks", map[string]any{"taskId": "task-2", "title": "ship it"})

	inProgress := store.TaskInProgress
	rec = doJSON(t, s, http.MethodPatch, "/api/agents/"+agent.ID+"/tasks/task-2", map[string]*string{"status": &inProgress})
	require.Equal(t, http.StatusOK, rec.Code)

	completed := store.TaskCompleted
	rec = doJSON(t, s, http.MethodPatch, "/api/agents/"+agent.ID+"/tasks/task-2", map[string]*string{"status": &completed})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Contains(t, []string{store.AgentIdle, store.AgentSleeping}, got.Status)
}

func TestHeartbeatAndBlockAndUnblockRoundtrip(t *testing.T) {
	s, st := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]any{"name": "scout-5"})
	var agent store.Agent
	decodeBody(t, rec, &agent)
	doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/tasks", map[string]any{"taskId": "task-3", "title": "investigate"})

	inProgress := store.TaskInProgress
	rec = doJSON(t, s, http.MethodPatch, "/api/agents/"+agent.ID+"/tasks/task-3", map[string]*string{"status": &inProgress})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/block", map[string]string{
		"taskId": "task-3", "source": "explicit", "reason": "waiting on review",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentBlocked, got.Status)

	rec = doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/actions", map[string]string{"action": "unblock"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = st.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentWorking, got.Status)
}

func TestActionsRejectsUnknownAction(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]any{"name": "scout-6"})
	var agent store.Agent
	decodeBody(t, rec, &agent)

	rec = doJSON(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/actions", map[string]string{"action": "teleport"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSleepScheduleGetAndPutRoundtrip(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodPut, "/api/settings/sleep-schedule", map[string]any{
		"enabled": true, "startHour": 22, "endHour": 6, "timezone": "UTC",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/settings/sleep-schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sched store.SleepSchedule
	decodeBody(t, rec, &sched)
	require.True(t, sched.Enabled)
	require.Equal(t, 22, sched.StartHour)
}

func TestSleepScheduleRejectsOutOfRangeHours(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodPut, "/api/settings/sleep-schedule", map[string]any{
		"enabled": true, "startHour": 30, "endHour": 6, "timezone": "UTC",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditListsRecordedActions(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/agents", map[string]any{"name": "scout-7"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []store.AuditEntry
	decodeBody(t, rec, &entries)
	require.NotEmpty(t, entries)
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	s, _ := newServer(t)
	body := `{"type":"Issue","action":"create","data":{"id":"I1","title":"bug"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/linear/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("linear-signature", "deadbeef")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]any
	decodeBody(t, rec, &resp)
	require.Equal(t, "unauthorized", resp["error"], "webhook signature failures must never leak detail")
}

func TestWebhookAcceptsValidSignatureAndUpsertsIssue(t *testing.T) {
	s, st := newServer(t)
	body := `{"type":"Issue","action":"create","data":{"id":"I1","title":"bug","state":{"name":"Todo","type":"unstarted"}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/linear/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("linear-signature", sign(webhookSecret, body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	issue, err := st.GetLinearIssue(context.Background(), "I1")
	require.NoError(t, err)
	require.Equal(t, "bug", issue.Title)
}

func TestStreamDeliversConnectedEventImmediately(t *testing.T) {
	s, _ := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return bytes.Contains(rec.Body.Bytes(), []byte("event:connected"))
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
