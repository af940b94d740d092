// ABOUTME: API Adapter: the HTTP surface over the Lifecycle Manager, Store, Event Bus, and Webhook Ingest.
// ABOUTME: Grounded on the teacher's manual-routing + JSON-DTO + sentinel-to-status-mapping idiom in its own gateway package.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/fleetctl/fleetctl-gateway/internal/apperr"
	"github.com/fleetctl/fleetctl-gateway/internal/bus"
	"github.com/fleetctl/fleetctl-gateway/internal/lifecycle"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
	"github.com/fleetctl/fleetctl-gateway/internal/webhook"
)

// Server wires the core components into an http.Handler.
type Server struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	bus       *bus.Bus
	webhook   *webhook.Ingest
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New constructs the API Adapter's http.Handler tree. Auth, CORS, and
// rate-limiting middleware are applied by the caller (cmd/fleetctl-gateway),
// keeping this package free of auth concerns per separation of layers.
func New(st store.Store, lm *lifecycle.Manager, b *bus.Bus, wh *webhook.Ingest, logger *slog.Logger) *Server {
	s := &Server{store: st, lifecycle: lm, bus: b, webhook: wh, logger: logger.With("component", "api"), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	s.mux.HandleFunc("POST /api/agents/{id}/tasks", s.handleCreateTask)
	s.mux.HandleFunc("PATCH /api/agents/{id}/tasks/{taskId}", s.handleUpdateTask)
	s.mux.HandleFunc("POST /api/agents/{id}/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /api/agents/{id}/block", s.handleBlock)
	s.mux.HandleFunc("POST /api/agents/{id}/error", s.handleError)
	s.mux.HandleFunc("POST /api/agents/{id}/complete", s.handleComplete)
	s.mux.HandleFunc("POST /api/agents/{id}/assign", s.handleAssign)
	s.mux.HandleFunc("POST /api/agents/{id}/actions", s.handleActions)

	s.mux.HandleFunc("POST /api/linear/webhook", s.handleWebhook)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)

	s.mux.HandleFunc("GET /api/settings/sleep-schedule", s.handleGetSleepSchedule)
	s.mux.HandleFunc("PUT /api/settings/sleep-schedule", s.handlePutSleepSchedule)

	s.mux.HandleFunc("GET /api/audit", s.handleAudit)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Agents -----------------------------------------------------------

type createAgentRequest struct {
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	ParentAgentID *string           `json:"parent_agent_id"`
	SoulMD        string            `json:"soul_md"`
	Skills        []string          `json:"skills"`
	Config        map[string]string `json:"config"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.Validation, "name is required"))
		return
	}
	if req.Type == "" {
		req.Type = store.AgentTypePrimary
	}

	agent, err := s.lifecycle.Register(r.Context(), req.Name, req.Type, req.ParentAgentID, req.SoulMD, req.Skills, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := store.AgentFilter{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
	}
	if p := r.URL.Query().Get("parent_agent_id"); p != "" {
		filter.ParentAgentID = &p
	}

	agents, err := s.store.ListAgents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}

	if wantsHTML(r) {
		writeSoulMDHTML(w, agent)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func wantsHTML(r *http.Request) bool {
	return r.Header.Get("Accept") == "text/html"
}

func writeSoulMDHTML(w http.ResponseWriter, agent *store.Agent) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(agent.SoulMD), &buf); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "rendering soul_md", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type updateAgentRequest struct {
	Name   *string           `json:"name"`
	SoulMD *string           `json:"soul_md"`
	Skills []string          `json:"skills"`
	Config map[string]string `json:"config"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}

	var req updateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.SoulMD != nil {
		agent.SoulMD = *req.SoulMD
	}
	if req.Skills != nil {
		agent.Skills = req.Skills
	}
	if req.Config != nil {
		agent.Config = req.Config
	}

	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tasks --------------------------------------------------------------

type createTaskRequest struct {
	TaskID        string  `json:"taskId"`
	Title         string  `json:"title"`
	Priority      string  `json:"priority"`
	LinearIssueID *string `json:"linearIssueId"`
	ProjectID     *string `json:"projectId"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.Title == "" {
		writeError(w, apperr.New(apperr.Validation, "title is required"))
		return
	}
	if req.TaskID == "" {
		writeError(w, apperr.New(apperr.Validation, "taskId is required"))
		return
	}
	if req.Priority == "" {
		req.Priority = store.PriorityMedium
	}

	task, err := s.lifecycle.AssignTask(r.Context(), agentID, req.TaskID, req.Title, req.Priority, req.LinearIssueID, req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type updateTaskRequest struct {
	Status   *string `json:"status"`
	Title    *string `json:"title"`
	Priority *string `json:"priority"`
}

// handleUpdateTask dispatches the blocked and completed status transitions
// to the matching Lifecycle Manager operation (§4.6); the in_progress and
// cancelled transitions and the non-status fields are applied directly via
// the Store.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID, taskID := r.PathValue("id"), r.PathValue("taskId")

	task, err := s.store.GetAgentTask(ctx, taskID)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	if task.AgentID != agentID {
		writeError(w, apperr.New(apperr.NotFound, "task does not belong to agent"))
		return
	}

	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}

	if req.Status != nil {
		switch *req.Status {
		case store.TaskInProgress:
			if task.IsTerminal() {
				writeError(w, apperr.Conflictf("cannot move task %s to in_progress from terminal status %s", taskID, task.Status))
				return
			}
			if task.StartedAt == nil {
				now := store.Now()
				task.StartedAt = &now
			}
			task.Status = store.TaskInProgress
			task.UpdatedAt = store.Now()
			if err := s.store.UpdateAgentTask(ctx, task); err != nil {
				writeError(w, mapStoreError(err))
				return
			}
		case store.TaskBlocked:
			updated, err := s.lifecycle.DetectBlocked(ctx, agentID, "explicit", "blocked via API", taskID)
			if err != nil {
				writeError(w, err)
				return
			}
			task = updated
		case store.TaskCompleted:
			updated, err := s.lifecycle.CompleteTask(ctx, agentID, taskID)
			if err != nil {
				writeError(w, err)
				return
			}
			task = updated
		case store.TaskCancelled:
			if task.IsTerminal() {
				writeError(w, apperr.Conflictf("cannot cancel task %s from terminal status %s", taskID, task.Status))
				return
			}
			now := store.Now()
			task.Status = store.TaskCancelled
			task.CompletedAt = &now
			task.UpdatedAt = now
			if err := s.store.UpdateAgentTask(ctx, task); err != nil {
				writeError(w, mapStoreError(err))
				return
			}
		default:
			writeError(w, apperr.New(apperr.Validation, "unknown status: "+*req.Status))
			return
		}
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Title != nil || req.Priority != nil {
		task.UpdatedAt = store.Now()
		if err := s.store.UpdateAgentTask(ctx, task); err != nil {
			writeError(w, mapStoreError(err))
			return
		}
	}

	writeJSON(w, http.StatusOK, task)
}

// --- Lifecycle operations -----------------------------------------------

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.RefreshHeartbeat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type blockRequest struct {
	TaskID string `json:"taskId"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	task, err := s.lifecycle.DetectBlocked(r.Context(), r.PathValue("id"), req.Source, req.Reason, req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type errorRequest struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	triggered, err := s.lifecycle.RecordError(r.Context(), r.PathValue("id"), req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"triggered": triggered})
}

type completeRequest struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	task, err := s.lifecycle.CompleteTask(r.Context(), r.PathValue("id"), req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type assignRequest struct {
	TaskID        string  `json:"taskId"`
	Title         string  `json:"title"`
	Priority      string  `json:"priority"`
	LinearIssueID *string `json:"linearIssueId"`
	ProjectID     *string `json:"projectId"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.Priority == "" {
		req.Priority = store.PriorityMedium
	}
	task, err := s.lifecycle.AssignTask(r.Context(), r.PathValue("id"), req.TaskID, req.Title, req.Priority, req.LinearIssueID, req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type actionsRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var req actionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	agentID := r.PathValue("id")
	ctx := r.Context()

	var err error
	switch req.Action {
	case "sleep":
		err = s.lifecycle.TriggerSleep(ctx, agentID, "manual")
	case "stop":
		err = s.lifecycle.Stop(ctx, agentID)
	case "restart":
		err = s.lifecycle.Restart(ctx, agentID)
	case "unblock":
		task, uerr := s.lifecycle.Unblock(ctx, agentID, unblockTaskID(s.store, ctx, agentID))
		if uerr != nil {
			writeError(w, uerr)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	default:
		writeError(w, apperr.New(apperr.Validation, "unknown action: "+req.Action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// unblockTaskID resolves the agent's current blocked task id, since the
// "unblock" action (unlike the others) needs a task to act on and the API
// table does not carry one in its body for this action.
func unblockTaskID(st store.Store, ctx context.Context, agentID string) string {
	agent, err := st.GetAgent(ctx, agentID)
	if err != nil || agent.CurrentTaskID == nil {
		return ""
	}
	return *agent.CurrentTaskID
}

// --- Webhook --------------------------------------------------------------

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "reading webhook body", err))
		return
	}

	if !s.webhook.VerifySignature(body, r.Header.Get("linear-signature")) {
		writeError(w, apperr.New(apperr.Unauthorized, "invalid webhook signature"))
		return
	}

	if err := s.webhook.HandlePayload(r.Context(), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Stream Gateway ---------------------------------------------------

const keepAliveInterval = 15 * time.Second

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.Fatal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_, events := s.bus.Subscribe(ctx)

	if err := writeEvent(w, "connected", map[string]int64{"timestamp": time.Now().Unix()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, string(ev.Type), ev); err != nil {
				return // never retry; the client reconnects on its own
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event:%s\ndata:%s\n\n", eventType, data)
	return err
}

// --- Settings & audit ---------------------------------------------------

func (s *Server) handleGetSleepSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSleepSchedule(r.Context())
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handlePutSleepSchedule(w http.ResponseWriter, r *http.Request) {
	var sched store.SleepSchedule
	if err := decodeJSON(r, &sched); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if sched.StartHour < 0 || sched.StartHour > 23 || sched.EndHour < 0 || sched.EndHour > 24 {
		writeError(w, apperr.New(apperr.Validation, "startHour/endHour out of range"))
		return
	}
	if err := s.store.SetSleepSchedule(r.Context(), &sched); err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, &sched)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{AgentID: r.URL.Query().Get("agent_id")}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	entries, err := s.store.ListAuditEntries(r.Context(), filter)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers --------------------------------------------------------------

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func mapStoreError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, "not found", err)
	}
	if errors.Is(err, store.ErrConflict) {
		return apperr.Wrap(apperr.Conflict, "conflict", err)
	}
	if errors.Is(err, store.ErrTransient) {
		return apperr.Wrap(apperr.Transient, "transient store error", err)
	}
	return apperr.Wrap(apperr.Fatal, "internal error", err)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)

	var details map[string]string
	var appErr *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		appErr = e
	}
	message := err.Error()
	if appErr != nil {
		details = appErr.Details
		message = appErr.Message
	}
	if kind == apperr.Unauthorized {
		message = "unauthorized" // never leak signature/token detail
	}

	w.Header().Set("Content-Type", "application/json")
	if kind == apperr.RateLimited {
		w.Header().Set("Retry-After", "60")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Details: details})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Transient:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
