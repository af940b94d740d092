// ABOUTME: Webhook Ingest: HMAC-verified Linear mirror upserts and auto-assignment hand-off to the Lifecycle Manager.
// ABOUTME: Has no teacher equivalent; the upsert shape is grounded on the store's own raw-SQL upsert style.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fleetctl/fleetctl-gateway/internal/apperr"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
)

// assigner is the subset of the Lifecycle Manager the Webhook Ingest calls.
// Kept as a narrow interface so this package never imports internal/lifecycle
// directly and the dependency direction stays one-way.
type assigner interface {
	AssignTask(ctx context.Context, agentID, taskID, title, priority string, linearIssueID, projectID *string) (*store.AgentTask, error)
}

// Ingest is the Webhook Ingest component.
type Ingest struct {
	store    store.Store
	lifecycle assigner
	secret   []byte
	logger   *slog.Logger
}

// New constructs a Webhook Ingest bound to secret for signature verification.
func New(st store.Store, lifecycle assigner, secret string, logger *slog.Logger) *Ingest {
	return &Ingest{
		store:     st,
		lifecycle: lifecycle,
		secret:    []byte(secret),
		logger:    logger.With("component", "webhook"),
	}
}

// VerifySignature checks the lowercase-hex HMAC-SHA256 of body against the
// configured secret using a constant-time comparison.
func (i *Ingest) VerifySignature(body []byte, signatureHex string) bool {
	if signatureHex == "" {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signatureHex))) == 1
}

// envelope is the tagged-variant shape every Linear webhook payload shares.
type envelope struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type issuePayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Priority  int    `json:"priority"`
	ProjectID string `json:"projectId"`
	State     struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"state"`
	Assignee struct {
		DisplayName string `json:"displayName"`
	} `json:"assignee"`
}

type projectPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HandlePayload parses and applies one webhook delivery. The caller is
// responsible for verifying the signature before calling this.
func (i *Ingest) HandlePayload(ctx context.Context, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apperr.Wrap(apperr.Validation, "malformed webhook payload", err)
	}

	switch env.Type {
	case "Issue":
		return i.handleIssue(ctx, env.Action, env.Data)
	case "Project":
		return i.handleProject(ctx, env.Action, env.Data)
	case "Cycle":
		return nil // accepted, no-op per scope
	default:
		i.logger.Info("ignoring unknown webhook type", "type", env.Type)
		return nil
	}
}

func (i *Ingest) handleIssue(ctx context.Context, action string, data json.RawMessage) error {
	var p issuePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperr.Wrap(apperr.Validation, "malformed issue payload", err)
	}
	if p.ID == "" {
		return apperr.New(apperr.Validation, "issue payload missing id")
	}

	if action == "remove" {
		if err := i.store.DeleteLinearIssue(ctx, p.ID); err != nil {
			return fmt.Errorf("deleting linear issue %s: %w", p.ID, err)
		}
		return nil
	}

	issue := &store.LinearIssue{
		ID:        p.ID,
		Title:     p.Title,
		Priority:  p.Priority,
		StateType: p.State.Type,
		StateName: p.State.Name,
	}
	if p.ProjectID != "" {
		issue.ProjectID = &p.ProjectID
	}
	if p.Assignee.DisplayName != "" {
		name := p.Assignee.DisplayName
		issue.AssigneeName = &name
	}

	if err := i.store.UpsertLinearIssue(ctx, issue); err != nil {
		return fmt.Errorf("upserting linear issue %s: %w", p.ID, err)
	}

	return i.maybeAutoAssign(ctx, p.ID)
}

func (i *Ingest) handleProject(ctx context.Context, action string, data json.RawMessage) error {
	var p projectPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperr.Wrap(apperr.Validation, "malformed project payload", err)
	}
	if p.ID == "" {
		return apperr.New(apperr.Validation, "project payload missing id")
	}

	if action == "remove" {
		// Projects have no dedicated delete method in scope; a remove action
		// for a project is accepted but not destructive, matching the
		// "Project: symmetric" handling without a matching store primitive.
		return nil
	}

	return i.store.UpsertLinearProject(ctx, &store.LinearProject{ID: p.ID, Name: p.Name})
}

var startedStates = map[string]struct{}{
	"started":     {},
	"in progress": {},
	"in_progress": {},
}

// maybeAutoAssign implements the auto-assignment hand-off: a started/
// in-progress issue whose assignee name matches a known agent's normalised
// name gets a new AgentTask via the Lifecycle Manager, unless it is already
// linked. On success the issue row is linked to the new task.
func (i *Ingest) maybeAutoAssign(ctx context.Context, issueID string) error {
	issue, err := i.store.GetLinearIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("loading issue %s for auto-assign: %w", issueID, err)
	}
	if issue.AgentTaskID != nil {
		return nil
	}

	normalizedType := normalize(issue.StateType)
	normalizedName := normalize(issue.StateName)
	_, typeStarted := startedStates[normalizedType]
	_, nameStarted := startedStates[normalizedName]
	if !typeStarted && !nameStarted {
		return nil
	}

	if issue.AssigneeName == nil || normalize(*issue.AssigneeName) == "" {
		return nil
	}
	targetName := normalize(*issue.AssigneeName)

	agents, err := i.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return fmt.Errorf("listing agents for auto-assign: %w", err)
	}
	var matched *store.Agent
	for _, a := range agents {
		if normalize(a.Name) == targetName {
			matched = a
			break
		}
	}
	if matched == nil {
		return nil
	}

	taskID := "linear_" + issueID
	priority := priorityFromLinear(issue.Priority)

	_, err = i.lifecycle.AssignTask(ctx, matched.ID, taskID, issue.Title, priority, &issueID, issue.ProjectID)
	if err != nil {
		return fmt.Errorf("auto-assigning issue %s to agent %s: %w", issueID, matched.ID, err)
	}
	issue.AgentTaskID = &taskID
	if err := i.store.UpsertLinearIssue(ctx, issue); err != nil {
		return fmt.Errorf("linking issue %s to task %s: %w", issueID, taskID, err)
	}
	return nil
}

func priorityFromLinear(p int) string {
	switch {
	case p >= 3:
		return store.PriorityHigh
	case p == 2:
		return store.PriorityMedium
	default:
		return store.PriorityLow
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
