// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Message.content is encrypted/decrypted transparently via an injected Sealer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// sealer is the minimal crypto surface the store needs; defined here
// (rather than importing internal/crypto) to avoid a dependency cycle
// between store and crypto's own tests.
type sealer interface {
	Seal([]byte) ([]byte, error)
	Open([]byte) ([]byte, error)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	sealer sealer
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
// Parent directories are created if needed. The schema is created
// idempotently. sealer encrypts Message.content at rest.
func NewSQLiteStore(path string, sealer sealer, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path
	if dsn == ":memory:" {
		// Each new pooled connection to a plain ":memory:" DSN gets its
		// own private, empty database. Use a shared-cache DSN so that
		// concurrent connections from the pool (e.g. a WithTx connection
		// plus a separate read connection) see the same database.
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, sealer: sealer, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			parent_agent_id TEXT,
			status TEXT NOT NULL,
			current_task_id TEXT,
			last_heartbeat INTEGER,
			soul_md TEXT NOT NULL DEFAULT '',
			skills TEXT NOT NULL DEFAULT '[]',
			config TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			linear_issue_id TEXT,
			project_id TEXT,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			blocked_reason TEXT,
			blocked_at INTEGER,
			started_at INTEGER,
			completed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent_id ON agent_tasks(agent_id);

		CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			trigger_name TEXT NOT NULL,
			priority_filter TEXT NOT NULL,
			delay_ms INTEGER NOT NULL,
			channel TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			content BLOB NOT NULL,
			todo_id TEXT,
			session_id TEXT,
			project_id TEXT,
			read INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at DESC);

		CREATE TABLE IF NOT EXISTS linear_projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS linear_issues (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			state_type TEXT NOT NULL DEFAULT '',
			state_name TEXT NOT NULL DEFAULT '',
			assignee_name TEXT,
			agent_task_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_linear_issues_project_id ON linear_issues(project_id);

		CREATE TABLE IF NOT EXISTS linear_workflow_states (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			agent_id TEXT,
			task_id TEXT,
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sleep_schedule (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			start_hour INTEGER NOT NULL DEFAULT 22,
			end_hour INTEGER NOT NULL DEFAULT 6,
			timezone TEXT NOT NULL DEFAULT 'UTC'
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Agents ---

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, parent_agent_id, status, current_task_id,
		       last_heartbeat, soul_md, skills, config, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *SQLiteStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := `SELECT id, name, type, parent_agent_id, status, current_task_id,
	       last_heartbeat, soul_md, skills, config, created_at FROM agents WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.ParentAgentID != nil {
		query += " AND parent_agent_id = ?"
		args = append(args, *filter.ParentAgentID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	skills, err := json.Marshal(agent.Skills)
	if err != nil {
		return fmt.Errorf("marshaling skills: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, parent_agent_id, status, current_task_id,
		                     last_heartbeat, soul_md, skills, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Type, agent.ParentAgentID, agent.Status,
		agent.CurrentTaskID, agent.LastHeartbeat, agent.SoulMD, string(skills), string(cfg), agent.CreatedAt)
	if isConstraintViolation(err) {
		return fmt.Errorf("creating agent %s: %w", agent.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	return s.updateAgent(ctx, s.db, agent)
}

func (s *SQLiteStore) updateAgent(ctx context.Context, exec execer, agent *Agent) error {
	skills, err := json.Marshal(agent.Skills)
	if err != nil {
		return fmt.Errorf("marshaling skills: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	result, err := exec.ExecContext(ctx, `
		UPDATE agents SET name=?, type=?, parent_agent_id=?, status=?, current_task_id=?,
		       last_heartbeat=?, soul_md=?, skills=?, config=? WHERE id=?`,
		agent.Name, agent.Type, agent.ParentAgentID, agent.Status, agent.CurrentTaskID,
		agent.LastHeartbeat, agent.SoulMD, string(skills), string(cfg), agent.ID)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", agent.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", agent.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating agent %s: %w", agent.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_tasks WHERE agent_id=?`, id); err != nil {
		return fmt.Errorf("cascading delete of tasks for agent %s: %w", id, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("deleting agent %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	return scanAgentRows(row)
}

func scanAgentRows(row rowScanner) (*Agent, error) {
	var a Agent
	var skills, cfg string
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.ParentAgentID, &a.Status, &a.CurrentTaskID,
		&a.LastHeartbeat, &a.SoulMD, &skills, &cfg, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &a.Skills); err != nil {
		return nil, fmt.Errorf("unmarshaling skills: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &a.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &a, nil
}

// --- AgentTasks ---

const taskSelectColumns = `id, agent_id, linear_issue_id, project_id, title, status, priority,
	       blocked_reason, blocked_at, started_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) GetAgentTask(ctx context.Context, id string) (*AgentTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM agent_tasks WHERE id=?`, id)
	return scanTask(row)
}

func (s *SQLiteStore) ListTasksByAgent(ctx context.Context, agentID string) ([]*AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskSelectColumns+` FROM agent_tasks WHERE agent_id=? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for agent %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status string) ([]*AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskSelectColumns+` FROM agent_tasks WHERE status=? ORDER BY updated_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing tasks with status %s: %w", status, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*AgentTask, error) {
	var out []*AgentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*AgentTask, error) {
	var t AgentTask
	err := row.Scan(&t.ID, &t.AgentID, &t.LinearIssueID, &t.ProjectID, &t.Title, &t.Status, &t.Priority,
		&t.BlockedReason, &t.BlockedAt, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent task: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) CreateAgentTask(ctx context.Context, task *AgentTask) error {
	return s.createAgentTask(ctx, s.db, task)
}

func (s *SQLiteStore) createAgentTask(ctx context.Context, exec execer, task *AgentTask) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, agent_id, linear_issue_id, project_id, title, status, priority,
		                          blocked_reason, blocked_at, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AgentID, task.LinearIssueID, task.ProjectID, task.Title, task.Status, task.Priority,
		task.BlockedReason, task.BlockedAt, task.StartedAt, task.CompletedAt, task.CreatedAt, task.UpdatedAt)
	if isConstraintViolation(err) {
		return fmt.Errorf("creating task %s: %w", task.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAgentTask(ctx context.Context, task *AgentTask) error {
	return s.updateAgentTask(ctx, s.db, task)
}

func (s *SQLiteStore) updateAgentTask(ctx context.Context, exec execer, task *AgentTask) error {
	result, err := exec.ExecContext(ctx, `
		UPDATE agent_tasks SET linear_issue_id=?, project_id=?, title=?, status=?, priority=?,
		       blocked_reason=?, blocked_at=?, started_at=?, completed_at=?, updated_at=?
		WHERE id=?`,
		task.LinearIssueID, task.ProjectID, task.Title, task.Status, task.Priority,
		task.BlockedReason, task.BlockedAt, task.StartedAt, task.CompletedAt, task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", task.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating task %s: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgentTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("deleting task %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- AlertRules ---

// defaultAlertRules mirrors the seeded table in the Alert Engine spec.
func defaultAlertRules() []*AlertRule {
	return []*AlertRule{
		{ID: "blocked-high", Trigger: TriggerBlocked, PriorityFilter: PriorityHigh, DelayMs: 0, Channel: ChannelBoth, Enabled: true},
		{ID: "blocked-medium", Trigger: TriggerBlocked, PriorityFilter: PriorityMedium, DelayMs: 600_000, Channel: ChannelBoth, Enabled: true},
		{ID: "blocked-low", Trigger: TriggerBlocked, PriorityFilter: PriorityLow, DelayMs: 3_600_000, Channel: ChannelInApp, Enabled: true},
		{ID: "error-all", Trigger: TriggerError, PriorityFilter: "all", DelayMs: 0, Channel: ChannelBoth, Enabled: true},
		{ID: "completed-high", Trigger: TriggerCompleted, PriorityFilter: PriorityHigh, DelayMs: 0, Channel: ChannelInApp, Enabled: true},
		{ID: "completed-batch-medium", Trigger: TriggerCompleted, PriorityFilter: PriorityMedium, DelayMs: 900_000, Channel: ChannelInApp, Enabled: true},
		{ID: "completed-batch-low", Trigger: TriggerCompleted, PriorityFilter: PriorityLow, DelayMs: 900_000, Channel: ChannelInApp, Enabled: true},
		{ID: "idle-all", Trigger: TriggerIdleTooLong, PriorityFilter: "all", DelayMs: 1_800_000, Channel: ChannelInApp, Enabled: true},
		{ID: "stale-all", Trigger: TriggerStaleTask, PriorityFilter: "all", DelayMs: 7_200_000, Channel: ChannelPush, Enabled: true},
	}
}

// SeedDefaultAlertRules is idempotent: existing rows with the same id are left untouched.
func (s *SQLiteStore) SeedDefaultAlertRules(ctx context.Context) error {
	for _, r := range defaultAlertRules() {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO alert_rules (id, trigger_name, priority_filter, delay_ms, channel, enabled)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			r.ID, r.Trigger, r.PriorityFilter, r.DelayMs, r.Channel, boolToInt(r.Enabled))
		if err != nil {
			return fmt.Errorf("seeding alert rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListAlertRules(ctx context.Context) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, trigger_name, priority_filter, delay_ms, channel, enabled FROM alert_rules`)
	if err != nil {
		return nil, fmt.Errorf("listing alert rules: %w", err)
	}
	defer rows.Close()
	return scanAlertRules(rows)
}

func (s *SQLiteStore) ListAlertRulesFor(ctx context.Context, trigger, priority string) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_name, priority_filter, delay_ms, channel, enabled FROM alert_rules
		WHERE trigger_name=? AND enabled=1 AND (priority_filter='all' OR priority_filter=?)`,
		trigger, priority)
	if err != nil {
		return nil, fmt.Errorf("listing alert rules for %s/%s: %w", trigger, priority, err)
	}
	defer rows.Close()
	return scanAlertRules(rows)
}

func scanAlertRules(rows *sql.Rows) ([]*AlertRule, error) {
	var out []*AlertRule
	for rows.Next() {
		var r AlertRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Trigger, &r.PriorityFilter, &r.DelayMs, &r.Channel, &enabled); err != nil {
			return nil, fmt.Errorf("scanning alert rule: %w", err)
		}
		r.Enabled = enabled != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAlertRule(ctx context.Context, rule *AlertRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, trigger_name, priority_filter, delay_ms, channel, enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Trigger, rule.PriorityFilter, rule.DelayMs, rule.Channel, boolToInt(rule.Enabled))
	if isConstraintViolation(err) {
		return fmt.Errorf("creating alert rule %s: %w", rule.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating alert rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAlertRule(ctx context.Context, rule *AlertRule) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET trigger_name=?, priority_filter=?, delay_ms=?, channel=?, enabled=? WHERE id=?`,
		rule.Trigger, rule.PriorityFilter, rule.DelayMs, rule.Channel, boolToInt(rule.Enabled), rule.ID)
	if err != nil {
		return fmt.Errorf("updating alert rule %s: %w", rule.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating alert rule %s: %w", rule.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating alert rule %s: %w", rule.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteAlertRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting alert rule %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting alert rule %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("deleting alert rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) (int64, error) {
	ciphertext, err := s.sealer.Seal([]byte(msg.Content))
	if err != nil {
		return 0, fmt.Errorf("encrypting message content: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (type, content, todo_id, session_id, project_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Type, ciphertext, msg.TodoID, msg.SessionID, msg.ProjectID, boolToInt(msg.Read), msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("creating message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating message: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	query := `SELECT id, type, content, todo_id, session_id, project_id, read, created_at FROM messages WHERE 1=1`
	var args []any
	if filter.UnreadOnly {
		query += " AND read=0"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var ciphertext []byte
		var read int
		if err := rows.Scan(&m.ID, &m.Type, &ciphertext, &m.TodoID, &m.SessionID, &m.ProjectID, &read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		plaintext, err := s.sealer.Open(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypting message %d: %w", m.ID, err)
		}
		m.Content = string(plaintext)
		m.Read = read != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET read=1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("marking message %d read: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking message %d read: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("marking message %d read: %w", id, ErrNotFound)
	}
	return nil
}

// --- Linear mirror ---

func (s *SQLiteStore) UpsertLinearProject(ctx context.Context, p *LinearProject) error {
	now := Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linear_projects (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, updated_at=excluded.updated_at`,
		p.ID, p.Name, now, now)
	if err != nil {
		return fmt.Errorf("upserting linear project %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertLinearIssue(ctx context.Context, issue *LinearIssue) error {
	now := Now()
	existing, err := s.GetLinearIssue(ctx, issue.ID)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("upserting linear issue %s: %w", issue.ID, err)
	}
	if existing != nil {
		// Last-write-wins on fields actually present on the incoming row;
		// an absent (empty) field retains the previous value.
		if issue.Title == "" {
			issue.Title = existing.Title
		}
		if issue.ProjectID == nil {
			issue.ProjectID = existing.ProjectID
		}
		if issue.StateType == "" {
			issue.StateType = existing.StateType
		}
		if issue.StateName == "" {
			issue.StateName = existing.StateName
		}
		if issue.AssigneeName == nil {
			issue.AssigneeName = existing.AssigneeName
		}
		if issue.AgentTaskID == nil {
			issue.AgentTaskID = existing.AgentTaskID
		}
		if issue.CreatedAt == 0 {
			issue.CreatedAt = existing.CreatedAt
		}
	} else if issue.CreatedAt == 0 {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO linear_issues (id, project_id, title, priority, state_type, state_name,
		                            assignee_name, agent_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, title=excluded.title, priority=excluded.priority,
			state_type=excluded.state_type, state_name=excluded.state_name,
			assignee_name=excluded.assignee_name, agent_task_id=excluded.agent_task_id,
			updated_at=excluded.updated_at`,
		issue.ID, issue.ProjectID, issue.Title, issue.Priority, issue.StateType, issue.StateName,
		issue.AssigneeName, issue.AgentTaskID, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting linear issue %s: %w", issue.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteLinearIssue(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM linear_issues WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting linear issue %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GetLinearIssue(ctx context.Context, id string) (*LinearIssue, error) {
	var issue LinearIssue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, priority, state_type, state_name, assignee_name, agent_task_id, created_at, updated_at
		FROM linear_issues WHERE id=?`, id).Scan(
		&issue.ID, &issue.ProjectID, &issue.Title, &issue.Priority, &issue.StateType, &issue.StateName,
		&issue.AssigneeName, &issue.AgentTaskID, &issue.CreatedAt, &issue.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting linear issue %s: %w", id, err)
	}
	return &issue, nil
}

func (s *SQLiteStore) UpsertLinearWorkflowState(ctx context.Context, ws *LinearWorkflowState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linear_workflow_states (id, name, type) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type`,
		ws.ID, ws.Name, ws.Type)
	if err != nil {
		return fmt.Errorf("upserting linear workflow state %s: %w", ws.ID, err)
	}
	return nil
}

// --- Audit trail ---

func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	return s.createAuditEntry(ctx, s.db, entry)
}

func (s *SQLiteStore) createAuditEntry(ctx context.Context, exec execer, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = Now()
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO audit_entries (id, actor, action, agent_id, task_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.AgentID, entry.TaskID, entry.Detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, actor, action, agent_id, task_id, detail, created_at FROM audit_entries WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id=?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.AgentID, &e.TaskID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Sleep schedule ---

func (s *SQLiteStore) GetSleepSchedule(ctx context.Context) (*SleepSchedule, error) {
	var sched SleepSchedule
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT enabled, start_hour, end_hour, timezone FROM sleep_schedule WHERE id=1`).
		Scan(&enabled, &sched.StartHour, &sched.EndHour, &sched.Timezone)
	if err == sql.ErrNoRows {
		return &SleepSchedule{Enabled: false, StartHour: 22, EndHour: 6, Timezone: "UTC"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting sleep schedule: %w", err)
	}
	sched.Enabled = enabled != 0
	return &sched, nil
}

func (s *SQLiteStore) SetSleepSchedule(ctx context.Context, sched *SleepSchedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sleep_schedule (id, enabled, start_hour, end_hour, timezone) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, start_hour=excluded.start_hour,
			end_hour=excluded.end_hour, timezone=excluded.timezone`,
		boolToInt(sched.Enabled), sched.StartHour, sched.EndHour, sched.Timezone)
	if err != nil {
		return fmt.Errorf("setting sleep schedule: %w", err)
	}
	return nil
}

// --- Transactions ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteTx) UpdateAgent(ctx context.Context, agent *Agent) error {
	return t.store.updateAgent(ctx, t.tx, agent)
}

func (t *sqliteTx) UpdateAgentTask(ctx context.Context, task *AgentTask) error {
	return t.store.updateAgentTask(ctx, t.tx, task)
}

func (t *sqliteTx) CreateAgentTask(ctx context.Context, task *AgentTask) error {
	return t.store.createAgentTask(ctx, t.tx, task)
}

func (t *sqliteTx) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	return t.store.createAuditEntry(ctx, t.tx, entry)
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn TxFunc) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(ctx, &sqliteTx{store: s, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isConstraintViolation reports whether err is a SQLite unique/primary-key
// constraint violation, so callers can map it to ErrConflict.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY constraint")
}
