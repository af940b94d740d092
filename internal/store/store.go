// ABOUTME: Store interface and data types for fleetctl-gateway persistence.
// ABOUTME: Defines Agent/AgentTask/AlertRule/Message/Linear-mirror structs and the Store interface for database operations.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced to callers; none are silently swallowed.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrTransient = errors.New("transient")
)

// Agent status values.
const (
	AgentIdle     = "idle"
	AgentWorking  = "working"
	AgentBlocked  = "blocked"
	AgentSleeping = "sleeping"
	AgentOffline  = "offline"
)

// Agent types.
const (
	AgentTypePrimary  = "primary"
	AgentTypeSubAgent = "sub-agent"
)

// Agent is the identity and current state of one fleet worker.
type Agent struct {
	ID            string
	Name          string
	Type          string
	ParentAgentID *string
	Status        string
	CurrentTaskID *string
	LastHeartbeat *int64
	SoulMD        string
	Skills        []string
	Config        map[string]string
	CreatedAt     int64
}

// AgentTask status values.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// Task priority values.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// AgentTask is a unit of work owned by exactly one Agent.
type AgentTask struct {
	ID            string
	AgentID       string
	LinearIssueID *string
	ProjectID     *string
	Title         string
	Status        string
	Priority      string
	BlockedReason *string
	BlockedAt     *int64
	StartedAt     *int64
	CompletedAt   *int64
	CreatedAt     int64
	UpdatedAt     int64
}

// IsTerminal reports whether the task status can never change again.
func (t *AgentTask) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskCancelled
}

// Alert trigger values.
const (
	TriggerBlocked      = "blocked"
	TriggerError        = "error"
	TriggerCompleted    = "completed"
	TriggerIdleTooLong  = "idle_too_long"
	TriggerStaleTask    = "stale_task"
)

// Alert channel values.
const (
	ChannelPush   = "push"
	ChannelInApp  = "in_app"
	ChannelBoth   = "both"
)

// AlertRule is a declarative notification policy.
type AlertRule struct {
	ID             string
	Trigger        string
	PriorityFilter string // high, medium, low, or "all"
	DelayMs        int64
	Channel        string
	Enabled        bool
}

// Message is a persisted notification. Content is plaintext in this
// struct; the SQLite implementation encrypts/decrypts transparently.
type Message struct {
	ID        int64
	Type      string
	Content   string
	TodoID    *string
	SessionID *string
	ProjectID *string
	Read      bool
	CreatedAt int64
}

// MessageFilter narrows a Message listing.
type MessageFilter struct {
	UnreadOnly bool
	Limit      int
}

// LinearProject is a cached mirror row of an external tracker project.
type LinearProject struct {
	ID        string
	Name      string
	CreatedAt int64
	UpdatedAt int64
}

// LinearIssue is a cached mirror row of an external tracker issue.
// AgentTaskID is the only field with control-plane semantics.
type LinearIssue struct {
	ID           string
	ProjectID    *string
	Title        string
	Priority     int
	StateType    string
	StateName    string
	AssigneeName *string
	AgentTaskID  *string
	CreatedAt    int64
	UpdatedAt    int64
}

// LinearWorkflowState is a cached mirror row of an external tracker
// workflow state (e.g. "In Progress", "Done").
type LinearWorkflowState struct {
	ID   string
	Name string
	Type string
}

// AuditEntry is a durable record of a lifecycle or webhook mutation,
// independent of the in-memory Event Bus.
type AuditEntry struct {
	ID        string
	Actor     string
	Action    string
	AgentID   *string
	TaskID    *string
	Detail    string
	CreatedAt int64
}

// SleepSchedule is the singleton configured sleep-window.
type SleepSchedule struct {
	Enabled   bool
	StartHour int
	EndHour   int
	Timezone  string
}

// AgentFilter narrows an Agent listing.
type AgentFilter struct {
	Status        string
	Type          string
	ParentAgentID *string
}

// AuditFilter narrows an audit trail listing.
type AuditFilter struct {
	AgentID string
	Limit   int
}

// TxFunc runs inside a transaction scope opened by WithTx.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx is the subset of Store operations usable inside a transaction scope,
// used for cross-entity compound operations that must be atomic.
type Tx interface {
	UpdateAgent(ctx context.Context, agent *Agent) error
	CreateAgentTask(ctx context.Context, task *AgentTask) error
	UpdateAgentTask(ctx context.Context, task *AgentTask) error
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// Store is the transactional, typed persistence boundary. All operations
// are atomic per call; cross-entity compounds use WithTx.
type Store interface {
	// Agents
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	CreateAgent(ctx context.Context, agent *Agent) error
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error

	// AgentTasks
	GetAgentTask(ctx context.Context, id string) (*AgentTask, error)
	ListTasksByAgent(ctx context.Context, agentID string) ([]*AgentTask, error)
	ListTasksByStatus(ctx context.Context, status string) ([]*AgentTask, error)
	CreateAgentTask(ctx context.Context, task *AgentTask) error
	UpdateAgentTask(ctx context.Context, task *AgentTask) error
	DeleteAgentTask(ctx context.Context, id string) error

	// AlertRules
	SeedDefaultAlertRules(ctx context.Context) error
	ListAlertRules(ctx context.Context) ([]*AlertRule, error)
	ListAlertRulesFor(ctx context.Context, trigger, priority string) ([]*AlertRule, error)
	CreateAlertRule(ctx context.Context, rule *AlertRule) error
	UpdateAlertRule(ctx context.Context, rule *AlertRule) error
	DeleteAlertRule(ctx context.Context, id string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) (int64, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
	MarkMessageRead(ctx context.Context, id int64) error

	// Linear mirror
	UpsertLinearProject(ctx context.Context, p *LinearProject) error
	UpsertLinearIssue(ctx context.Context, issue *LinearIssue) error
	DeleteLinearIssue(ctx context.Context, id string) error
	GetLinearIssue(ctx context.Context, id string) (*LinearIssue, error)
	UpsertLinearWorkflowState(ctx context.Context, ws *LinearWorkflowState) error

	// Audit trail
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// Sleep schedule
	GetSleepSchedule(ctx context.Context) (*SleepSchedule, error)
	SetSleepSchedule(ctx context.Context, s *SleepSchedule) error

	// WithTx runs fn inside a single transaction; compound cross-entity
	// writes (e.g. complete a task and clear agent.current_task_id) must
	// use this so they commit or roll back together.
	WithTx(ctx context.Context, fn TxFunc) error

	// Close releases any resources held by the store.
	Close() error
}

// Now is a seam for tests; production code always uses time.Now().Unix().
var Now = func() int64 { return time.Now().Unix() }
