// Package model defines the entity types shared across every domain
// service: workflows, tasks, dependencies, checkpoints, agents,
// sessions, workspaces, messages, templates, and repositories.
package model

import "time"

// WorkflowStatus is the workflow lifecycle state (spec §3 "Lifecycles").
type WorkflowStatus string

const (
	WorkflowPlanning   WorkflowStatus = "planning"
	WorkflowReady      WorkflowStatus = "ready"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowPaused     WorkflowStatus = "paused"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowAbandoned  WorkflowStatus = "abandoned"
)

// TaskStatus is the task lifecycle state (spec §3 "Lifecycles").
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskBlocked    TaskStatus = "blocked"
	TaskPlanning   TaskStatus = "planning"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskFailed     TaskStatus = "failed"
	TaskCompleted  TaskStatus = "completed"
	TaskSkipped    TaskStatus = "skipped"
)

// TerminalTaskStatuses are the statuses that satisfy a `blocks` edge and
// that repair operations must not touch.
var TerminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskSkipped:   true,
}

// DependencyType is the edge kind of a TaskDependency.
type DependencyType string

const (
	DependencyBlocks  DependencyType = "blocks"
	DependencyInforms DependencyType = "informs"
)

// CheckpointType enumerates the checkpoint kinds spec §3 lists.
type CheckpointType string

const (
	CheckpointPlan     CheckpointType = "plan"
	CheckpointProgress CheckpointType = "progress"
	CheckpointDecision CheckpointType = "decision"
	CheckpointError    CheckpointType = "error"
	CheckpointReplan   CheckpointType = "replan"
	CheckpointComplete CheckpointType = "complete"
)

// AgentRole distinguishes coordinator agents from worker agents.
type AgentRole string

const (
	AgentRoleCoordinator AgentRole = "coordinator"
	AgentRoleWorker      AgentRole = "worker"
)

// AgentStatus is the agent connectivity lifecycle state.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// WorkspaceStatus is the workspace lifecycle state.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceMerged    WorkspaceStatus = "merged"
	WorkspaceAbandoned WorkspaceStatus = "abandoned"
)

// MessagePriority orders inter-agent messages for triage.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageStatus tracks read/archive state.
type MessageStatus string

const (
	MessageUnread   MessageStatus = "unread"
	MessageRead     MessageStatus = "read"
	MessageArchived MessageStatus = "archived"
)

// JSONMap is a free-form object field persisted as serialized JSON text
// at the store boundary (spec §9 "Dynamic object fields"). The core
// never inspects keys beyond the ones it owns (last_status_reason,
// replan_history, estimated_complexity, files_likely_affected).
type JSONMap map[string]any

// StringList is a free-form string array persisted as serialized JSON.
type StringList []string

// Workflow is the unit of planning (spec §3 "Workflow").
type Workflow struct {
	ID                   string
	Name                 string
	SourceType           string
	SourceRef            *string
	SourceContent        *string
	Status               WorkflowStatus
	PlanSummary          *string
	InitialPlan          *string
	MaxParallelTasks     int
	AutoCreateWorkspaces bool
	Config               JSONMap
	LockedBySessionID    *string
	LockedAt             *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time

	Tasks        []*Task   `json:"tasks,omitempty"`
	Repositories []*Repository `json:"repositories,omitempty"`
}

// Task is a unit of work inside a workflow (spec §3 "Task").
type Task struct {
	ID              string
	WorkflowID      string
	Name            string
	Description     string
	Status          TaskStatus
	Sequence        int
	ParallelGroup   *string
	AssignedAgentID *string
	ClaimedAt       *time.Time
	Plan            *string
	Outcome         *string
	OutcomeDetail   *string
	WorkspaceID     *string
	RepositoryID    *string
	Context         JSONMap
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Checkpoints []*Checkpoint `json:"checkpoints,omitempty"`
}

// TaskDependency is a directed task->task edge (spec §3 "TaskDependency").
type TaskDependency struct {
	TaskID         string
	DependsOnID    string
	DependencyType DependencyType
	CreatedAt      time.Time
}

// Checkpoint is an append-only per-task progress record.
type Checkpoint struct {
	ID             string
	TaskID         string
	Sequence       int
	CheckpointType CheckpointType
	Summary        string
	Detail         JSONMap
	FilesChanged   StringList
	TokensUsed     *int
	CreatedAt      time.Time
}

// Agent is a connected executor (spec §3 "Agent").
type Agent struct {
	ID             string
	WorkflowID     *string
	Name           string
	Runtime        string
	Role           AgentRole
	Status         AgentStatus
	Capabilities   StringList
	CurrentTaskID  *string
	WorkspacePath  *string
	LastHeartbeat  time.Time
	Metadata       JSONMap
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is a process identity used for workflow locking.
type Session struct {
	ID            string
	PID           int
	IsDaemon      bool
	Metadata      JSONMap
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Workspace is a branch-scoped working area.
type Workspace struct {
	ID           string
	WorkflowID   string
	RepositoryID *string
	Path         string
	Branch       string
	BaseBranch   string
	Status       WorkspaceStatus
	MergeCommit  *string
	PRURL        *string
	Config       JSONMap
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is an inter-agent communication.
type Message struct {
	ID          string
	SenderID    *string
	RecipientID string
	MessageType string
	Subject     string
	Body        string
	Priority    MessagePriority
	Status      MessageStatus
	ThreadID    string
	ReplyToID   *string
	WorkflowID  *string
	TaskID      *string
	CreatedAt   time.Time
	ReadAt      *time.Time
	ExpiresAt   *time.Time
}

// WorkflowTemplate is a reusable plan prototype.
type WorkflowTemplate struct {
	ID          string
	Name        string
	Description string
	Template    string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository is a registered source location keyed by path.
type Repository struct {
	ID        string
	Path      string
	Name      *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowRepository is the workflow<->repository join row.
type WorkflowRepository struct {
	WorkflowID   string
	RepositoryID string
	AddedAt      time.Time
}

// PlanTask is one task entry inside a plan payload accepted by
// setPlan, addTask, replan, and template apply. DependsOn entries may
// be task ids or plan-local names (spec §9 "Dependency identity").
type PlanTask struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	ParallelGroup *string  `json:"parallel_group,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	Context       JSONMap  `json:"context,omitempty"`
}

// TemplateDefinition is the serialized shape stored in
// WorkflowTemplate.Template: a variable declaration plus a task list
// whose DependsOn entries are always names (spec §4.10).
type TemplateDefinition struct {
	Variables []string   `json:"variables,omitempty"`
	Tasks     []PlanTask `json:"tasks"`
}
