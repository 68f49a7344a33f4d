// Package task implements task-level mutations, claim/release, and
// dependency queries (spec §4.3). It also exposes the lower-level
// insert/delete/renumber primitives the workflow package composes
// inside its own transactions (setPlan, addTask, removeTask, replan).
package task

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cawhq/caw/internal/agent"
	"github.com/cawhq/caw/internal/checkpoint"
	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/transitions"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const columns = "id, workflow_id, name, description, status, sequence, parallel_group, assigned_agent_id, claimed_at, plan, outcome, outcome_detail, workspace_id, repository_id, context, created_at, updated_at"

// Service is the top-level entry point used by the HTTP adapter and
// CLI; every composite operation wraps the package's free functions in
// its own transaction.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// GetOptions controls how much of a task Get returns.
type GetOptions struct {
	IncludeCheckpoints bool
	CheckpointLimit    int
}

func (s *Service) Get(ctx context.Context, id string, opts GetOptions) (*model.Task, error) {
	return Get(ctx, s.store.DB(), id, opts)
}

func (s *Service) IsBlocked(ctx context.Context, id string) (bool, error) {
	return IsBlocked(ctx, s.store.DB(), id)
}

func (s *Service) GetDependencies(ctx context.Context, id string) (*Dependencies, error) {
	return GetDependencies(ctx, s.store.DB(), id)
}

// UpdateStatusParams carries the fields required by certain targets
// (outcome for completed, error for failed).
type UpdateStatusParams struct {
	Outcome *string
	Error   *string
}

func (s *Service) UpdateStatus(ctx context.Context, id string, target model.TaskStatus, params UpdateStatusParams) (*model.Task, error) {
	var out *model.Task
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = UpdateStatus(ctx, tx, id, target, params)
		return err
	})
	return out, err
}

// SetPlanParams are the inputs to SetPlan.
type SetPlanParams struct {
	Plan    string
	Context model.JSONMap
}

func (s *Service) SetPlan(ctx context.Context, id string, params SetPlanParams) (*model.Task, error) {
	var out *model.Task
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = SetPlan(ctx, tx, id, params)
		return err
	})
	return out, err
}

// ReplanResult is the return shape of Replan.
type ReplanResult struct {
	Task         *model.Task
	CheckpointID string
}

func (s *Service) Replan(ctx context.Context, id, reason, newPlan string) (*ReplanResult, error) {
	var out *ReplanResult
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Replan(ctx, tx, id, reason, newPlan)
		return err
	})
	return out, err
}

// ClaimResult is the return shape of Claim.
type ClaimResult struct {
	Success         bool
	AlreadyClaimedBy *string
	Task            *model.Task
}

func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*ClaimResult, error) {
	var out *ClaimResult
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Claim(ctx, tx, taskID, agentID)
		return err
	})
	return out, err
}

func (s *Service) Release(ctx context.Context, taskID, agentID string, reason *string) error {
	return s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return Release(ctx, tx, taskID, agentID, reason)
	})
}

// AvailableFilter narrows getAvailable.
type AvailableFilter struct {
	WorkflowID *string
	Limit      int
}

func (s *Service) GetAvailable(ctx context.Context, filter AvailableFilter) ([]*model.Task, error) {
	return GetAvailable(ctx, s.store.DB(), filter)
}

// Get returns the task, optionally with its checkpoints ordered by
// sequence.
func Get(ctx context.Context, q store.Querier, id string, opts GetOptions) (*model.Task, error) {
	query, args, err := psql.Select(columns).From("tasks").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("task: building select", err)
	}
	t, err := scanTask(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if opts.IncludeCheckpoints {
		cps, err := checkpoint.List(ctx, q, id, checkpoint.ListFilter{Limit: opts.CheckpointLimit})
		if err != nil {
			return nil, err
		}
		t.Checkpoints = cps
	}
	return t, nil
}

// Exists reports whether a task row with this id is present.
func Exists(ctx context.Context, q store.Querier, id string) (bool, error) {
	_, err := Get(ctx, q, id, GetOptions{})
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.KindNotFound) {
		return false, nil
	}
	return false, err
}

// IsBlocked reports whether any `blocks` predecessor of id is in a
// non-terminal (still "in progress" for blocking purposes) status —
// spec §9 Open Question: failed/paused predecessors keep blocking.
func IsBlocked(ctx context.Context, q store.Querier, id string) (bool, error) {
	query, args, err := psql.Select("t.status").
		From("task_dependencies td").
		Join("tasks t ON t.id = td.depends_on_id").
		Where(sq.Eq{"td.task_id": id, "td.dependency_type": string(model.DependencyBlocks)}).
		ToSql()
	if err != nil {
		return false, errs.Internal("task: building blocked query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return false, errs.Internal("task: querying predecessors", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return false, errs.Internal("task: scanning predecessor status", err)
		}
		if transitions.TaskBlocking(model.TaskStatus(status)) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, errs.Internal("task: iterating predecessors", err)
	}
	return false, nil
}

// Dependencies is the return shape of GetDependencies.
type Dependencies struct {
	Dependencies []*model.TaskDependency // edges where this task is the source
	Dependents   []*model.TaskDependency // edges where this task is the target
}

// GetDependencies returns the edges where id is the source
// (dependencies) and where id is the target (dependents).
func GetDependencies(ctx context.Context, q store.Querier, id string) (*Dependencies, error) {
	deps, err := listEdges(ctx, q, sq.Eq{"task_id": id})
	if err != nil {
		return nil, err
	}
	dependents, err := listEdges(ctx, q, sq.Eq{"depends_on_id": id})
	if err != nil {
		return nil, err
	}
	return &Dependencies{Dependencies: deps, Dependents: dependents}, nil
}

func listEdges(ctx context.Context, q store.Querier, pred sq.Sqlizer) ([]*model.TaskDependency, error) {
	query, args, err := psql.Select("task_id", "depends_on_id", "dependency_type", "created_at").
		From("task_dependencies").
		Where(pred).
		ToSql()
	if err != nil {
		return nil, errs.Internal("task: building dependency select", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("task: querying dependencies", err)
	}
	defer rows.Close()

	var edges []*model.TaskDependency
	for rows.Next() {
		var e model.TaskDependency
		var depType string
		if err := rows.Scan(&e.TaskID, &e.DependsOnID, &depType, &e.CreatedAt); err != nil {
			return nil, errs.Internal("task: scanning dependency", err)
		}
		e.DependencyType = model.DependencyType(depType)
		edges = append(edges, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("task: iterating dependencies", err)
	}
	if edges == nil {
		edges = []*model.TaskDependency{}
	}
	return edges, nil
}

// UpdateStatus validates and applies a lifecycle transition (spec
// §4.3). It never touches the owning agent's claim — release is
// always explicit.
func UpdateStatus(ctx context.Context, q store.Querier, id string, target model.TaskStatus, params UpdateStatusParams) (*model.Task, error) {
	t, err := Get(ctx, q, id, GetOptions{})
	if err != nil {
		return nil, err
	}
	if !transitions.TaskAllowed(t.Status, target) {
		return nil, errs.InvalidState("task: illegal status transition")
	}
	if (t.Status == model.TaskPending || t.Status == model.TaskBlocked) && target == model.TaskPlanning {
		blocked, err := IsBlocked(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, errs.InvalidState("task: cannot start planning while blocked")
		}
	}
	if target == model.TaskCompleted && (params.Outcome == nil || *params.Outcome == "") {
		return nil, errs.Validation("task: outcome is required to complete a task")
	}
	if target == model.TaskFailed && (params.Error == nil || *params.Error == "") {
		return nil, errs.Validation("task: error is required to fail a task")
	}

	update := psql.Update("tasks").Set("status", string(target)).Set("updated_at", time.Now().UTC())
	if params.Outcome != nil {
		update = update.Set("outcome", *params.Outcome)
	}
	if params.Error != nil {
		update = update.Set("outcome_detail", *params.Error)
	}
	query, args, err := update.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("task: building status update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("task: updating status", err)
	}
	return Get(ctx, q, id, GetOptions{})
}

// SetPlan overwrites the task's plan. Valid only when status=planning;
// if context is supplied it shallow-merges into the existing context.
func SetPlan(ctx context.Context, q store.Querier, id string, params SetPlanParams) (*model.Task, error) {
	t, err := Get(ctx, q, id, GetOptions{})
	if err != nil {
		return nil, err
	}
	if t.Status != model.TaskPlanning {
		return nil, errs.InvalidState("task: cannot set plan unless status=planning")
	}

	update := psql.Update("tasks").Set("plan", params.Plan).Set("updated_at", time.Now().UTC())
	if params.Context != nil {
		merged := model.JSONMap{}
		for k, v := range t.Context {
			merged[k] = v
		}
		for k, v := range params.Context {
			merged[k] = v
		}
		ctxJSON, err := store.EncodeJSONMap(merged)
		if err != nil {
			return nil, errs.Internal("task: encoding context", err)
		}
		update = update.Set("context", ctxJSON)
	}
	query, args, err := update.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("task: building plan update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("task: setting plan", err)
	}
	return Get(ctx, q, id, GetOptions{})
}

// Replan appends a replan checkpoint, overwrites the plan, clears
// outcome/outcome_detail, and returns the task to pending. Valid only
// when the task is failed or in_progress.
func Replan(ctx context.Context, q store.Querier, id, reason, newPlan string) (*ReplanResult, error) {
	t, err := Get(ctx, q, id, GetOptions{})
	if err != nil {
		return nil, err
	}
	if t.Status != model.TaskFailed && t.Status != model.TaskInProgress {
		return nil, errs.InvalidState("task: replan valid only for failed or in_progress tasks")
	}

	cp, err := checkpoint.Add(ctx, q, id, checkpoint.AddParams{
		Type:    model.CheckpointReplan,
		Summary: reason,
	})
	if err != nil {
		return nil, err
	}

	query, args, err := psql.Update("tasks").
		Set("plan", newPlan).
		Set("outcome", nil).
		Set("outcome_detail", nil).
		Set("status", string(model.TaskPending)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("task: building replan update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("task: replanning", err)
	}

	updated, err := Get(ctx, q, id, GetOptions{})
	if err != nil {
		return nil, err
	}
	return &ReplanResult{Task: updated, CheckpointID: cp.ID}, nil
}

// Claim attempts to exclusively assign taskID to agentID.
func Claim(ctx context.Context, q store.Querier, taskID, agentID string) (*ClaimResult, error) {
	t, err := Get(ctx, q, taskID, GetOptions{})
	if err != nil {
		return nil, err
	}
	if transitions.TaskTerminal(t.Status) {
		return nil, errs.InvalidState("task: cannot claim a task in a terminal status")
	}
	if t.AssignedAgentID != nil && *t.AssignedAgentID == agentID {
		return &ClaimResult{Success: true, Task: t}, nil
	}
	if t.AssignedAgentID != nil {
		return &ClaimResult{Success: false, AlreadyClaimedBy: t.AssignedAgentID}, nil
	}
	if _, err := agent.Get(ctx, q, agentID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query, args, err := psql.Update("tasks").
		Set("assigned_agent_id", agentID).
		Set("claimed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("task: building claim update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("task: claiming", err)
	}
	if err := agent.ApplyClaim(ctx, q, agentID, taskID); err != nil {
		return nil, err
	}

	updated, err := Get(ctx, q, taskID, GetOptions{})
	if err != nil {
		return nil, err
	}
	return &ClaimResult{Success: true, Task: updated}, nil
}

// Release clears the claim held by agentID on taskID and returns the
// agent to online. A non-claim release is an error.
func Release(ctx context.Context, q store.Querier, taskID, agentID string, reason *string) error {
	t, err := Get(ctx, q, taskID, GetOptions{})
	if err != nil {
		return err
	}
	if t.AssignedAgentID == nil || *t.AssignedAgentID != agentID {
		return errs.InvalidState("task: not claimed by this agent")
	}

	update := psql.Update("tasks").
		Set("assigned_agent_id", nil).
		Set("claimed_at", nil).
		Set("updated_at", time.Now().UTC())
	if reason != nil {
		merged := model.JSONMap{}
		for k, v := range t.Context {
			merged[k] = v
		}
		merged["last_release_reason"] = *reason
		ctxJSON, err := store.EncodeJSONMap(merged)
		if err != nil {
			return errs.Internal("task: encoding context", err)
		}
		update = update.Set("context", ctxJSON)
	}
	query, args, err := update.Where(sq.Eq{"id": taskID}).ToSql()
	if err != nil {
		return errs.Internal("task: building release update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("task: releasing", err)
	}
	return agent.ApplyRelease(ctx, q, agentID)
}

// GetAvailable returns pending, unclaimed, unblocked tasks ordered by
// (sequence, name).
func GetAvailable(ctx context.Context, q store.Querier, filter AvailableFilter) ([]*model.Task, error) {
	b := psql.Select(columns).From("tasks").
		Where(sq.Eq{"status": string(model.TaskPending)}).
		Where("assigned_agent_id IS NULL").
		OrderBy("sequence ASC", "name ASC")
	if filter.WorkflowID != nil {
		b = b.Where(sq.Eq{"workflow_id": *filter.WorkflowID})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errs.Internal("task: building available query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("task: querying available tasks", err)
	}
	defer rows.Close()

	var candidates []*model.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("task: iterating available tasks", err)
	}

	var available []*model.Task
	for _, t := range candidates {
		blocked, err := IsBlocked(ctx, q, t.ID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			available = append(available, t)
		}
	}
	if available == nil {
		available = []*model.Task{}
	}
	return available, nil
}

// ByWorkflow returns every task in a workflow ordered by (sequence, name).
func ByWorkflow(ctx context.Context, q store.Querier, workflowID string) ([]*model.Task, error) {
	query, args, err := psql.Select(columns).From("tasks").
		Where(sq.Eq{"workflow_id": workflowID}).
		OrderBy("sequence ASC", "name ASC").
		ToSql()
	if err != nil {
		return nil, errs.Internal("task: building workflow list", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("task: listing workflow tasks", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("task: iterating workflow tasks", err)
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return tasks, nil
}

// ByWorkflowAndName looks up a single task by its unique (workflow,
// name) pair.
func ByWorkflowAndName(ctx context.Context, q store.Querier, workflowID, name string) (*model.Task, error) {
	query, args, err := psql.Select(columns).From("tasks").
		Where(sq.Eq{"workflow_id": workflowID, "name": name}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("task: building name lookup", err)
	}
	return scanTask(q.QueryRowContext(ctx, query, args...))
}

// Insert creates a task row at the given sequence. Callers (the
// workflow package) are responsible for sequence bookkeeping.
func Insert(ctx context.Context, q store.Querier, workflowID string, sequence int, plan model.PlanTask) (*model.Task, error) {
	ctxJSON, err := store.EncodeJSONMap(plan.Context)
	if err != nil {
		return nil, errs.Internal("task: encoding context", err)
	}
	now := time.Now().UTC()
	t := &model.Task{
		ID:            ids.New(ids.Task),
		WorkflowID:    workflowID,
		Name:          plan.Name,
		Description:   plan.Description,
		Status:        model.TaskPending,
		Sequence:      sequence,
		ParallelGroup: plan.ParallelGroup,
		Context:       plan.Context,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.Context == nil {
		t.Context = model.JSONMap{}
	}

	query, args, err := psql.Insert("tasks").
		Columns("id", "workflow_id", "name", "description", "status", "sequence", "parallel_group", "context", "created_at", "updated_at").
		Values(t.ID, t.WorkflowID, t.Name, t.Description, string(t.Status), t.Sequence,
			store.NullString(t.ParallelGroup), ctxJSON, t.CreatedAt, t.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("task: building insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("task: inserting", err)
	}
	return t, nil
}

// InsertDependency inserts a single blocks/informs edge.
func InsertDependency(ctx context.Context, q store.Querier, taskID, dependsOnID string, depType model.DependencyType) error {
	query, args, err := psql.Insert("task_dependencies").
		Columns("task_id", "depends_on_id", "dependency_type", "created_at").
		Values(taskID, dependsOnID, string(depType), time.Now().UTC()).
		ToSql()
	if err != nil {
		return errs.Internal("task: building dependency insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("task: inserting dependency", err)
	}
	return nil
}

// DeleteTask removes a task row. Callers must delete its incident
// edges and checkpoints first (or rely on ON DELETE CASCADE).
func DeleteTask(ctx context.Context, q store.Querier, id string) error {
	query, args, err := psql.Delete("tasks").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return errs.Internal("task: building delete", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("task: deleting", err)
	}
	return nil
}

// SetSequence updates a single task's sequence number.
func SetSequence(ctx context.Context, q store.Querier, id string, sequence int) error {
	query, args, err := psql.Update("tasks").
		Set("sequence", sequence).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return errs.Internal("task: building sequence update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("task: updating sequence", err)
	}
	return nil
}

func scanTask(row *sql.Row) (*model.Task, error) {
	t, err := scanTaskRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("task not found")
		}
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRows(row rowScanner) (*model.Task, error) {
	var t model.Task
	var parallelGroup, assignedAgentID, plan, outcome, outcomeDetail, workspaceID, repositoryID sql.NullString
	var claimedAt sql.NullTime
	var status, ctxJSON string
	err := row.Scan(&t.ID, &t.WorkflowID, &t.Name, &t.Description, &status, &t.Sequence, &parallelGroup,
		&assignedAgentID, &claimedAt, &plan, &outcome, &outcomeDetail, &workspaceID, &repositoryID,
		&ctxJSON, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errs.Internal("task: scanning row", err)
	}
	t.Status = model.TaskStatus(status)
	t.ParallelGroup = store.PtrString(parallelGroup)
	t.AssignedAgentID = store.PtrString(assignedAgentID)
	t.ClaimedAt = store.PtrTime(claimedAt)
	t.Plan = store.PtrString(plan)
	t.Outcome = store.PtrString(outcome)
	t.OutcomeDetail = store.PtrString(outcomeDetail)
	t.WorkspaceID = store.PtrString(workspaceID)
	t.RepositoryID = store.PtrString(repositoryID)

	ctxMap, err := store.DecodeJSONMap(ctxJSON)
	if err != nil {
		return nil, err
	}
	t.Context = ctxMap
	return &t, nil
}
