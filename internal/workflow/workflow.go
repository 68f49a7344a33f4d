// Package workflow implements the workflow service (spec §4.2): the
// unit-of-planning lifecycle, its task graph mutations (setPlan,
// addTask, removeTask, replan), and the repositories a workflow spans.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/transitions"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const columns = "id, name, source_type, source_ref, source_content, status, plan_summary, initial_plan, " +
	"max_parallel_tasks, auto_create_workspaces, config, locked_by_session_id, locked_at, created_at, updated_at"

// Service is the top-level entry point used by the HTTP adapter and
// CLI; every composite operation wraps the package's free functions in
// its own transaction. Other packages (template, in particular) call
// the free functions directly against their own in-flight transaction.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name                 string
	SourceType           string
	SourceRef            *string
	SourceContent        *string
	MaxParallelTasks     int
	AutoCreateWorkspaces bool
	RepositoryPaths      []string
	Config               model.JSONMap
}

func (s *Service) Create(ctx context.Context, params CreateParams) (*model.Workflow, error) {
	var out *model.Workflow
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Create(ctx, tx, params)
		return err
	})
	return out, err
}

// GetOptions controls how much of a workflow Get returns.
type GetOptions struct {
	IncludeTasks bool
}

func (s *Service) Get(ctx context.Context, id string, opts GetOptions) (*model.Workflow, error) {
	return Get(ctx, s.store.DB(), id, opts)
}

// ListFilter narrows List.
type ListFilter struct {
	RepositoryID *string
	Status       []model.WorkflowStatus
	Limit        int
	Offset       int
}

// ListResult is the return shape of List.
type ListResult struct {
	Workflows []*model.Workflow
	Total     int
}

func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	return List(ctx, s.store.DB(), filter)
}

// SetPlanResult is the return shape of SetPlan.
type SetPlanResult struct {
	TasksCreated         int
	ParallelizableGroups int
	Status               model.WorkflowStatus
}

func (s *Service) SetPlan(ctx context.Context, id string, tasks []model.PlanTask) (*SetPlanResult, error) {
	var out *SetPlanResult
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = SetPlan(ctx, tx, id, tasks)
		return err
	})
	return out, err
}

func (s *Service) UpdateStatus(ctx context.Context, id string, target model.WorkflowStatus, reason *string) (*model.Workflow, error) {
	var out *model.Workflow
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = UpdateStatus(ctx, tx, id, target, reason)
		return err
	})
	return out, err
}

func (s *Service) SetParallelism(ctx context.Context, id string, maxParallelTasks int) (*model.Workflow, error) {
	return SetParallelism(ctx, s.store.DB(), id, maxParallelTasks)
}

// Summary is the return shape of GetSummary.
type Summary struct {
	Format        string
	Content       string
	TokenEstimate int
}

func (s *Service) GetSummary(ctx context.Context, id, format string) (*Summary, error) {
	return GetSummary(ctx, s.store.DB(), id, format)
}

// AddTaskParams are the inputs to AddTask.
type AddTaskParams struct {
	Plan        model.PlanTask
	AfterTaskID *string
}

func (s *Service) AddTask(ctx context.Context, id string, params AddTaskParams) (*model.Task, error) {
	var out *model.Task
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = AddTask(ctx, tx, id, params)
		return err
	})
	return out, err
}

// RemoveTaskResult is the return shape of RemoveTask.
type RemoveTaskResult struct {
	RemovedTaskID        string
	DependenciesRewired  int
	TasksRenumbered      int
}

func (s *Service) RemoveTask(ctx context.Context, id, taskID string) (*RemoveTaskResult, error) {
	var out *RemoveTaskResult
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = RemoveTask(ctx, tx, id, taskID)
		return err
	})
	return out, err
}

// ReplanParams are the inputs to Replan.
type ReplanParams struct {
	NewTasks []model.PlanTask
	Reason   string
}

// ReplanResult is the return shape of Replan.
type ReplanResult struct {
	TasksAdded    int
	TasksRemoved  int
	TasksPreserved int
	NewStatus     model.WorkflowStatus
}

func (s *Service) Replan(ctx context.Context, id string, params ReplanParams) (*ReplanResult, error) {
	var out *ReplanResult
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Replan(ctx, tx, id, params)
		return err
	})
	return out, err
}

func (s *Service) AddRepository(ctx context.Context, workflowID, path string, name *string) (*model.Repository, error) {
	var out *model.Repository
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = AddRepository(ctx, tx, workflowID, path, name)
		return err
	})
	return out, err
}

func (s *Service) RemoveRepository(ctx context.Context, workflowID, repositoryID string) error {
	return s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return RemoveRepository(ctx, tx, workflowID, repositoryID)
	})
}

func (s *Service) ListRepositories(ctx context.Context, workflowID string) ([]*model.Repository, error) {
	return ListRepositories(ctx, s.store.DB(), workflowID)
}

// Create validates and inserts a new workflow in status planning,
// auto-registering and joining any repository paths idempotently.
func Create(ctx context.Context, q store.Querier, params CreateParams) (*model.Workflow, error) {
	if params.Name == "" {
		return nil, errs.Validation("workflow: name is required")
	}
	if params.SourceType == "" {
		return nil, errs.Validation("workflow: source_type is required")
	}
	maxParallel := params.MaxParallelTasks
	if maxParallel <= 0 {
		maxParallel = 1
	}

	now := time.Now().UTC()
	wf := &model.Workflow{
		ID:                   ids.New(ids.Workflow),
		Name:                 params.Name,
		SourceType:           params.SourceType,
		SourceRef:            params.SourceRef,
		SourceContent:        params.SourceContent,
		Status:               model.WorkflowPlanning,
		MaxParallelTasks:     maxParallel,
		AutoCreateWorkspaces: params.AutoCreateWorkspaces,
		Config:               params.Config,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if wf.Config == nil {
		wf.Config = model.JSONMap{}
	}
	configJSON, err := store.EncodeJSONMap(wf.Config)
	if err != nil {
		return nil, errs.Internal("workflow: encoding config", err)
	}

	query, args, err := psql.Insert("workflows").
		Columns("id", "name", "source_type", "source_ref", "source_content", "status", "max_parallel_tasks",
			"auto_create_workspaces", "config", "created_at", "updated_at").
		Values(wf.ID, wf.Name, wf.SourceType, store.NullString(wf.SourceRef), store.NullString(wf.SourceContent),
			string(wf.Status), wf.MaxParallelTasks, wf.AutoCreateWorkspaces, configJSON, wf.CreatedAt, wf.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("workflow: inserting", err)
	}

	for _, path := range dedupeStrings(params.RepositoryPaths) {
		if _, err := AddRepository(ctx, q, wf.ID, path, nil); err != nil {
			return nil, err
		}
	}
	return Get(ctx, q, wf.ID, GetOptions{})
}

// Get returns the workflow, optionally with its tasks ordered by
// (sequence, name) and its joined repositories.
func Get(ctx context.Context, q store.Querier, id string, opts GetOptions) (*model.Workflow, error) {
	query, args, err := psql.Select(columns).From("workflows").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building select", err)
	}
	wf, err := scanWorkflow(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	repos, err := ListRepositories(ctx, q, id)
	if err != nil {
		return nil, err
	}
	wf.Repositories = repos
	if opts.IncludeTasks {
		tasks, err := task.ByWorkflow(ctx, q, id)
		if err != nil {
			return nil, err
		}
		wf.Tasks = tasks
	}
	return wf, nil
}

// Exists reports whether a workflow row with this id is present.
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

// List returns workflows matching filter plus the total number of
// matching workflows before limit and offset are applied.
func List(ctx context.Context, q store.Querier, filter ListFilter) (*ListResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	base := psql.Select("w.id").From("workflows w")
	if filter.RepositoryID != nil {
		base = base.Join("workflow_repositories wr ON wr.workflow_id = w.id").
			Where(sq.Eq{"wr.repository_id": *filter.RepositoryID})
	}
	if filter.Status != nil {
		if len(filter.Status) == 0 {
			return &ListResult{Workflows: []*model.Workflow{}, Total: 0}, nil
		}
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		base = base.Where(sq.Eq{"w.status": statuses})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").FromSelect(base, "matched").ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building count query", err)
	}
	var total int
	if err := q.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, errs.Internal("workflow: counting", err)
	}

	listQuery, listArgs, err := base.
		OrderBy("w.created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(filter.Offset)).
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building list query", err)
	}
	rows, err := q.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, errs.Internal("workflow: listing", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.Internal("workflow: scanning id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errs.Internal("workflow: iterating rows", err)
	}
	rows.Close()

	workflows := make([]*model.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := Get(ctx, q, id, GetOptions{})
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return &ListResult{Workflows: workflows, Total: total}, nil
}

// SetPlan installs a workflow's initial task graph: it rejects
// duplicate names and self-dependencies, inserts tasks at sequence
// 1..N, resolves depends_on names to ids, and transitions the workflow
// to ready (spec §4.2).
func SetPlan(ctx context.Context, q store.Querier, id string, plan []model.PlanTask) (*SetPlanResult, error) {
	wf, err := Get(ctx, q, id, GetOptions{})
	if err != nil {
		return nil, err
	}
	if !transitions.WorkflowAllowed(wf.Status, model.WorkflowReady) {
		return nil, errs.InvalidState("workflow: cannot set plan from current status")
	}
	if err := validateNoDuplicateNames(plan); err != nil {
		return nil, err
	}
	if err := validateNoSelfDeps(plan); err != nil {
		return nil, err
	}

	nameToID := make(map[string]string, len(plan))
	created := make([]*model.Task, 0, len(plan))
	for i, pt := range plan {
		t, err := task.Insert(ctx, q, id, i+1, pt)
		if err != nil {
			return nil, err
		}
		nameToID[pt.Name] = t.ID
		created = append(created, t)
	}

	if err := insertDependencyEdges(ctx, q, plan, nameToID, nameToID); err != nil {
		return nil, err
	}

	summary := renderPlanSummary(plan)
	planJSON, err := encodePlan(plan)
	if err != nil {
		return nil, err
	}
	updQuery, updArgs, err := psql.Update("workflows").
		Set("plan_summary", summary).
		Set("initial_plan", planJSON).
		Set("status", string(model.WorkflowReady)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building plan update", err)
	}
	if _, err := q.ExecContext(ctx, updQuery, updArgs...); err != nil {
		return nil, errs.Internal("workflow: setting plan", err)
	}

	return &SetPlanResult{
		TasksCreated:         len(created),
		ParallelizableGroups: countParallelGroups(created),
		Status:               model.WorkflowReady,
	}, nil
}

// UpdateStatus validates and applies a lifecycle transition, merging
// {last_status_reason} into config when reason is supplied.
func UpdateStatus(ctx context.Context, q store.Querier, id string, target model.WorkflowStatus, reason *string) (*model.Workflow, error) {
	wf, err := Get(ctx, q, id, GetOptions{})
	if err != nil {
		return nil, err
	}
	if !transitions.WorkflowAllowed(wf.Status, target) {
		return nil, errs.InvalidState("workflow: illegal status transition")
	}

	update := psql.Update("workflows").Set("status", string(target)).Set("updated_at", time.Now().UTC())
	if reason != nil {
		merged := model.JSONMap{}
		for k, v := range wf.Config {
			merged[k] = v
		}
		merged["last_status_reason"] = *reason
		configJSON, err := store.EncodeJSONMap(merged)
		if err != nil {
			return nil, errs.Internal("workflow: encoding config", err)
		}
		update = update.Set("config", configJSON)
	}
	query, args, err := update.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building status update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("workflow: updating status", err)
	}
	return Get(ctx, q, id, GetOptions{})
}

// SetParallelism updates max_parallel_tasks; valid at any status.
func SetParallelism(ctx context.Context, q store.Querier, id string, maxParallelTasks int) (*model.Workflow, error) {
	if maxParallelTasks < 1 {
		return nil, errs.Validation("workflow: max_parallel_tasks must be >= 1")
	}
	query, args, err := psql.Update("workflows").
		Set("max_parallel_tasks", maxParallelTasks).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building parallelism update", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("workflow: updating parallelism", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errs.Internal("workflow: reading rows affected", err)
	}
	if n == 0 {
		return nil, errs.NotFoundf("workflow %s not found", id)
	}
	return Get(ctx, q, id, GetOptions{})
}

// GetSummary renders the workflow and its tasks as json or markdown,
// with a token_estimate = ceil(len(content)/4) (spec §9).
func GetSummary(ctx context.Context, q store.Querier, id, format string) (*Summary, error) {
	wf, err := Get(ctx, q, id, GetOptions{IncludeTasks: true})
	if err != nil {
		return nil, err
	}

	var content string
	switch format {
	case "", "markdown":
		format = "markdown"
		content = renderMarkdownSummary(wf)
	case "json":
		b, err := encodePlan(tasksToPlan(wf.Tasks))
		if err != nil {
			return nil, err
		}
		content = b
	default:
		return nil, errs.Validation("workflow: unsupported summary format")
	}

	return &Summary{
		Format:        format,
		Content:       content,
		TokenEstimate: int(math.Ceil(float64(len(content)) / 4)),
	}, nil
}

// AddTask inserts a single task, ripple-shifting successor sequences
// when inserted mid-graph (spec §4.2).
func AddTask(ctx context.Context, q store.Querier, workflowID string, params AddTaskParams) (*model.Task, error) {
	existing, err := task.ByWorkflow(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}
	for _, t := range existing {
		if t.Name == params.Plan.Name {
			return nil, errs.ValidationDetails("workflow: task name already exists", map[string]any{"name": t.Name})
		}
	}

	insertSeq := len(existing) + 1
	if params.AfterTaskID != nil {
		var after *model.Task
		for _, t := range existing {
			if t.ID == *params.AfterTaskID {
				after = t
				break
			}
		}
		if after == nil {
			return nil, errs.NotFoundf("task %s not found", *params.AfterTaskID)
		}
		insertSeq = after.Sequence + 1

		toShift := make([]*model.Task, 0)
		for _, t := range existing {
			if t.Sequence >= insertSeq {
				toShift = append(toShift, t)
			}
		}
		sort.Slice(toShift, func(i, j int) bool { return toShift[i].Sequence > toShift[j].Sequence })
		for _, t := range toShift {
			if err := task.SetSequence(ctx, q, t.ID, t.Sequence+1); err != nil {
				return nil, err
			}
		}
	}

	created, err := task.Insert(ctx, q, workflowID, insertSeq, params.Plan)
	if err != nil {
		return nil, err
	}

	nameToID := make(map[string]string, len(existing)+1)
	for _, t := range existing {
		nameToID[t.Name] = t.ID
	}
	nameToID[params.Plan.Name] = created.ID

	seen := make(map[string]bool)
	for _, dep := range params.Plan.DependsOn {
		targetID, err := resolveDependency(nameToID, existing, dep)
		if err != nil {
			return nil, err
		}
		if targetID == created.ID {
			return nil, errs.Validation("workflow: task cannot depend on itself")
		}
		if seen[targetID] {
			continue
		}
		seen[targetID] = true
		if err := task.InsertDependency(ctx, q, created.ID, targetID, model.DependencyBlocks); err != nil {
			return nil, err
		}
	}
	return task.Get(ctx, q, created.ID, task.GetOptions{})
}

// RemoveTask deletes a pending/blocked/planning, unclaimed task,
// rewiring its predecessors directly to its successors so the `blocks`
// chain stays connected (spec §4.2, scenario S6).
func RemoveTask(ctx context.Context, q store.Querier, workflowID, taskID string) (*RemoveTaskResult, error) {
	t, err := task.Get(ctx, q, taskID, task.GetOptions{})
	if err != nil {
		return nil, err
	}
	if t.WorkflowID != workflowID {
		return nil, errs.NotFoundf("task %s not found in workflow %s", taskID, workflowID)
	}
	switch t.Status {
	case model.TaskPending, model.TaskBlocked, model.TaskPlanning:
	default:
		return nil, errs.InvalidState("workflow: task cannot be removed in its current status")
	}
	if t.AssignedAgentID != nil {
		return nil, errs.InvalidState("workflow: cannot remove a claimed task")
	}

	deps, err := task.GetDependencies(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	predecessors := make([]string, 0, len(deps.Dependencies))
	for _, e := range deps.Dependencies {
		predecessors = append(predecessors, e.DependsOnID)
	}
	successors := make([]string, 0, len(deps.Dependents))
	for _, e := range deps.Dependents {
		successors = append(successors, e.TaskID)
	}

	rewired := 0
	for _, succ := range successors {
		for _, pred := range predecessors {
			if succ == pred {
				continue
			}
			exists, err := dependencyExists(ctx, q, succ, pred)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			if err := task.InsertDependency(ctx, q, succ, pred, model.DependencyBlocks); err != nil {
				return nil, err
			}
			rewired++
		}
	}

	if err := deleteEdgesForTask(ctx, q, taskID); err != nil {
		return nil, err
	}
	if err := deleteCheckpointsForTask(ctx, q, taskID); err != nil {
		return nil, err
	}
	if err := task.DeleteTask(ctx, q, taskID); err != nil {
		return nil, err
	}

	remaining, err := task.ByWorkflow(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Sequence < remaining[j].Sequence })
	renumbered := 0
	for i, rt := range remaining {
		want := i + 1
		if rt.Sequence != want {
			if err := task.SetSequence(ctx, q, rt.ID, want); err != nil {
				return nil, err
			}
			renumbered++
		}
	}

	return &RemoveTaskResult{
		RemovedTaskID:       taskID,
		DependenciesRewired: rewired,
		TasksRenumbered:     renumbered,
	}, nil
}

// Replan partitions the workflow's tasks into preserved (any status
// other than pending, blocked, or planning, or currently claimed) and
// removable, deletes
// the removable set along with its edges and checkpoints, inserts
// params.NewTasks after the preserved tasks, and resolves depends_on
// against the union of preserved and new task names (spec §4.2,
// scenario S3: "Replan preserves completed").
func Replan(ctx context.Context, q store.Querier, workflowID string, params ReplanParams) (*ReplanResult, error) {
	wf, err := Get(ctx, q, workflowID, GetOptions{})
	if err != nil {
		return nil, err
	}
	existing, err := task.ByWorkflow(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}

	var preserved, removable []*model.Task
	for _, t := range existing {
		if isPreserved(t) {
			preserved = append(preserved, t)
		} else {
			removable = append(removable, t)
		}
	}

	preservedNames := make(map[string]bool, len(preserved))
	for _, t := range preserved {
		preservedNames[t.Name] = true
	}
	for _, pt := range params.NewTasks {
		if preservedNames[pt.Name] {
			return nil, errs.ValidationDetails("workflow: new task name collides with a preserved task", map[string]any{"name": pt.Name})
		}
	}
	if err := validateNoDuplicateNames(params.NewTasks); err != nil {
		return nil, err
	}

	for _, t := range removable {
		if err := deleteEdgesForTask(ctx, q, t.ID); err != nil {
			return nil, err
		}
		if err := deleteCheckpointsForTask(ctx, q, t.ID); err != nil {
			return nil, err
		}
		if err := task.DeleteTask(ctx, q, t.ID); err != nil {
			return nil, err
		}
	}

	maxSeq := 0
	for _, t := range preserved {
		if t.Sequence > maxSeq {
			maxSeq = t.Sequence
		}
	}

	nameToID := make(map[string]string, len(preserved)+len(params.NewTasks))
	for _, t := range preserved {
		nameToID[t.Name] = t.ID
	}

	created := make([]*model.Task, 0, len(params.NewTasks))
	for i, pt := range params.NewTasks {
		t, err := task.Insert(ctx, q, workflowID, maxSeq+i+1, pt)
		if err != nil {
			return nil, err
		}
		nameToID[pt.Name] = t.ID
		created = append(created, t)
	}

	if err := insertDependencyEdges(ctx, q, params.NewTasks, nameToID, nameToID); err != nil {
		return nil, err
	}

	history := append(replanHistory(wf.Config), map[string]any{
		"reason":        params.Reason,
		"tasks_added":   len(created),
		"tasks_removed": len(removable),
	})
	mergedConfig := model.JSONMap{}
	for k, v := range wf.Config {
		mergedConfig[k] = v
	}
	mergedConfig["replan_history"] = history

	newStatus := wf.Status
	if wf.Status == model.WorkflowFailed {
		newStatus = model.WorkflowInProgress
	}

	summary := renderPlanSummary(append(tasksToPlan(preserved), params.NewTasks...))
	configJSON, err := store.EncodeJSONMap(mergedConfig)
	if err != nil {
		return nil, errs.Internal("workflow: encoding config", err)
	}
	query, args, err := psql.Update("workflows").
		Set("plan_summary", summary).
		Set("config", configJSON).
		Set("status", string(newStatus)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": workflowID}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building replan update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("workflow: replanning", err)
	}

	return &ReplanResult{
		TasksAdded:     len(created),
		TasksRemoved:   len(removable),
		TasksPreserved: len(preserved),
		NewStatus:      newStatus,
	}, nil
}

// AddRepository registers (idempotently, by unique path) and joins a
// repository to the workflow.
func AddRepository(ctx context.Context, q store.Querier, workflowID, path string, name *string) (*model.Repository, error) {
	repo, err := getOrCreateRepository(ctx, q, path, name)
	if err != nil {
		return nil, err
	}

	query, args, err := psql.Insert("workflow_repositories").
		Columns("workflow_id", "repository_id", "added_at").
		Values(workflowID, repo.ID, time.Now().UTC()).
		Suffix("ON CONFLICT (workflow_id, repository_id) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building repository join", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("workflow: joining repository", err)
	}
	return repo, nil
}

// RemoveRepository unjoins a repository from the workflow. It refuses
// when the repository is still referenced by a task or workspace in
// this workflow.
func RemoveRepository(ctx context.Context, q store.Querier, workflowID, repositoryID string) error {
	var taskCount int
	tq, targs, err := psql.Select("COUNT(*)").From("tasks").
		Where(sq.Eq{"workflow_id": workflowID, "repository_id": repositoryID}).
		ToSql()
	if err != nil {
		return errs.Internal("workflow: building task reference check", err)
	}
	if err := q.QueryRowContext(ctx, tq, targs...).Scan(&taskCount); err != nil {
		return errs.Internal("workflow: checking task references", err)
	}
	if taskCount > 0 {
		return errs.Conflict("workflow: repository is still referenced by a task")
	}

	var workspaceCount int
	wq, wargs, err := psql.Select("COUNT(*)").From("workspaces").
		Where(sq.Eq{"workflow_id": workflowID, "repository_id": repositoryID}).
		ToSql()
	if err != nil {
		return errs.Internal("workflow: building workspace reference check", err)
	}
	if err := q.QueryRowContext(ctx, wq, wargs...).Scan(&workspaceCount); err != nil {
		return errs.Internal("workflow: checking workspace references", err)
	}
	if workspaceCount > 0 {
		return errs.Conflict("workflow: repository is still referenced by a workspace")
	}

	query, args, err := psql.Delete("workflow_repositories").
		Where(sq.Eq{"workflow_id": workflowID, "repository_id": repositoryID}).
		ToSql()
	if err != nil {
		return errs.Internal("workflow: building repository unjoin", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("workflow: unjoining repository", err)
	}
	return nil
}

// ListRepositories returns a workflow's joined repositories.
func ListRepositories(ctx context.Context, q store.Querier, workflowID string) ([]*model.Repository, error) {
	query, args, err := psql.Select("r.id", "r.path", "r.name", "r.created_at", "r.updated_at").
		From("repositories r").
		Join("workflow_repositories wr ON wr.repository_id = r.id").
		Where(sq.Eq{"wr.workflow_id": workflowID}).
		OrderBy("wr.added_at ASC").
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building repository list", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("workflow: listing repositories", err)
	}
	defer rows.Close()

	var repos []*model.Repository
	for rows.Next() {
		var r model.Repository
		var name sql.NullString
		if err := rows.Scan(&r.ID, &r.Path, &name, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errs.Internal("workflow: scanning repository", err)
		}
		r.Name = store.PtrString(name)
		repos = append(repos, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("workflow: iterating repositories", err)
	}
	if repos == nil {
		repos = []*model.Repository{}
	}
	return repos, nil
}

func getOrCreateRepository(ctx context.Context, q store.Querier, path string, name *string) (*model.Repository, error) {
	selQuery, selArgs, err := psql.Select("id", "path", "name", "created_at", "updated_at").
		From("repositories").Where(sq.Eq{"path": path}).ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building repository lookup", err)
	}
	var r model.Repository
	var nameCol sql.NullString
	err = q.QueryRowContext(ctx, selQuery, selArgs...).Scan(&r.ID, &r.Path, &nameCol, &r.CreatedAt, &r.UpdatedAt)
	if err == nil {
		r.Name = store.PtrString(nameCol)
		return &r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Internal("workflow: looking up repository", err)
	}

	now := time.Now().UTC()
	repo := &model.Repository{ID: ids.New(ids.Repository), Path: path, Name: name, CreatedAt: now, UpdatedAt: now}
	insQuery, insArgs, err := psql.Insert("repositories").
		Columns("id", "path", "name", "created_at", "updated_at").
		Values(repo.ID, repo.Path, store.NullString(repo.Name), repo.CreatedAt, repo.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("workflow: building repository insert", err)
	}
	if _, err := q.ExecContext(ctx, insQuery, insArgs...); err != nil {
		return nil, errs.Internal("workflow: inserting repository", err)
	}
	return repo, nil
}

func dependencyExists(ctx context.Context, q store.Querier, taskID, dependsOnID string) (bool, error) {
	query, args, err := psql.Select("COUNT(*)").From("task_dependencies").
		Where(sq.Eq{"task_id": taskID, "depends_on_id": dependsOnID}).
		ToSql()
	if err != nil {
		return false, errs.Internal("workflow: building dependency existence check", err)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, errs.Internal("workflow: checking dependency existence", err)
	}
	return n > 0, nil
}

func deleteEdgesForTask(ctx context.Context, q store.Querier, taskID string) error {
	query, args, err := psql.Delete("task_dependencies").
		Where(sq.Or{sq.Eq{"task_id": taskID}, sq.Eq{"depends_on_id": taskID}}).
		ToSql()
	if err != nil {
		return errs.Internal("workflow: building edge delete", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("workflow: deleting edges", err)
	}
	return nil
}

func deleteCheckpointsForTask(ctx context.Context, q store.Querier, taskID string) error {
	query, args, err := psql.Delete("checkpoints").Where(sq.Eq{"task_id": taskID}).ToSql()
	if err != nil {
		return errs.Internal("workflow: building checkpoint delete", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("workflow: deleting checkpoints", err)
	}
	return nil
}

func isPreserved(t *model.Task) bool {
	removable := t.Status == model.TaskPending || t.Status == model.TaskBlocked || t.Status == model.TaskPlanning
	return !removable || t.AssignedAgentID != nil
}

func validateNoDuplicateNames(plan []model.PlanTask) error {
	seen := make(map[string]bool, len(plan))
	for _, pt := range plan {
		if seen[pt.Name] {
			return errs.ValidationDetails("workflow: duplicate task name in plan", map[string]any{"name": pt.Name})
		}
		seen[pt.Name] = true
	}
	return nil
}

func validateNoSelfDeps(plan []model.PlanTask) error {
	for _, pt := range plan {
		for _, dep := range pt.DependsOn {
			if dep == pt.Name {
				return errs.ValidationDetails("workflow: task cannot depend on itself", map[string]any{"name": pt.Name})
			}
		}
	}
	return nil
}

// resolveDependency resolves a depends_on entry to a task id: a
// plan-local name takes precedence over a global task id match (spec
// §9 "Dependency identity resolution").
func resolveDependency(nameToID map[string]string, existing []*model.Task, ref string) (string, error) {
	if id, ok := nameToID[ref]; ok {
		return id, nil
	}
	for _, t := range existing {
		if t.ID == ref {
			return t.ID, nil
		}
	}
	return "", errs.ValidationDetails("workflow: unknown dependency reference", map[string]any{"depends_on": ref})
}

func insertDependencyEdges(ctx context.Context, q store.Querier, plan []model.PlanTask, planIDs, resolved map[string]string) error {
	for _, pt := range plan {
		taskID := planIDs[pt.Name]
		seen := make(map[string]bool, len(pt.DependsOn))
		for _, dep := range pt.DependsOn {
			targetID, ok := resolved[dep]
			if !ok {
				return errs.ValidationDetails("workflow: unknown dependency reference", map[string]any{"depends_on": dep})
			}
			if targetID == taskID || seen[targetID] {
				continue
			}
			seen[targetID] = true
			if err := task.InsertDependency(ctx, q, taskID, targetID, model.DependencyBlocks); err != nil {
				return err
			}
		}
	}
	return nil
}

func countParallelGroups(tasks []*model.Task) int {
	groups := make(map[string]bool)
	count := 0
	for _, t := range tasks {
		if t.ParallelGroup == nil {
			continue
		}
		if !groups[*t.ParallelGroup] {
			groups[*t.ParallelGroup] = true
			count++
		}
	}
	return count
}

func renderPlanSummary(plan []model.PlanTask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d tasks\n", len(plan))
	for i, pt := range plan {
		fmt.Fprintf(&sb, "%d. %s", i+1, pt.Name)
		if len(pt.DependsOn) > 0 {
			fmt.Fprintf(&sb, " (depends on %s)", strings.Join(pt.DependsOn, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderMarkdownSummary(wf *model.Workflow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", wf.Name)
	fmt.Fprintf(&sb, "Status: %s\n\n", wf.Status)
	for _, t := range wf.Tasks {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", statusMark(t.Status), t.Name, t.Status)
	}
	return sb.String()
}

func statusMark(status model.TaskStatus) string {
	if model.TerminalTaskStatuses[status] {
		return "x"
	}
	return " "
}

func tasksToPlan(tasks []*model.Task) []model.PlanTask {
	out := make([]model.PlanTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, model.PlanTask{
			Name:          t.Name,
			Description:   t.Description,
			ParallelGroup: t.ParallelGroup,
			Context:       t.Context,
		})
	}
	return out
}

func replanHistory(config model.JSONMap) []any {
	raw, ok := config["replan_history"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	return list
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func encodePlan(plan []model.PlanTask) (string, error) {
	def := model.TemplateDefinition{Tasks: plan}
	b, err := json.Marshal(def)
	if err != nil {
		return "", errs.Internal("workflow: encoding plan", err)
	}
	return string(b), nil
}

func scanWorkflow(row *sql.Row) (*model.Workflow, error) {
	var wf model.Workflow
	var sourceRef, sourceContent, planSummary, initialPlan, lockedBySessionID sql.NullString
	var lockedAt sql.NullTime
	var status, configJSON string
	err := row.Scan(&wf.ID, &wf.Name, &wf.SourceType, &sourceRef, &sourceContent, &status, &planSummary,
		&initialPlan, &wf.MaxParallelTasks, &wf.AutoCreateWorkspaces, &configJSON, &lockedBySessionID, &lockedAt,
		&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("workflow not found")
		}
		return nil, errs.Internal("workflow: scanning row", err)
	}
	wf.Status = model.WorkflowStatus(status)
	wf.SourceRef = store.PtrString(sourceRef)
	wf.SourceContent = store.PtrString(sourceContent)
	wf.PlanSummary = store.PtrString(planSummary)
	wf.InitialPlan = store.PtrString(initialPlan)
	wf.LockedBySessionID = store.PtrString(lockedBySessionID)
	wf.LockedAt = store.PtrTime(lockedAt)

	config, err := store.DecodeJSONMap(configJSON)
	if err != nil {
		return nil, err
	}
	wf.Config = config
	return &wf, nil
}
