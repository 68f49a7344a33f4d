// Package workspace implements the branch-scoped working-area service
// (spec §4.9): the git worktree a workflow's tasks execute against.
package workspace

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/transitions"
	"github.com/cawhq/caw/internal/workflow"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const columns = "id, workflow_id, repository_id, path, branch, base_branch, status, merge_commit, pr_url, config, created_at, updated_at"

// CreateParams are the inputs to Create.
type CreateParams struct {
	WorkflowID   string
	RepositoryID *string
	Path         string
	Branch       string
	BaseBranch   string
	Config       model.JSONMap
	TaskIDs      []string
}

// UpdateParams is a partial update; Merged requires MergeCommit.
type UpdateParams struct {
	Status      *model.WorkspaceStatus
	MergeCommit *string
	PRURL       *string
	Config      model.JSONMap
}

// ListFilter narrows List.
type ListFilter struct {
	WorkflowID *string
	Status     []model.WorkspaceStatus
}

// Service is the top-level entry point used by the HTTP adapter and CLI.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Create(ctx context.Context, params CreateParams) (*model.Workspace, error) {
	var out *model.Workspace
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Create(ctx, tx, params)
		return err
	})
	return out, err
}

func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*model.Workspace, error) {
	return Update(ctx, s.store.DB(), id, params)
}

func (s *Service) AssignTask(ctx context.Context, id, taskID string) error {
	return s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return AssignTask(ctx, tx, id, taskID)
	})
}

func (s *Service) Get(ctx context.Context, id string) (*model.Workspace, error) {
	return Get(ctx, s.store.DB(), id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*model.Workspace, error) {
	return List(ctx, s.store.DB(), filter)
}

// Create inserts a workspace under an existing workflow, optionally
// assigning it to a set of tasks. A missing task id aborts the whole
// transaction (spec §4.9).
func Create(ctx context.Context, q store.Querier, params CreateParams) (*model.Workspace, error) {
	if params.Path == "" || params.Branch == "" || params.BaseBranch == "" {
		return nil, errs.Validation("workspace: path, branch, and base_branch are required")
	}
	if _, err := workflow.Get(ctx, q, params.WorkflowID, workflow.GetOptions{}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ws := &model.Workspace{
		ID:           ids.New(ids.Workspace),
		WorkflowID:   params.WorkflowID,
		RepositoryID: params.RepositoryID,
		Path:         params.Path,
		Branch:       params.Branch,
		BaseBranch:   params.BaseBranch,
		Status:       model.WorkspaceActive,
		Config:       params.Config,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if ws.Config == nil {
		ws.Config = model.JSONMap{}
	}
	configJSON, err := store.EncodeJSONMap(ws.Config)
	if err != nil {
		return nil, errs.Internal("workspace: encoding config", err)
	}

	query, args, err := psql.Insert("workspaces").
		Columns("id", "workflow_id", "repository_id", "path", "branch", "base_branch", "status", "config", "created_at", "updated_at").
		Values(ws.ID, ws.WorkflowID, store.NullString(ws.RepositoryID), ws.Path, ws.Branch, ws.BaseBranch,
			string(ws.Status), configJSON, ws.CreatedAt, ws.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("workspace: building insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("workspace: inserting", err)
	}

	for _, taskID := range params.TaskIDs {
		if err := AssignTask(ctx, q, ws.ID, taskID); err != nil {
			return nil, err
		}
	}
	return Get(ctx, q, ws.ID)
}

// Update applies a partial update. Transitioning to merged requires
// MergeCommit be set (by this call or already present).
func Update(ctx context.Context, q store.Querier, id string, params UpdateParams) (*model.Workspace, error) {
	ws, err := Get(ctx, q, id)
	if err != nil {
		return nil, err
	}

	update := psql.Update("workspaces").Set("updated_at", time.Now().UTC())
	if params.MergeCommit != nil {
		update = update.Set("merge_commit", *params.MergeCommit)
	}
	if params.PRURL != nil {
		update = update.Set("pr_url", *params.PRURL)
	}
	if params.Config != nil {
		merged := model.JSONMap{}
		for k, v := range ws.Config {
			merged[k] = v
		}
		for k, v := range params.Config {
			merged[k] = v
		}
		configJSON, err := store.EncodeJSONMap(merged)
		if err != nil {
			return nil, errs.Internal("workspace: encoding config", err)
		}
		update = update.Set("config", configJSON)
	}
	if params.Status != nil && *params.Status != ws.Status {
		if !transitions.WorkspaceAllowed(ws.Status, *params.Status) {
			return nil, errs.InvalidState("workspace: illegal status transition")
		}
		if *params.Status == model.WorkspaceMerged && params.MergeCommit == nil && ws.MergeCommit == nil {
			return nil, errs.Validation("workspace: merge_commit is required to merge")
		}
		update = update.Set("status", string(*params.Status))
	}

	query, args, err := update.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("workspace: building update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("workspace: updating", err)
	}
	return Get(ctx, q, id)
}

// AssignTask points a task's workspace_id at this workspace. The
// workspace must be active.
func AssignTask(ctx context.Context, q store.Querier, id, taskID string) error {
	ws, err := Get(ctx, q, id)
	if err != nil {
		return err
	}
	if ws.Status != model.WorkspaceActive {
		return errs.InvalidState("workspace: cannot assign a task to a non-active workspace")
	}
	if _, err := task.Get(ctx, q, taskID, task.GetOptions{}); err != nil {
		return err
	}

	query, args, err := psql.Update("tasks").
		Set("workspace_id", id).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return errs.Internal("workspace: building task assignment", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("workspace: assigning task", err)
	}
	return nil
}

// Get returns the workspace by id, or NotFound.
func Get(ctx context.Context, q store.Querier, id string) (*model.Workspace, error) {
	query, args, err := psql.Select(columns).From("workspaces").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("workspace: building select", err)
	}
	return scanWorkspace(q.QueryRowContext(ctx, query, args...))
}

// List returns workspaces matching filter ordered by created_at. A
// non-nil but empty Status filter matches nothing.
func List(ctx context.Context, q store.Querier, filter ListFilter) ([]*model.Workspace, error) {
	if filter.Status != nil && len(filter.Status) == 0 {
		return []*model.Workspace{}, nil
	}

	b := psql.Select(columns).From("workspaces").OrderBy("created_at ASC")
	if filter.WorkflowID != nil {
		b = b.Where(sq.Eq{"workflow_id": *filter.WorkflowID})
	}
	if filter.Status != nil {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		b = b.Where(sq.Eq{"status": statuses})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, errs.Internal("workspace: building list query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("workspace: listing", err)
	}
	defer rows.Close()

	var out []*model.Workspace
	for rows.Next() {
		ws, err := scanWorkspaceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("workspace: iterating rows", err)
	}
	if out == nil {
		out = []*model.Workspace{}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row *sql.Row) (*model.Workspace, error) {
	ws, err := scanWorkspaceRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("workspace not found")
		}
	}
	return ws, err
}

func scanWorkspaceRows(row rowScanner) (*model.Workspace, error) {
	var ws model.Workspace
	var repositoryID, mergeCommit, prURL sql.NullString
	var status, configJSON string
	err := row.Scan(&ws.ID, &ws.WorkflowID, &repositoryID, &ws.Path, &ws.Branch, &ws.BaseBranch, &status,
		&mergeCommit, &prURL, &configJSON, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errs.Internal("workspace: scanning row", err)
	}
	ws.Status = model.WorkspaceStatus(status)
	ws.RepositoryID = store.PtrString(repositoryID)
	ws.MergeCommit = store.PtrString(mergeCommit)
	ws.PRURL = store.PtrString(prURL)

	config, err := store.DecodeJSONMap(configJSON)
	if err != nil {
		return nil, err
	}
	ws.Config = config
	return &ws, nil
}
