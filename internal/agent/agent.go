// Package agent implements the agent registry (spec §4.6): connected
// executors that claim tasks, heartbeat, and report status.
package agent

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
	"github.com/cawhq/caw/internal/transitions"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const columns = "id, workflow_id, name, runtime, role, status, capabilities, current_task_id, workspace_path, last_heartbeat, metadata, created_at, updated_at"

// RegisterParams are the inputs to Register.
type RegisterParams struct {
	Name          string
	Runtime       string
	Role          model.AgentRole
	WorkflowID    *string
	Capabilities  model.StringList
	WorkspacePath *string
	Metadata      model.JSONMap
}

// UpdateParams is a partial update: nil fields are left untouched,
// Metadata shallow-merges with the existing value, Capabilities replaces.
type UpdateParams struct {
	Name          *string
	Runtime       *string
	Role          *model.AgentRole
	Status        *model.AgentStatus
	Capabilities  model.StringList
	WorkspacePath *string
	Metadata      model.JSONMap
}

// ListFilter selects agents by any combination of fields. A non-nil but
// empty slice matches nothing (spec §4.6 "empty-array filters match
// nothing").
type ListFilter struct {
	Status     []model.AgentStatus
	Role       []model.AgentRole
	Runtime    []string
	WorkflowID *string
}

// Service is the top-level entry point used by the HTTP adapter and
// CLI; Unregister is the only composite (multi-statement) operation
// and is wrapped in its own transaction.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Register(ctx context.Context, params RegisterParams) (*model.Agent, error) {
	return Register(ctx, s.store.DB(), params)
}

func (s *Service) Heartbeat(ctx context.Context, id string, currentTaskID *string, status *model.AgentStatus) error {
	return Heartbeat(ctx, s.store.DB(), id, currentTaskID, status)
}

func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*model.Agent, error) {
	return Update(ctx, s.store.DB(), id, params)
}

func (s *Service) Get(ctx context.Context, id string) (*model.Agent, error) {
	return Get(ctx, s.store.DB(), id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*model.Agent, error) {
	return List(ctx, s.store.DB(), filter)
}

func (s *Service) GetStale(ctx context.Context, timeout time.Duration) ([]*model.Agent, error) {
	return GetStale(ctx, s.store.DB(), timeout)
}

// Unregister sets status offline, clears current_task_id, and releases
// every claim this agent held on non-terminal tasks, atomically.
func (s *Service) Unregister(ctx context.Context, id string) (int64, error) {
	var released int64
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		released, err = Unregister(ctx, tx, id)
		return err
	})
	return released, err
}

// Register inserts a new agent in status online.
func Register(ctx context.Context, q store.Querier, params RegisterParams) (*model.Agent, error) {
	if params.Name == "" {
		return nil, errs.Validation("agent: name is required")
	}
	if params.Runtime == "" {
		return nil, errs.Validation("agent: runtime is required")
	}
	role := params.Role
	if role == "" {
		role = model.AgentRoleWorker
	}

	now := time.Now().UTC()
	ag := &model.Agent{
		ID:            ids.New(ids.Agent),
		WorkflowID:    params.WorkflowID,
		Name:          params.Name,
		Runtime:       params.Runtime,
		Role:          role,
		Status:        model.AgentOnline,
		Capabilities:  params.Capabilities,
		WorkspacePath: params.WorkspacePath,
		LastHeartbeat: now,
		Metadata:      params.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ag.Capabilities == nil {
		ag.Capabilities = model.StringList{}
	}
	if ag.Metadata == nil {
		ag.Metadata = model.JSONMap{}
	}

	capsJSON, err := store.EncodeStringList(ag.Capabilities)
	if err != nil {
		return nil, errs.Internal("agent: encoding capabilities", err)
	}
	metaJSON, err := store.EncodeJSONMap(ag.Metadata)
	if err != nil {
		return nil, errs.Internal("agent: encoding metadata", err)
	}

	query, args, err := psql.Insert("agents").
		Columns("id", "workflow_id", "name", "runtime", "role", "status", "capabilities",
			"workspace_path", "last_heartbeat", "metadata", "created_at", "updated_at").
		Values(ag.ID, store.NullString(ag.WorkflowID), ag.Name, ag.Runtime, string(ag.Role), string(ag.Status),
			capsJSON, store.NullString(ag.WorkspacePath), ag.LastHeartbeat, metaJSON, ag.CreatedAt, ag.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("agent: building insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("agent: inserting", err)
	}
	return ag, nil
}

// Heartbeat updates last_heartbeat and optionally current task/status.
// Requires the agent not already be offline.
func Heartbeat(ctx context.Context, q store.Querier, id string, currentTaskID *string, status *model.AgentStatus) error {
	ag, err := Get(ctx, q, id)
	if err != nil {
		return err
	}
	if ag.Status == model.AgentOffline {
		return errs.InvalidState("agent: cannot heartbeat an offline agent")
	}

	now := time.Now().UTC()
	update := psql.Update("agents").Set("last_heartbeat", now).Set("updated_at", now)
	if currentTaskID != nil {
		update = update.Set("current_task_id", store.NullString(currentTaskID))
	}
	if status != nil && *status != ag.Status {
		if !transitions.AgentAllowed(ag.Status, *status) {
			return errs.InvalidState("agent: invalid status transition")
		}
		update = update.Set("status", string(*status))
	}
	query, args, err := update.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return errs.Internal("agent: building update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("agent: updating heartbeat", err)
	}
	return nil
}

// Update applies a partial update. Metadata shallow-merges with the
// existing value; Capabilities, when non-nil, replaces wholesale.
func Update(ctx context.Context, q store.Querier, id string, params UpdateParams) (*model.Agent, error) {
	ag, err := Get(ctx, q, id)
	if err != nil {
		return nil, err
	}

	update := psql.Update("agents").Set("updated_at", time.Now().UTC())
	if params.Name != nil {
		update = update.Set("name", *params.Name)
	}
	if params.Runtime != nil {
		update = update.Set("runtime", *params.Runtime)
	}
	if params.Role != nil {
		update = update.Set("role", string(*params.Role))
	}
	if params.Status != nil {
		update = update.Set("status", string(*params.Status))
	}
	if params.WorkspacePath != nil {
		update = update.Set("workspace_path", store.NullString(params.WorkspacePath))
	}
	if params.Capabilities != nil {
		capsJSON, err := store.EncodeStringList(params.Capabilities)
		if err != nil {
			return nil, errs.Internal("agent: encoding capabilities", err)
		}
		update = update.Set("capabilities", capsJSON)
	}
	if params.Metadata != nil {
		merged := model.JSONMap{}
		for k, v := range ag.Metadata {
			merged[k] = v
		}
		for k, v := range params.Metadata {
			merged[k] = v
		}
		metaJSON, err := store.EncodeJSONMap(merged)
		if err != nil {
			return nil, errs.Internal("agent: encoding metadata", err)
		}
		update = update.Set("metadata", metaJSON)
	}

	query, args, err := update.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("agent: building update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("agent: applying update", err)
	}
	return Get(ctx, q, id)
}

// Unregister sets status offline, clears current_task_id, and releases
// every claim this agent held on non-terminal tasks. Callers composing
// a larger transaction should call this directly against their tx;
// the Service method wraps it in its own transaction.
func Unregister(ctx context.Context, q store.Querier, id string) (int64, error) {
	if _, err := Get(ctx, q, id); err != nil {
		return 0, err
	}

	releaseQuery, releaseArgs, err := psql.Update("tasks").
		Set("assigned_agent_id", nil).
		Set("claimed_at", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.And{
			sq.Eq{"assigned_agent_id": id},
			sq.NotEq{"status": []string{string(model.TaskCompleted), string(model.TaskSkipped)}},
		}).
		ToSql()
	if err != nil {
		return 0, errs.Internal("agent: building claim release", err)
	}
	res, err := q.ExecContext(ctx, releaseQuery, releaseArgs...)
	if err != nil {
		return 0, errs.Internal("agent: releasing claims", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Internal("agent: reading rows affected", err)
	}

	query, args, err := psql.Update("agents").
		Set("status", string(model.AgentOffline)).
		Set("current_task_id", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return 0, errs.Internal("agent: building unregister", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return 0, errs.Internal("agent: unregistering", err)
	}
	return released, nil
}

// ApplyClaim sets agent status busy and current_task_id=taskID. Used
// by the task package inside its own claim transaction.
func ApplyClaim(ctx context.Context, q store.Querier, agentID, taskID string) error {
	query, args, err := psql.Update("agents").
		Set("status", string(model.AgentBusy)).
		Set("current_task_id", taskID).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": agentID}).
		ToSql()
	if err != nil {
		return errs.Internal("agent: building claim apply", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("agent: applying claim", err)
	}
	return nil
}

// ApplyRelease sets agent status online and clears current_task_id.
// Used by the task package inside its own release transaction.
func ApplyRelease(ctx context.Context, q store.Querier, agentID string) error {
	query, args, err := psql.Update("agents").
		Set("status", string(model.AgentOnline)).
		Set("current_task_id", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": agentID}).
		ToSql()
	if err != nil {
		return errs.Internal("agent: building release apply", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("agent: applying release", err)
	}
	return nil
}

// Get returns the agent by id, or NotFound.
func Get(ctx context.Context, q store.Querier, id string) (*model.Agent, error) {
	query, args, err := psql.Select(columns).From("agents").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("agent: building select", err)
	}
	return scanAgent(q.QueryRowContext(ctx, query, args...))
}

// Exists reports whether an agent row with this id is present.
func Exists(ctx context.Context, q store.Querier, id string) (bool, error) {
	_, err := Get(ctx, q, id)
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.KindNotFound) {
		return false, nil
	}
	return false, err
}

// List returns agents matching filter, newest first.
func List(ctx context.Context, q store.Querier, filter ListFilter) ([]*model.Agent, error) {
	b := psql.Select(columns).From("agents").OrderBy("created_at DESC")

	if filter.Status != nil {
		if len(filter.Status) == 0 {
			return []*model.Agent{}, nil
		}
		b = b.Where(sq.Eq{"status": toStrings(filter.Status)})
	}
	if filter.Role != nil {
		if len(filter.Role) == 0 {
			return []*model.Agent{}, nil
		}
		b = b.Where(sq.Eq{"role": toStrings(filter.Role)})
	}
	if filter.Runtime != nil {
		if len(filter.Runtime) == 0 {
			return []*model.Agent{}, nil
		}
		b = b.Where(sq.Eq{"runtime": filter.Runtime})
	}
	if filter.WorkflowID != nil {
		b = b.Where(sq.Eq{"workflow_id": *filter.WorkflowID})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, errs.Internal("agent: building list", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("agent: listing", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		ag, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("agent: iterating rows", err)
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	return agents, nil
}

// GetStale returns online/busy agents whose last_heartbeat is older
// than timeout.
func GetStale(ctx context.Context, q store.Querier, timeout time.Duration) ([]*model.Agent, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	query, args, err := psql.Select(columns).From("agents").
		Where(sq.And{
			sq.Eq{"status": []string{string(model.AgentOnline), string(model.AgentBusy)}},
			sq.Lt{"last_heartbeat": cutoff},
		}).
		OrderBy("last_heartbeat ASC").
		ToSql()
	if err != nil {
		return nil, errs.Internal("agent: building stale query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("agent: querying stale agents", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		ag, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("agent: iterating rows", err)
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	return agents, nil
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row *sql.Row) (*model.Agent, error) {
	ag, err := scanAgentRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("agent not found")
		}
	}
	return ag, err
}

func scanAgentRows(row rowScanner) (*model.Agent, error) {
	var ag model.Agent
	var workflowID, workspacePath, currentTaskID sql.NullString
	var role, status, capsJSON, metaJSON string
	err := row.Scan(&ag.ID, &workflowID, &ag.Name, &ag.Runtime, &role, &status, &capsJSON,
		&currentTaskID, &workspacePath, &ag.LastHeartbeat, &metaJSON, &ag.CreatedAt, &ag.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errs.Internal("agent: scanning row", err)
	}
	ag.WorkflowID = store.PtrString(workflowID)
	ag.WorkspacePath = store.PtrString(workspacePath)
	ag.CurrentTaskID = store.PtrString(currentTaskID)
	ag.Role = model.AgentRole(role)
	ag.Status = model.AgentStatus(status)

	caps, err := store.DecodeStringList(capsJSON)
	if err != nil {
		return nil, err
	}
	ag.Capabilities = caps

	meta, err := store.DecodeJSONMap(metaJSON)
	if err != nil {
		return nil, err
	}
	ag.Metadata = meta
	return &ag, nil
}
