// Package checkpoint implements the append-only per-task progress log
// (spec §4.4): plan/progress/decision/error/replan/complete records a
// task's execution leaves behind for the context loader and for
// operators inspecting a stalled run.
package checkpoint

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
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const columns = "id, task_id, sequence, checkpoint_type, summary, detail, files_changed, tokens_used, created_at"

// AddParams are the inputs to Add.
type AddParams struct {
	Type         model.CheckpointType
	Summary      string
	Detail       model.JSONMap
	FilesChanged model.StringList
	TokensUsed   *int
}

// ListFilter narrows List.
type ListFilter struct {
	Types         []model.CheckpointType
	SinceSequence int
	Limit         int
}

// Service is the top-level entry point used by the HTTP adapter and CLI.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Add(ctx context.Context, taskID string, params AddParams) (*model.Checkpoint, error) {
	var out *model.Checkpoint
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Add(ctx, tx, taskID, params)
		return err
	})
	return out, err
}

func (s *Service) List(ctx context.Context, taskID string, filter ListFilter) ([]*model.Checkpoint, error) {
	return List(ctx, s.store.DB(), taskID, filter)
}

// Add appends a checkpoint at sequence = max(existing)+1. The task
// must already exist; callers running inside a larger transaction
// (task.Replan, in particular) call this directly against their tx.
func Add(ctx context.Context, q store.Querier, taskID string, params AddParams) (*model.Checkpoint, error) {
	var maxSeq sql.NullInt64
	query, args, err := psql.Select("MAX(sequence)").From("checkpoints").Where(sq.Eq{"task_id": taskID}).ToSql()
	if err != nil {
		return nil, errs.Internal("checkpoint: building max-sequence query", err)
	}
	if err := q.QueryRowContext(ctx, query, args...).Scan(&maxSeq); err != nil {
		return nil, errs.Internal("checkpoint: reading max sequence", err)
	}

	detailJSON, err := store.EncodeJSONMap(params.Detail)
	if err != nil {
		return nil, errs.Internal("checkpoint: encoding detail", err)
	}
	filesJSON, err := store.EncodeStringList(params.FilesChanged)
	if err != nil {
		return nil, errs.Internal("checkpoint: encoding files_changed", err)
	}

	cp := &model.Checkpoint{
		ID:             ids.New(ids.Checkpoint),
		TaskID:         taskID,
		Sequence:       int(maxSeq.Int64) + 1,
		CheckpointType: params.Type,
		Summary:        params.Summary,
		Detail:         params.Detail,
		FilesChanged:   params.FilesChanged,
		TokensUsed:     params.TokensUsed,
		CreatedAt:      time.Now().UTC(),
	}
	if cp.Detail == nil {
		cp.Detail = model.JSONMap{}
	}
	if cp.FilesChanged == nil {
		cp.FilesChanged = model.StringList{}
	}

	insQuery, insArgs, err := psql.Insert("checkpoints").
		Columns("id", "task_id", "sequence", "checkpoint_type", "summary", "detail", "files_changed", "tokens_used", "created_at").
		Values(cp.ID, cp.TaskID, cp.Sequence, string(cp.CheckpointType), cp.Summary, detailJSON, filesJSON,
			store.NullInt(cp.TokensUsed), cp.CreatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("checkpoint: building insert", err)
	}
	if _, err := q.ExecContext(ctx, insQuery, insArgs...); err != nil {
		return nil, errs.Internal("checkpoint: inserting", err)
	}
	return cp, nil
}

// List returns a task's checkpoints ordered by sequence. A non-nil but
// empty Types filter matches nothing (spec §4.4 "empty-array filters
// match nothing").
func List(ctx context.Context, q store.Querier, taskID string, filter ListFilter) ([]*model.Checkpoint, error) {
	if filter.Types != nil && len(filter.Types) == 0 {
		return []*model.Checkpoint{}, nil
	}

	b := psql.Select(columns).From("checkpoints").
		Where(sq.Eq{"task_id": taskID}).
		OrderBy("sequence ASC")
	if filter.Types != nil {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		b = b.Where(sq.Eq{"checkpoint_type": types})
	}
	if filter.SinceSequence > 0 {
		b = b.Where(sq.Gt{"sequence": filter.SinceSequence})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, errs.Internal("checkpoint: building list query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("checkpoint: listing", err)
	}
	defer rows.Close()

	var out []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("checkpoint: iterating rows", err)
	}
	if out == nil {
		out = []*model.Checkpoint{}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var checkpointType, detailJSON, filesJSON string
	var tokensUsed sql.NullInt64
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &checkpointType, &cp.Summary, &detailJSON, &filesJSON,
		&tokensUsed, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("checkpoint not found")
		}
		return nil, errs.Internal("checkpoint: scanning row", err)
	}
	cp.CheckpointType = model.CheckpointType(checkpointType)
	cp.TokensUsed = store.PtrInt(tokensUsed)

	detail, err := store.DecodeJSONMap(detailJSON)
	if err != nil {
		return nil, err
	}
	cp.Detail = detail

	files, err := store.DecodeStringList(filesJSON)
	if err != nil {
		return nil, err
	}
	cp.FilesChanged = files
	return &cp, nil
}
