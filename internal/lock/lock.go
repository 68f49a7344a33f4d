// Package lock implements the exclusive workflow-claim protocol (spec
// §4.8): only one session may drive a given workflow's orchestration
// loop at a time, with automatic takeover once the holder's session
// has gone away.
package lock

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/session"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/workflow"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Result is the return shape of Lock.
type Result struct {
	Acquired        bool
	TookOver        bool
	HeldBySessionID *string
	Workflow        *model.Workflow
}

// Info is the return shape of GetLockInfo. HolderSessionID survives even
// when the holder session row has been deleted, and HolderLive is then
// false, so a caller can tell a dangling lock from a live one.
type Info struct {
	WorkflowID      string
	Locked          bool
	HolderSessionID *string
	LockedAt        *time.Time
	HolderLive      bool
}

// Service is the top-level entry point used by the HTTP adapter and CLI.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Lock(ctx context.Context, workflowID, sessionID string) (*Result, error) {
	var out *Result
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Lock(ctx, tx, workflowID, sessionID)
		return err
	})
	return out, err
}

func (s *Service) Unlock(ctx context.Context, workflowID, sessionID string) error {
	return Unlock(ctx, s.store.DB(), workflowID, sessionID)
}

func (s *Service) GetLockInfo(ctx context.Context, workflowID string) (*Info, error) {
	return GetLockInfo(ctx, s.store.DB(), workflowID)
}

func (s *Service) ReleaseStaleWorkflowLocks(ctx context.Context, staleTimeout time.Duration) (int64, error) {
	return ReleaseStaleWorkflowLocks(ctx, s.store.DB(), staleTimeout)
}

// Lock attempts to claim a workflow for sessionID. Re-locking by the
// current holder is idempotent and preserves locked_at. A lock held
// by a session that is still registered is denied; a lock held by a
// session that has since deregistered is taken over.
func Lock(ctx context.Context, q store.Querier, workflowID, sessionID string) (*Result, error) {
	wf, err := workflow.Get(ctx, q, workflowID, workflow.GetOptions{})
	if err != nil {
		return nil, err
	}

	if wf.LockedBySessionID != nil && *wf.LockedBySessionID == sessionID {
		return &Result{Acquired: true, Workflow: wf}, nil
	}

	tookOver := false
	if wf.LockedBySessionID != nil {
		live, err := session.Exists(ctx, q, *wf.LockedBySessionID)
		if err != nil {
			return nil, err
		}
		if live {
			return &Result{Acquired: false, HeldBySessionID: wf.LockedBySessionID, Workflow: wf}, nil
		}
		tookOver = true
	}

	now := time.Now().UTC()
	query, args, err := psql.Update("workflows").
		Set("locked_by_session_id", sessionID).
		Set("locked_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": workflowID}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("lock: building update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("lock: acquiring", err)
	}

	updated, err := workflow.Get(ctx, q, workflowID, workflow.GetOptions{})
	if err != nil {
		return nil, err
	}
	return &Result{Acquired: true, TookOver: tookOver, Workflow: updated}, nil
}

// Unlock releases a workflow's lock. Only the current holder may do
// so; anyone else gets a Conflict error.
func Unlock(ctx context.Context, q store.Querier, workflowID, sessionID string) error {
	wf, err := workflow.Get(ctx, q, workflowID, workflow.GetOptions{})
	if err != nil {
		return err
	}
	if wf.LockedBySessionID == nil {
		return nil
	}
	if *wf.LockedBySessionID != sessionID {
		return errs.Conflict("lock: held by a different session")
	}

	query, args, err := psql.Update("workflows").
		Set("locked_by_session_id", nil).
		Set("locked_at", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": workflowID}).
		ToSql()
	if err != nil {
		return errs.Internal("lock: building release", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("lock: releasing", err)
	}
	return nil
}

// GetLockInfo reports a workflow's current lock state. The holder id
// is read straight off the workflow row (spec §9 deliberately omits a
// foreign key there) so a dangling reference to a deregistered session
// still surfaces instead of erroring; HolderLive reports whether that
// session row still exists.
func GetLockInfo(ctx context.Context, q store.Querier, workflowID string) (*Info, error) {
	wf, err := workflow.Get(ctx, q, workflowID, workflow.GetOptions{})
	if err != nil {
		return nil, err
	}
	info := &Info{
		WorkflowID:      workflowID,
		Locked:          wf.LockedBySessionID != nil,
		HolderSessionID: wf.LockedBySessionID,
		LockedAt:        wf.LockedAt,
	}
	if wf.LockedBySessionID != nil {
		live, err := session.Exists(ctx, q, *wf.LockedBySessionID)
		if err != nil {
			return nil, err
		}
		info.HolderLive = live
	}
	return info, nil
}

// ReleaseStaleWorkflowLocks clears every workflow lock whose holder
// session has either deregistered or gone quiet past staleTimeout, and
// returns how many locks were cleared.
func ReleaseStaleWorkflowLocks(ctx context.Context, q store.Querier, staleTimeout time.Duration) (int64, error) {
	query, args, err := psql.Select("w.id", "w.locked_by_session_id").
		From("workflows w").
		LeftJoin("sessions s ON s.id = w.locked_by_session_id").
		Where(sq.NotEq{"w.locked_by_session_id": nil}).
		Where(sq.Or{
			sq.Eq{"s.id": nil},
			sq.Lt{"s.last_heartbeat": time.Now().UTC().Add(-staleTimeout)},
		}).
		ToSql()
	if err != nil {
		return 0, errs.Internal("lock: building stale scan", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errs.Internal("lock: scanning stale locks", err)
	}
	var staleIDs []string
	for rows.Next() {
		var id string
		var holder sql.NullString
		if err := rows.Scan(&id, &holder); err != nil {
			rows.Close()
			return 0, errs.Internal("lock: reading stale lock row", err)
		}
		staleIDs = append(staleIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errs.Internal("lock: iterating stale locks", err)
	}
	rows.Close()

	if len(staleIDs) == 0 {
		return 0, nil
	}

	updateQuery, updateArgs, err := psql.Update("workflows").
		Set("locked_by_session_id", nil).
		Set("locked_at", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": staleIDs}).
		ToSql()
	if err != nil {
		return 0, errs.Internal("lock: building stale release", err)
	}
	res, err := q.ExecContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		return 0, errs.Internal("lock: releasing stale locks", err)
	}
	return res.RowsAffected()
}
