// Package session implements the session registry (spec §4.12): the
// opaque process identity used by the lock service to arbitrate
// workflow exclusivity.
package session

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

const columns = "id, pid, is_daemon, metadata, last_heartbeat, created_at"

// RegisterParams are the inputs to Register.
type RegisterParams struct {
	PID      int
	IsDaemon bool
	Metadata model.JSONMap
}

// Service is the top-level entry point used by the HTTP adapter and
// CLI. Every method wraps the package's free functions in a
// transaction where more than one statement is involved.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Register(ctx context.Context, params RegisterParams) (*model.Session, error) {
	return Register(ctx, s.store.DB(), params)
}

func (s *Service) Deregister(ctx context.Context, id string) error {
	return Deregister(ctx, s.store.DB(), id)
}

func (s *Service) Heartbeat(ctx context.Context, id string) error {
	return Heartbeat(ctx, s.store.DB(), id)
}

func (s *Service) Get(ctx context.Context, id string) (*model.Session, error) {
	return Get(ctx, s.store.DB(), id)
}

func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, s.store.DB(), id)
}

// Register inserts a new session, the opaque identity locks bind to.
// Exposed as a free function so it can run against any Querier,
// including another service's in-flight transaction.
func Register(ctx context.Context, q store.Querier, params RegisterParams) (*model.Session, error) {
	metaJSON, err := store.EncodeJSONMap(params.Metadata)
	if err != nil {
		return nil, errs.Internal("session: encoding metadata", err)
	}
	now := time.Now().UTC()
	sess := &model.Session{
		ID:            ids.New(ids.Session),
		PID:           params.PID,
		IsDaemon:      params.IsDaemon,
		Metadata:      params.Metadata,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if sess.Metadata == nil {
		sess.Metadata = model.JSONMap{}
	}

	query, args, err := psql.Insert("sessions").
		Columns("id", "pid", "is_daemon", "metadata", "last_heartbeat", "created_at").
		Values(sess.ID, sess.PID, sess.IsDaemon, metaJSON, sess.LastHeartbeat, sess.CreatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("session: building insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("session: inserting", err)
	}
	return sess, nil
}

// Deregister removes the session row. Any workflow locks it held
// become stale: the next lock() attempt by another session takes over.
func Deregister(ctx context.Context, q store.Querier, id string) error {
	query, args, err := psql.Delete("sessions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return errs.Internal("session: building delete", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.Internal("session: deleting", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Internal("session: reading rows affected", err)
	}
	if n == 0 {
		return errs.NotFoundf("session %s not found", id)
	}
	return nil
}

// Heartbeat updates last_heartbeat to now.
func Heartbeat(ctx context.Context, q store.Querier, id string) error {
	query, args, err := psql.Update("sessions").
		Set("last_heartbeat", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return errs.Internal("session: building update", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.Internal("session: updating heartbeat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Internal("session: reading rows affected", err)
	}
	if n == 0 {
		return errs.NotFoundf("session %s not found", id)
	}
	return nil
}

// Get returns the session by id, or NotFound.
func Get(ctx context.Context, q store.Querier, id string) (*model.Session, error) {
	query, args, err := psql.Select(columns).From("sessions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("session: building select", err)
	}
	return scanSession(q.QueryRowContext(ctx, query, args...))
}

// Exists reports whether a session row with this id is present.
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

func scanSession(row *sql.Row) (*model.Session, error) {
	var sess model.Session
	var metaJSON string
	err := row.Scan(&sess.ID, &sess.PID, &sess.IsDaemon, &metaJSON, &sess.LastHeartbeat, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("session not found")
		}
		return nil, errs.Internal("session: scanning row", err)
	}
	meta, err := store.DecodeJSONMap(metaJSON)
	if err != nil {
		return nil, err
	}
	sess.Metadata = meta
	return &sess, nil
}
