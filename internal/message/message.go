// Package message implements inter-agent messaging (spec §4.7):
// direct sends, broadcasts sharing a thread, and the read/archive
// lifecycle a recipient drives.
package message

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cawhq/caw/internal/agent"
	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const columns = "id, sender_id, recipient_id, message_type, subject, body, priority, status, thread_id, " +
	"reply_to_id, workflow_id, task_id, created_at, read_at, expires_at"

// SendParams are the inputs to Send.
type SendParams struct {
	SenderID    *string
	RecipientID string
	MessageType string
	Subject     string
	Body        string
	Priority    model.MessagePriority
	ThreadID    *string
	ReplyToID   *string
	WorkflowID  *string
	TaskID      *string
	ExpiresAt   *time.Time
}

// RecipientFilter selects the agents a broadcast reaches: role,
// runtime, and status all narrow the match (nil means "any"; a
// non-nil but empty slice matches nothing, same as agent.ListFilter).
type RecipientFilter struct {
	Role    []model.AgentRole
	Runtime []string
	Status  []model.AgentStatus
}

// BroadcastParams are the inputs to Broadcast.
type BroadcastParams struct {
	SenderID        *string
	RecipientFilter RecipientFilter
	MessageType     string
	Subject         string
	Body            string
	Priority        model.MessagePriority
	WorkflowID      *string
	TaskID          *string
}

// ListFilter narrows List.
type ListFilter struct {
	RecipientID *string
	SenderID    *string
	Status      []model.MessageStatus
	ThreadID    *string
	Limit       int
	Offset      int
}

// UnreadCount is the return shape of CountUnread.
type UnreadCount struct {
	Count      int
	ByPriority map[model.MessagePriority]int
}

// Service is the top-level entry point used by the HTTP adapter and CLI.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Send(ctx context.Context, params SendParams) (*model.Message, error) {
	return Send(ctx, s.store.DB(), params)
}

func (s *Service) Broadcast(ctx context.Context, params BroadcastParams) ([]*model.Message, error) {
	var out []*model.Message
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Broadcast(ctx, tx, params)
		return err
	})
	return out, err
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*model.Message, error) {
	return List(ctx, s.store.DB(), filter)
}

func (s *Service) Get(ctx context.Context, id string) (*model.Message, error) {
	return Get(ctx, s.store.DB(), id)
}

func (s *Service) MarkRead(ctx context.Context, ids []string) (int64, error) {
	return MarkRead(ctx, s.store.DB(), ids)
}

func (s *Service) Archive(ctx context.Context, ids []string) (int64, error) {
	return Archive(ctx, s.store.DB(), ids)
}

func (s *Service) CountUnread(ctx context.Context, recipientID string) (*UnreadCount, error) {
	return CountUnread(ctx, s.store.DB(), recipientID)
}

// Send inserts a single message. A reply inherits its parent's
// thread_id; otherwise an explicit ThreadID is honored or a fresh
// thread begins.
func Send(ctx context.Context, q store.Querier, params SendParams) (*model.Message, error) {
	if params.RecipientID == "" {
		return nil, errs.Validation("message: recipient_id is required")
	}
	if _, err := agent.Get(ctx, q, params.RecipientID); err != nil {
		return nil, err
	}

	threadID, err := resolveThreadID(ctx, q, params.ThreadID, params.ReplyToID)
	if err != nil {
		return nil, err
	}
	priority := params.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	msg := &model.Message{
		ID:          ids.New(ids.Message),
		SenderID:    params.SenderID,
		RecipientID: params.RecipientID,
		MessageType: params.MessageType,
		Subject:     params.Subject,
		Body:        params.Body,
		Priority:    priority,
		Status:      model.MessageUnread,
		ThreadID:    threadID,
		ReplyToID:   params.ReplyToID,
		WorkflowID:  params.WorkflowID,
		TaskID:      params.TaskID,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   params.ExpiresAt,
	}

	if err := insert(ctx, q, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Broadcast resolves params.RecipientFilter against the agent
// registry (role/runtime/status, each nil meaning "any"), excludes
// the sender from the match, and sends the same subject/body to every
// remaining agent, all sharing one thread_id. An empty filter match
// (including an explicitly empty Role/Runtime/Status slice) sends to
// nobody and returns no error.
func Broadcast(ctx context.Context, q store.Querier, params BroadcastParams) ([]*model.Message, error) {
	matched, err := agent.List(ctx, q, agent.ListFilter{
		Role:    params.RecipientFilter.Role,
		Runtime: params.RecipientFilter.Runtime,
		Status:  params.RecipientFilter.Status,
	})
	if err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(matched))
	for _, a := range matched {
		if params.SenderID != nil && a.ID == *params.SenderID {
			continue
		}
		recipients = append(recipients, a.ID)
	}
	if len(recipients) == 0 {
		return []*model.Message{}, nil
	}

	threadID := ids.New(ids.Message)
	priority := params.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	out := make([]*model.Message, 0, len(recipients))
	for _, recipientID := range recipients {
		msg := &model.Message{
			ID:          ids.New(ids.Message),
			SenderID:    params.SenderID,
			RecipientID: recipientID,
			MessageType: params.MessageType,
			Subject:     params.Subject,
			Body:        params.Body,
			Priority:    priority,
			Status:      model.MessageUnread,
			ThreadID:    threadID,
			WorkflowID:  params.WorkflowID,
			TaskID:      params.TaskID,
			CreatedAt:   time.Now().UTC(),
		}
		if err := insert(ctx, q, msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// List returns messages matching filter, newest first. A non-nil but
// empty Status filter matches nothing.
func List(ctx context.Context, q store.Querier, filter ListFilter) ([]*model.Message, error) {
	if filter.Status != nil && len(filter.Status) == 0 {
		return []*model.Message{}, nil
	}

	b := psql.Select(columns).From("messages").OrderBy("created_at DESC")
	if filter.RecipientID != nil {
		b = b.Where(sq.Eq{"recipient_id": *filter.RecipientID})
	}
	if filter.SenderID != nil {
		b = b.Where(sq.Eq{"sender_id": *filter.SenderID})
	}
	if filter.ThreadID != nil {
		b = b.Where(sq.Eq{"thread_id": *filter.ThreadID})
	}
	if filter.Status != nil {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, errs.Internal("message: building list query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("message: listing", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("message: iterating rows", err)
	}
	if out == nil {
		out = []*model.Message{}
	}
	return out, nil
}

// Get returns the message by id, or NotFound.
func Get(ctx context.Context, q store.Querier, id string) (*model.Message, error) {
	query, args, err := psql.Select(columns).From("messages").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("message: building select", err)
	}
	return scanMessage(q.QueryRowContext(ctx, query, args...))
}

// MarkRead transitions unread messages (and only unread messages) to
// read, preserving read_at for messages already read, and returns the
// number of rows actually transitioned.
func MarkRead(ctx context.Context, q store.Querier, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	query, args, err := psql.Update("messages").
		Set("status", string(model.MessageRead)).
		Set("read_at", time.Now().UTC()).
		Where(sq.Eq{"id": messageIDs, "status": string(model.MessageUnread)}).
		ToSql()
	if err != nil {
		return 0, errs.Internal("message: building mark-read update", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.Internal("message: marking read", err)
	}
	return res.RowsAffected()
}

// Archive transitions non-archived messages to archived and returns
// the number of rows actually transitioned.
func Archive(ctx context.Context, q store.Querier, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	query, args, err := psql.Update("messages").
		Set("status", string(model.MessageArchived)).
		Where(sq.Eq{"id": messageIDs}).
		Where(sq.NotEq{"status": string(model.MessageArchived)}).
		ToSql()
	if err != nil {
		return 0, errs.Internal("message: building archive update", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.Internal("message: archiving", err)
	}
	return res.RowsAffected()
}

// CountUnread returns a recipient's unread count, broken down by priority.
func CountUnread(ctx context.Context, q store.Querier, recipientID string) (*UnreadCount, error) {
	query, args, err := psql.Select("priority", "COUNT(*)").From("messages").
		Where(sq.Eq{"recipient_id": recipientID, "status": string(model.MessageUnread)}).
		GroupBy("priority").
		ToSql()
	if err != nil {
		return nil, errs.Internal("message: building unread count query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("message: counting unread", err)
	}
	defer rows.Close()

	byPriority := make(map[model.MessagePriority]int)
	total := 0
	for rows.Next() {
		var priority string
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, errs.Internal("message: scanning unread count", err)
		}
		byPriority[model.MessagePriority(priority)] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("message: iterating unread counts", err)
	}
	return &UnreadCount{Count: total, ByPriority: byPriority}, nil
}

func resolveThreadID(ctx context.Context, q store.Querier, threadID, replyToID *string) (string, error) {
	if replyToID != nil {
		parent, err := Get(ctx, q, *replyToID)
		if err != nil {
			return "", err
		}
		return parent.ThreadID, nil
	}
	if threadID != nil && *threadID != "" {
		return *threadID, nil
	}
	return ids.New(ids.Message), nil
}

func insert(ctx context.Context, q store.Querier, msg *model.Message) error {
	query, args, err := psql.Insert("messages").
		Columns("id", "sender_id", "recipient_id", "message_type", "subject", "body", "priority", "status",
			"thread_id", "reply_to_id", "workflow_id", "task_id", "created_at", "expires_at").
		Values(msg.ID, store.NullString(msg.SenderID), msg.RecipientID, msg.MessageType, msg.Subject, msg.Body,
			string(msg.Priority), string(msg.Status), msg.ThreadID, store.NullString(msg.ReplyToID),
			store.NullString(msg.WorkflowID), store.NullString(msg.TaskID), msg.CreatedAt, store.NullTime(msg.ExpiresAt)).
		ToSql()
	if err != nil {
		return errs.Internal("message: building insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.Internal("message: inserting", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*model.Message, error) {
	m, err := scanMessageRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("message not found")
		}
	}
	return m, err
}

func scanMessageRows(row rowScanner) (*model.Message, error) {
	var m model.Message
	var senderID, replyToID, workflowID, taskID sql.NullString
	var priority, status string
	var readAt, expiresAt sql.NullTime
	err := row.Scan(&m.ID, &senderID, &m.RecipientID, &m.MessageType, &m.Subject, &m.Body, &priority, &status,
		&m.ThreadID, &replyToID, &workflowID, &taskID, &m.CreatedAt, &readAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errs.Internal("message: scanning row", err)
	}
	m.Priority = model.MessagePriority(priority)
	m.Status = model.MessageStatus(status)
	m.SenderID = store.PtrString(senderID)
	m.ReplyToID = store.PtrString(replyToID)
	m.WorkflowID = store.PtrString(workflowID)
	m.TaskID = store.PtrString(taskID)
	m.ReadAt = store.PtrTime(readAt)
	m.ExpiresAt = store.PtrTime(expiresAt)
	return &m, nil
}
