package message_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/agent"
	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/message"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(t.Context(), &store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(t.Context()) })
	require.NoError(t, store.ApplyMigrations(t.Context(), s.DB()))
	return s
}

func seedAgent(t *testing.T, s *store.Store, name string) string {
	t.Helper()
	ag, err := agent.New(s).Register(t.Context(), agent.RegisterParams{Name: name, Runtime: "test"})
	require.NoError(t, err)
	return ag.ID
}

func TestService_Send(t *testing.T) {
	t.Run("Should reject an unknown recipient", func(t *testing.T) {
		s := newTestStore(t)
		svc := message.New(s)
		_, err := svc.Send(t.Context(), message.SendParams{RecipientID: "ag_doesnotexist1", MessageType: "note", Body: "hi"})
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})

	t.Run("Should start a fresh thread when not replying", func(t *testing.T) {
		s := newTestStore(t)
		recipient := seedAgent(t, s, "recipient")
		svc := message.New(s)
		msg, err := svc.Send(t.Context(), message.SendParams{RecipientID: recipient, MessageType: "note", Body: "hi"})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ThreadID)
		assert.Equal(t, model.PriorityNormal, msg.Priority)
		assert.Equal(t, model.MessageUnread, msg.Status)
	})

	t.Run("Should inherit the parent's thread when replying", func(t *testing.T) {
		s := newTestStore(t)
		a := seedAgent(t, s, "a")
		b := seedAgent(t, s, "b")
		svc := message.New(s)
		first, err := svc.Send(t.Context(), message.SendParams{RecipientID: a, MessageType: "note", Body: "hi"})
		require.NoError(t, err)

		reply, err := svc.Send(t.Context(), message.SendParams{
			RecipientID: b, MessageType: "note", Body: "reply", ReplyToID: &first.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, first.ThreadID, reply.ThreadID)
	})
}

func TestService_Broadcast(t *testing.T) {
	t.Run("Should exclude the sender and share one thread", func(t *testing.T) {
		s := newTestStore(t)
		a := seedAgent(t, s, "a")
		b := seedAgent(t, s, "b")
		svc := message.New(s)

		msgs, err := svc.Broadcast(t.Context(), message.BroadcastParams{
			SenderID:        &a,
			RecipientFilter: message.RecipientFilter{Runtime: []string{"test"}},
			MessageType:     "announce", Body: "go",
		})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, b, msgs[0].RecipientID)
	})

	t.Run("Should send to nobody when the sender is the only match", func(t *testing.T) {
		s := newTestStore(t)
		a := seedAgent(t, s, "a")
		svc := message.New(s)

		msgs, err := svc.Broadcast(t.Context(), message.BroadcastParams{
			SenderID:        &a,
			RecipientFilter: message.RecipientFilter{Runtime: []string{"test"}},
			MessageType:     "announce", Body: "go",
		})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("Should send to nobody when an explicitly empty filter array matches nothing", func(t *testing.T) {
		s := newTestStore(t)
		a := seedAgent(t, s, "a")
		_ = seedAgent(t, s, "b")
		svc := message.New(s)

		msgs, err := svc.Broadcast(t.Context(), message.BroadcastParams{
			SenderID:        &a,
			RecipientFilter: message.RecipientFilter{Role: []model.AgentRole{}},
			MessageType:     "announce", Body: "go",
		})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestService_List(t *testing.T) {
	t.Run("Should match nothing for a non-nil empty status filter", func(t *testing.T) {
		s := newTestStore(t)
		recipient := seedAgent(t, s, "recipient")
		svc := message.New(s)
		_, err := svc.Send(t.Context(), message.SendParams{RecipientID: recipient, MessageType: "note", Body: "hi"})
		require.NoError(t, err)

		list, err := svc.List(t.Context(), message.ListFilter{Status: []model.MessageStatus{}})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestService_MarkReadAndArchive(t *testing.T) {
	t.Run("Should only transition currently-eligible rows and preserve read_at", func(t *testing.T) {
		s := newTestStore(t)
		recipient := seedAgent(t, s, "recipient")
		svc := message.New(s)
		msg, err := svc.Send(t.Context(), message.SendParams{RecipientID: recipient, MessageType: "note", Body: "hi"})
		require.NoError(t, err)

		count, err := svc.MarkRead(t.Context(), []string{msg.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		got, err := svc.Get(t.Context(), msg.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ReadAt)
		firstReadAt := *got.ReadAt

		count, err = svc.MarkRead(t.Context(), []string{msg.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)

		again, err := svc.Get(t.Context(), msg.ID)
		require.NoError(t, err)
		assert.Equal(t, firstReadAt, *again.ReadAt)
	})

	t.Run("Should archive exactly the non-archived rows requested", func(t *testing.T) {
		s := newTestStore(t)
		recipient := seedAgent(t, s, "recipient")
		svc := message.New(s)
		msg, err := svc.Send(t.Context(), message.SendParams{RecipientID: recipient, MessageType: "note", Body: "hi"})
		require.NoError(t, err)

		count, err := svc.Archive(t.Context(), []string{msg.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		count, err = svc.Archive(t.Context(), []string{msg.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)
	})
}

func TestService_CountUnread(t *testing.T) {
	t.Run("Should break unread counts down by priority", func(t *testing.T) {
		s := newTestStore(t)
		recipient := seedAgent(t, s, "recipient")
		svc := message.New(s)
		_, err := svc.Send(t.Context(), message.SendParams{RecipientID: recipient, MessageType: "note", Body: "a", Priority: model.PriorityHigh})
		require.NoError(t, err)
		_, err = svc.Send(t.Context(), message.SendParams{RecipientID: recipient, MessageType: "note", Body: "b", Priority: model.PriorityHigh})
		require.NoError(t, err)
		_, err = svc.Send(t.Context(), message.SendParams{RecipientID: recipient, MessageType: "note", Body: "c"})
		require.NoError(t, err)

		count, err := svc.CountUnread(t.Context(), recipient)
		require.NoError(t, err)
		assert.Equal(t, 3, count.Count)
		assert.Equal(t, 2, count.ByPriority[model.PriorityHigh])
		assert.Equal(t, 1, count.ByPriority[model.PriorityNormal])
	})
}
