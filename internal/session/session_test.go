package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/session"
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

func TestService_Register(t *testing.T) {
	t.Run("Should register a session with a generated id", func(t *testing.T) {
		s := newTestStore(t)
		svc := session.New(s)

		sess, err := svc.Register(t.Context(), session.RegisterParams{PID: 123, IsDaemon: true})
		require.NoError(t, err)
		assert.Regexp(t, `^ss_[0-9a-z]{12}$`, sess.ID)
		assert.Equal(t, 123, sess.PID)
		assert.True(t, sess.IsDaemon)
	})
}

func TestService_Deregister(t *testing.T) {
	t.Run("Should remove the session row", func(t *testing.T) {
		s := newTestStore(t)
		svc := session.New(s)
		sess, err := svc.Register(t.Context(), session.RegisterParams{PID: 1})
		require.NoError(t, err)

		require.NoError(t, svc.Deregister(t.Context(), sess.ID))

		_, err = svc.Get(t.Context(), sess.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})

	t.Run("Should error deregistering an unknown session", func(t *testing.T) {
		s := newTestStore(t)
		svc := session.New(s)
		err := svc.Deregister(t.Context(), "ss_doesnotexist1")
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})
}

func TestService_Heartbeat(t *testing.T) {
	t.Run("Should update last_heartbeat", func(t *testing.T) {
		s := newTestStore(t)
		svc := session.New(s)
		sess, err := svc.Register(t.Context(), session.RegisterParams{PID: 1})
		require.NoError(t, err)

		require.NoError(t, svc.Heartbeat(t.Context(), sess.ID))

		got, err := svc.Get(t.Context(), sess.ID)
		require.NoError(t, err)
		assert.True(t, !got.LastHeartbeat.Before(sess.LastHeartbeat))
	})
}

func TestService_Exists(t *testing.T) {
	t.Run("Should report true for a live session and false after deregister", func(t *testing.T) {
		s := newTestStore(t)
		svc := session.New(s)
		sess, err := svc.Register(t.Context(), session.RegisterParams{PID: 1})
		require.NoError(t, err)

		ok, err := svc.Exists(t.Context(), sess.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, svc.Deregister(t.Context(), sess.ID))

		ok, err = svc.Exists(t.Context(), sess.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
