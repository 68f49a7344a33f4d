package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	t.Run("Should open an in-memory database", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())

		assert.Equal(t, ":memory:", s.Path())
		require.NoError(t, s.HealthCheck(t.Context()))
	})

	t.Run("Should create parent directories for a file-backed database", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "dir", "workflows.db")
		s, err := NewStore(t.Context(), &Config{Path: dbPath})
		require.NoError(t, err)
		defer s.Close(t.Context())

		require.NoError(t, s.HealthCheck(t.Context()))
	})

	t.Run("Should reject a path that is a directory", func(t *testing.T) {
		_, err := NewStore(t.Context(), &Config{Path: t.TempDir()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is a directory")
	})

	t.Run("Should reject a nil config", func(t *testing.T) {
		_, err := NewStore(t.Context(), nil)
		require.Error(t, err)
	})

	t.Run("Should enforce foreign keys", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())
		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		_, err = s.DB().ExecContext(t.Context(),
			`INSERT INTO workspaces (id, workflow_id, path, branch, base_branch, status, created_at, updated_at)
			 VALUES ('ws_aaaaaaaaaaaa', 'wf_doesnotexist', '/tmp/x', 'b', 'main', 'active', '2024-01-01', '2024-01-01')`)
		require.Error(t, err)
	})
}

func TestStore_Transaction(t *testing.T) {
	t.Run("Should commit on success", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())
		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		err = s.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx,
				`INSERT INTO sessions (id, pid, is_daemon, last_heartbeat, created_at)
				 VALUES ('ss_aaaaaaaaaaaa', 1, 0, '2024-01-01', '2024-01-01')`)
			return execErr
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, s.DB().QueryRowContext(t.Context(), `SELECT count(*) FROM sessions`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("Should roll back on error", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())
		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		wantErr := errors.New("boom")
		err = s.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx,
				`INSERT INTO sessions (id, pid, is_daemon, last_heartbeat, created_at)
				 VALUES ('ss_bbbbbbbbbbbb', 1, 0, '2024-01-01', '2024-01-01')`)
			require.NoError(t, execErr)
			return wantErr
		})
		require.ErrorIs(t, err, wantErr)

		var count int
		require.NoError(t, s.DB().QueryRowContext(t.Context(), `SELECT count(*) FROM sessions`).Scan(&count))
		assert.Equal(t, 0, count)
	})

	t.Run("Should roll back and repanic on panic", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())
		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		assert.Panics(t, func() {
			_ = s.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx) error {
				panic("boom")
			})
		})
	})
}
