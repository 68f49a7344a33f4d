package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrations(t *testing.T) {
	t.Run("Should create every table the domain model needs", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())

		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		wantTables := []string{
			"workflows", "tasks", "task_dependencies", "checkpoints",
			"agents", "sessions", "workspaces", "messages",
			"templates", "repositories", "workflow_repositories",
		}
		for _, table := range wantTables {
			var name string
			err := s.DB().QueryRowContext(t.Context(),
				`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
			require.NoErrorf(t, err, "expected table %q to exist", table)
			assert.Equal(t, table, name)
		}
	})

	t.Run("Should be idempotent across repeated applies", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())

		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))
		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		version, err := MigrationStatus(t.Context(), s.DB())
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
	})

	t.Run("Should roll back the last migration", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())

		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))
		require.NoError(t, RollbackMigration(t.Context(), s.DB()))

		var count int
		err = s.DB().QueryRowContext(t.Context(),
			`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'workflows'`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("Should enforce the dependency type check constraint", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())
		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		seedWorkflowAndTasks(t, s)

		_, err = s.DB().ExecContext(t.Context(),
			`INSERT INTO task_dependencies (task_id, depends_on_id, dependency_type, created_at)
			 VALUES ('tk_aaaaaaaaaaaa', 'tk_bbbbbbbbbbbb', 'bogus', '2024-01-01')`)
		require.Error(t, err)
	})

	t.Run("Should reject a self-referential dependency", func(t *testing.T) {
		s, err := NewStore(t.Context(), &Config{Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close(t.Context())
		require.NoError(t, ApplyMigrations(t.Context(), s.DB()))

		seedWorkflowAndTasks(t, s)

		_, err = s.DB().ExecContext(t.Context(),
			`INSERT INTO task_dependencies (task_id, depends_on_id, dependency_type, created_at)
			 VALUES ('tk_aaaaaaaaaaaa', 'tk_aaaaaaaaaaaa', 'blocks', '2024-01-01')`)
		require.Error(t, err)
	})
}

func seedWorkflowAndTasks(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.DB().ExecContext(t.Context(),
		`INSERT INTO workflows (id, name, source_type, status, config, created_at, updated_at)
		 VALUES ('wf_aaaaaaaaaaaa', 'w', 'text', 'planning', '{}', '2024-01-01', '2024-01-01')`)
	require.NoError(t, err)
	for i, id := range []string{"tk_aaaaaaaaaaaa", "tk_bbbbbbbbbbbb"} {
		_, err := s.DB().ExecContext(t.Context(),
			`INSERT INTO tasks (id, workflow_id, name, status, sequence, context, created_at, updated_at)
			 VALUES (?, 'wf_aaaaaaaaaaaa', ?, 'pending', ?, '{}', '2024-01-01', '2024-01-01')`,
			id, id, i+1)
		require.NoError(t, err)
	}
}
