package task_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/agent"
	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(t.Context(), &store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(t.Context()) })
	require.NoError(t, store.ApplyMigrations(t.Context(), s.DB()))
	return s
}

// seedWorkflow inserts a bare workflow row and two sequential tasks,
// `first` (sequence 1) and `second` (sequence 2, blocked on `first`).
func seedWorkflow(t *testing.T, s *store.Store) (workflowID, firstID, secondID string) {
	t.Helper()
	ctx := t.Context()
	workflowID = "wf_aaaaaaaaaaaa"
	firstID = "tk_aaaaaaaaaaaa"
	secondID = "tk_bbbbbbbbbbbb"
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO workflows (id, name, source_type, status, max_parallel_tasks, config, created_at, updated_at)
		 VALUES (?, 'w', 'inline', 'planning', 1, '{}', datetime('now'), datetime('now'))`, workflowID)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO tasks (id, workflow_id, name, description, status, sequence, context, created_at, updated_at)
		 VALUES (?, ?, 'first', '', 'pending', 1, '{}', datetime('now'), datetime('now'))`, firstID, workflowID)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO tasks (id, workflow_id, name, description, status, sequence, context, created_at, updated_at)
		 VALUES (?, ?, 'second', '', 'pending', 2, '{}', datetime('now'), datetime('now'))`, secondID, workflowID)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on_id, dependency_type, created_at)
		 VALUES (?, ?, 'blocks', datetime('now'))`, secondID, firstID)
	require.NoError(t, err)
	return workflowID, firstID, secondID
}

func TestIsBlocked(t *testing.T) {
	t.Run("Should report blocked while the predecessor is pending", func(t *testing.T) {
		s := newTestStore(t)
		_, _, secondID := seedWorkflow(t, s)
		blocked, err := task.IsBlocked(t.Context(), s.DB(), secondID)
		require.NoError(t, err)
		assert.True(t, blocked)
	})

	t.Run("Should report unblocked once the predecessor completes", func(t *testing.T) {
		s := newTestStore(t)
		_, firstID, secondID := seedWorkflow(t, s)
		_, err := task.UpdateStatus(t.Context(), s.DB(), firstID, model.TaskPlanning, task.UpdateStatusParams{})
		require.NoError(t, err)
		_, err = task.UpdateStatus(t.Context(), s.DB(), firstID, model.TaskInProgress, task.UpdateStatusParams{})
		require.NoError(t, err)
		outcome := "done"
		_, err = task.UpdateStatus(t.Context(), s.DB(), firstID, model.TaskCompleted, task.UpdateStatusParams{Outcome: &outcome})
		require.NoError(t, err)

		blocked, err := task.IsBlocked(t.Context(), s.DB(), secondID)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("Should keep blocking when the predecessor fails", func(t *testing.T) {
		s := newTestStore(t)
		_, firstID, secondID := seedWorkflow(t, s)
		_, err := task.UpdateStatus(t.Context(), s.DB(), firstID, model.TaskPlanning, task.UpdateStatusParams{})
		require.NoError(t, err)
		_, err = task.UpdateStatus(t.Context(), s.DB(), firstID, model.TaskInProgress, task.UpdateStatusParams{})
		require.NoError(t, err)
		reason := "boom"
		_, err = task.UpdateStatus(t.Context(), s.DB(), firstID, model.TaskFailed, task.UpdateStatusParams{Error: &reason})
		require.NoError(t, err)

		blocked, err := task.IsBlocked(t.Context(), s.DB(), secondID)
		require.NoError(t, err)
		assert.True(t, blocked)
	})
}

func TestService_UpdateStatus(t *testing.T) {
	t.Run("Should reject starting planning while blocked", func(t *testing.T) {
		s := newTestStore(t)
		svc := task.New(s)
		_, _, secondID := seedWorkflow(t, s)
		_, err := svc.UpdateStatus(t.Context(), secondID, model.TaskPlanning, task.UpdateStatusParams{})
		assert.True(t, errs.Is(err, errs.KindInvalidState))
	})

	t.Run("Should require an outcome to complete", func(t *testing.T) {
		s := newTestStore(t)
		svc := task.New(s)
		_, firstID, _ := seedWorkflow(t, s)
		_, err := svc.UpdateStatus(t.Context(), firstID, model.TaskCompleted, task.UpdateStatusParams{})
		assert.True(t, errs.Is(err, errs.KindValidation))
	})
}

func TestService_ClaimRelease(t *testing.T) {
	t.Run("Should claim atomically and update the agent", func(t *testing.T) {
		s := newTestStore(t)
		taskSvc := task.New(s)
		agentSvc := agent.New(s)
		_, firstID, _ := seedWorkflow(t, s)

		ag, err := agentSvc.Register(t.Context(), agent.RegisterParams{Name: "builder", Runtime: "claude-code"})
		require.NoError(t, err)

		result, err := taskSvc.Claim(t.Context(), firstID, ag.ID)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, ag.ID, *result.Task.AssignedAgentID)

		gotAgent, err := agentSvc.Get(t.Context(), ag.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AgentBusy, gotAgent.Status)
		assert.Equal(t, firstID, *gotAgent.CurrentTaskID)
	})

	t.Run("Should refuse a claim already held by another agent", func(t *testing.T) {
		s := newTestStore(t)
		taskSvc := task.New(s)
		agentSvc := agent.New(s)
		_, firstID, _ := seedWorkflow(t, s)

		a1, err := agentSvc.Register(t.Context(), agent.RegisterParams{Name: "a1", Runtime: "claude-code"})
		require.NoError(t, err)
		a2, err := agentSvc.Register(t.Context(), agent.RegisterParams{Name: "a2", Runtime: "claude-code"})
		require.NoError(t, err)

		_, err = taskSvc.Claim(t.Context(), firstID, a1.ID)
		require.NoError(t, err)

		result, err := taskSvc.Claim(t.Context(), firstID, a2.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		require.NotNil(t, result.AlreadyClaimedBy)
		assert.Equal(t, a1.ID, *result.AlreadyClaimedBy)
	})

	t.Run("Should release and return the agent to online", func(t *testing.T) {
		s := newTestStore(t)
		taskSvc := task.New(s)
		agentSvc := agent.New(s)
		_, firstID, _ := seedWorkflow(t, s)

		ag, err := agentSvc.Register(t.Context(), agent.RegisterParams{Name: "builder", Runtime: "claude-code"})
		require.NoError(t, err)
		_, err = taskSvc.Claim(t.Context(), firstID, ag.ID)
		require.NoError(t, err)

		require.NoError(t, taskSvc.Release(t.Context(), firstID, ag.ID, nil))

		got, err := taskSvc.Get(t.Context(), firstID, task.GetOptions{})
		require.NoError(t, err)
		assert.Nil(t, got.AssignedAgentID)

		gotAgent, err := agentSvc.Get(t.Context(), ag.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AgentOnline, gotAgent.Status)
	})
}

func TestService_GetAvailable(t *testing.T) {
	t.Run("Should exclude blocked and claimed tasks", func(t *testing.T) {
		s := newTestStore(t)
		taskSvc := task.New(s)
		_, firstID, _ := seedWorkflow(t, s)

		available, err := taskSvc.GetAvailable(t.Context(), task.AvailableFilter{})
		require.NoError(t, err)
		require.Len(t, available, 1)
		assert.Equal(t, firstID, available[0].ID)
	})
}
