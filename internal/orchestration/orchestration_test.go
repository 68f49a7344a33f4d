package orchestration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/orchestration"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/workflow"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(t.Context(), &store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(t.Context()) })
	require.NoError(t, store.ApplyMigrations(t.Context(), s.DB()))
	return s
}

func TestService_GetNextTasks(t *testing.T) {
	t.Run("Should surface only the unblocked head of a linear chain", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		orchSvc := orchestration.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)
		_, err = wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
		})
		require.NoError(t, err)

		result, err := orchSvc.GetNextTasks(t.Context(), wf.ID, orchestration.GetNextTasksParams{})
		require.NoError(t, err)
		require.Len(t, result.Tasks, 1)
		assert.Equal(t, "a", result.Tasks[0].Task.Name)
		assert.False(t, result.AllComplete)
		assert.Equal(t, 1, result.RecommendedCount)
	})

	t.Run("Should cap recommended count at max_parallel_tasks", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		orchSvc := orchestration.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline", MaxParallelTasks: 1})
		require.NoError(t, err)
		group := "g"
		_, err = wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "a", ParallelGroup: &group},
			{Name: "b", ParallelGroup: &group},
		})
		require.NoError(t, err)

		result, err := orchSvc.GetNextTasks(t.Context(), wf.ID, orchestration.GetNextTasksParams{})
		require.NoError(t, err)
		require.Len(t, result.Tasks, 2)
		assert.True(t, result.Tasks[0].CanParallelize)
		assert.Equal(t, 1, result.RecommendedCount)
	})
}

func TestService_GetProgress(t *testing.T) {
	t.Run("Should compute the completed frontier and blocked tasks", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		taskSvc := task.New(s)
		orchSvc := orchestration.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)
		_, err = wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
		})
		require.NoError(t, err)

		got, err := wfSvc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		var aID string
		for _, tk := range got.Tasks {
			if tk.Name == "a" {
				aID = tk.ID
			}
		}
		_, err = taskSvc.UpdateStatus(t.Context(), aID, model.TaskPlanning, task.UpdateStatusParams{})
		require.NoError(t, err)
		_, err = taskSvc.UpdateStatus(t.Context(), aID, model.TaskInProgress, task.UpdateStatusParams{})
		require.NoError(t, err)
		outcome := "done"
		_, err = taskSvc.UpdateStatus(t.Context(), aID, model.TaskCompleted, task.UpdateStatusParams{Outcome: &outcome})
		require.NoError(t, err)

		progress, err := orchSvc.GetProgress(t.Context(), wf.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, progress.TotalTasks)
		assert.Equal(t, 1, progress.CompletedSequence)
		assert.Equal(t, 2, progress.CurrentSequence)
		assert.Empty(t, progress.BlockedTasks)
	})

	t.Run("Should report sequence zero once every task is terminal", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		taskSvc := task.New(s)
		orchSvc := orchestration.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)
		_, err = wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{{Name: "a"}})
		require.NoError(t, err)

		got, err := wfSvc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		aID := got.Tasks[0].ID

		_, err = taskSvc.UpdateStatus(t.Context(), aID, model.TaskPlanning, task.UpdateStatusParams{})
		require.NoError(t, err)
		_, err = taskSvc.UpdateStatus(t.Context(), aID, model.TaskInProgress, task.UpdateStatusParams{})
		require.NoError(t, err)
		outcome := "done"
		_, err = taskSvc.UpdateStatus(t.Context(), aID, model.TaskCompleted, task.UpdateStatusParams{Outcome: &outcome})
		require.NoError(t, err)

		progress, err := orchSvc.GetProgress(t.Context(), wf.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, progress.CompletedSequence)
		assert.Equal(t, 0, progress.CurrentSequence)
	})
}

func TestService_CheckDependencies(t *testing.T) {
	t.Run("Should split predecessors into pending and completed", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		orchSvc := orchestration.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)
		_, err = wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
		})
		require.NoError(t, err)

		got, err := wfSvc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		var bID string
		for _, tk := range got.Tasks {
			if tk.Name == "b" {
				bID = tk.ID
			}
		}

		check, err := orchSvc.CheckDependencies(t.Context(), bID)
		require.NoError(t, err)
		assert.False(t, check.Satisfied)
		assert.Equal(t, []string{"a"}, check.Pending)
		assert.Empty(t, check.Completed)
	})
}
