package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/model"
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

func TestService_Create(t *testing.T) {
	t.Run("Should register and join repository paths idempotently", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)

		wf, err := svc.Create(t.Context(), workflow.CreateParams{
			Name:            "deploy",
			SourceType:      "inline",
			RepositoryPaths: []string{"/repo/a", "/repo/a", "/repo/b"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.WorkflowPlanning, wf.Status)
		assert.Equal(t, 1, wf.MaxParallelTasks)
		require.Len(t, wf.Repositories, 2)
	})

	t.Run("Should reject a missing name", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		_, err := svc.Create(t.Context(), workflow.CreateParams{SourceType: "inline"})
		assert.True(t, errs.Is(err, errs.KindValidation))
	})
}

func TestService_SetPlan(t *testing.T) {
	t.Run("Should insert a linear chain and transition to ready", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)

		result, err := svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "design"},
			{Name: "build", DependsOn: []string{"design"}},
			{Name: "ship", DependsOn: []string{"build"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, result.TasksCreated)
		assert.Equal(t, model.WorkflowReady, result.Status)

		got, err := svc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		require.Len(t, got.Tasks, 3)
		assert.Equal(t, model.WorkflowReady, got.Status)

		taskSvc := task.New(s)
		blocked, err := taskSvc.IsBlocked(t.Context(), got.Tasks[1].ID)
		require.NoError(t, err)
		assert.True(t, blocked)
	})

	t.Run("Should count distinct parallel groups", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)

		groupA := "a"
		result, err := svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "t1", ParallelGroup: &groupA},
			{Name: "t2", ParallelGroup: &groupA},
			{Name: "t3"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ParallelizableGroups)
	})

	t.Run("Should reject duplicate names and self-dependencies", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)

		_, err = svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{{Name: "t1"}, {Name: "t1"}})
		assert.True(t, errs.Is(err, errs.KindValidation))

		_, err = svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{{Name: "t1", DependsOn: []string{"t1"}}})
		assert.True(t, errs.Is(err, errs.KindValidation))
	})

	t.Run("Should transition to ready with zero tasks for an empty plan", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)

		result, err := svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.TasksCreated)
		assert.Equal(t, model.WorkflowReady, result.Status)
	})
}

func TestService_RemoveTask(t *testing.T) {
	t.Run("Should rewire predecessor to successor and renumber sequences", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)
		_, err = svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
			{Name: "c", DependsOn: []string{"b"}},
		})
		require.NoError(t, err)

		got, err := svc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		var aID, bID, cID string
		for _, tk := range got.Tasks {
			switch tk.Name {
			case "a":
				aID = tk.ID
			case "b":
				bID = tk.ID
			case "c":
				cID = tk.ID
			}
		}

		result, err := svc.RemoveTask(t.Context(), wf.ID, bID)
		require.NoError(t, err)
		assert.Equal(t, bID, result.RemovedTaskID)
		assert.Equal(t, 1, result.DependenciesRewired)
		assert.Equal(t, 1, result.TasksRenumbered)

		taskSvc := task.New(s)
		deps, err := taskSvc.GetDependencies(t.Context(), cID)
		require.NoError(t, err)
		require.Len(t, deps.Dependencies, 1)
		assert.Equal(t, aID, deps.Dependencies[0].DependsOnID)
	})
}

func TestService_Replan(t *testing.T) {
	t.Run("Should preserve completed tasks and insert new ones after them", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		taskSvc := task.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)
		_, err = svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
		})
		require.NoError(t, err)

		got, err := svc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
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

		result, err := svc.Replan(t.Context(), wf.ID, workflow.ReplanParams{
			Reason:   "scope changed",
			NewTasks: []model.PlanTask{{Name: "c", DependsOn: []string{"a"}}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.TasksAdded)
		assert.Equal(t, 1, result.TasksRemoved)
		assert.Equal(t, 1, result.TasksPreserved)

		final, err := svc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		require.Len(t, final.Tasks, 2)
		names := map[string]bool{}
		for _, tk := range final.Tasks {
			names[tk.Name] = true
		}
		assert.True(t, names["a"])
		assert.True(t, names["c"])
		assert.False(t, names["b"])
	})

	t.Run("Should preserve an unclaimed failed task, not just in-progress or terminal ones", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)
		_, err = svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
		})
		require.NoError(t, err)

		got, err := svc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		var aID string
		for _, tk := range got.Tasks {
			if tk.Name == "a" {
				aID = tk.ID
			}
		}
		// "a" never got claimed, so assigned_agent_id stays NULL; only its
		// status is pushed straight to failed to exercise the unclaimed
		// non-removable-status case isPreserved must still keep.
		_, err = s.DB().ExecContext(t.Context(), `UPDATE tasks SET status='failed' WHERE id=?`, aID)
		require.NoError(t, err)

		result, err := svc.Replan(t.Context(), wf.ID, workflow.ReplanParams{
			Reason:   "scope changed",
			NewTasks: []model.PlanTask{{Name: "c", DependsOn: []string{"a"}}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.TasksPreserved)

		final, err := svc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		names := map[string]bool{}
		for _, tk := range final.Tasks {
			names[tk.Name] = true
		}
		assert.True(t, names["a"])
	})
}

func TestService_RemoveRepository(t *testing.T) {
	t.Run("Should refuse removal while a task still references it", func(t *testing.T) {
		s := newTestStore(t)
		svc := workflow.New(s)
		wf, err := svc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline", RepositoryPaths: []string{"/repo/a"}})
		require.NoError(t, err)
		repos, err := svc.ListRepositories(t.Context(), wf.ID)
		require.NoError(t, err)
		require.Len(t, repos, 1)

		_, err = s.DB().ExecContext(t.Context(),
			`UPDATE workflows SET status='planning' WHERE id=?`, wf.ID)
		require.NoError(t, err)
		_, err = svc.SetPlan(t.Context(), wf.ID, []model.PlanTask{{Name: "a"}})
		require.NoError(t, err)
		got, err := svc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		_, err = s.DB().ExecContext(t.Context(), `UPDATE tasks SET repository_id=? WHERE id=?`, repos[0].ID, got.Tasks[0].ID)
		require.NoError(t, err)

		err = svc.RemoveRepository(t.Context(), wf.ID, repos[0].ID)
		assert.True(t, errs.Is(err, errs.KindConflict))
	})
}
