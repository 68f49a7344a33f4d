package orchestration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/agent"
	"github.com/cawhq/caw/internal/lock"
	"github.com/cawhq/caw/internal/message"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/orchestration"
	"github.com/cawhq/caw/internal/session"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/workflow"
)

// TestScenarios exercises the spec's six literal end-to-end scenarios
// against a single real store, one subtest per scenario.
func TestScenarios(t *testing.T) {
	t.Run("S1 linear workflow drains one task at a time", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		taskSvc := task.New(s)
		orchSvc := orchestration.New(s)
		agentSvc := agent.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "L", SourceType: "issue"})
		require.NoError(t, err)

		planResult, err := wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "A"},
			{Name: "B", DependsOn: []string{"A"}},
			{Name: "C", DependsOn: []string{"B"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, planResult.TasksCreated)
		assert.Equal(t, model.WorkflowReady, planResult.Status)

		_, err = wfSvc.UpdateStatus(t.Context(), wf.ID, model.WorkflowInProgress, nil)
		require.NoError(t, err)

		ag, err := agentSvc.Register(t.Context(), agent.RegisterParams{Name: "G", Runtime: "test"})
		require.NoError(t, err)

		for _, name := range []string{"A", "B", "C"} {
			next, err := orchSvc.GetNextTasks(t.Context(), wf.ID, orchestration.GetNextTasksParams{})
			require.NoError(t, err)
			require.Len(t, next.Tasks, 1)
			assert.Equal(t, name, next.Tasks[0].Task.Name)

			taskID := next.Tasks[0].Task.ID
			claim, err := taskSvc.Claim(t.Context(), taskID, ag.ID)
			require.NoError(t, err)
			require.True(t, claim.Success)

			_, err = taskSvc.UpdateStatus(t.Context(), taskID, model.TaskPlanning, task.UpdateStatusParams{})
			require.NoError(t, err)
			_, err = taskSvc.UpdateStatus(t.Context(), taskID, model.TaskInProgress, task.UpdateStatusParams{})
			require.NoError(t, err)
			outcome := "ok"
			_, err = taskSvc.UpdateStatus(t.Context(), taskID, model.TaskCompleted, task.UpdateStatusParams{Outcome: &outcome})
			require.NoError(t, err)
		}

		final, err := orchSvc.GetNextTasks(t.Context(), wf.ID, orchestration.GetNextTasksParams{})
		require.NoError(t, err)
		assert.Empty(t, final.Tasks)
		assert.True(t, final.AllComplete)
	})

	t.Run("S2 parallel group with cap recommends the configured count", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		orchSvc := orchestration.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{
			Name: "batch", SourceType: "inline", MaxParallelTasks: 2,
		})
		require.NoError(t, err)

		group := "batch"
		plan := make([]model.PlanTask, 4)
		for i := range plan {
			plan[i] = model.PlanTask{Name: taskName(i), ParallelGroup: &group}
		}
		_, err = wfSvc.SetPlan(t.Context(), wf.ID, plan)
		require.NoError(t, err)

		next, err := orchSvc.GetNextTasks(t.Context(), wf.ID, orchestration.GetNextTasksParams{})
		require.NoError(t, err)
		require.Len(t, next.Tasks, 4)
		assert.Equal(t, 2, next.RecommendedCount)
		assert.Equal(t, 2, next.MaxParallel)
		for _, nt := range next.Tasks {
			assert.Len(t, nt.ParallelWith, 3)
		}
	})

	t.Run("S3 replan preserves completed tasks", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		taskSvc := task.New(s)
		orchSvc := orchestration.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "r", SourceType: "inline"})
		require.NoError(t, err)

		_, err = wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "Task 1"},
			{Name: "Task 2", DependsOn: []string{"Task 1"}},
			{Name: "Task 3", DependsOn: []string{"Task 2"}},
			{Name: "Task 4", DependsOn: []string{"Task 3"}},
		})
		require.NoError(t, err)

		wfDetail, err := wfSvc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		byName := map[string]string{}
		for _, tk := range wfDetail.Tasks {
			byName[tk.Name] = tk.ID
		}

		outcome := "ok"
		for _, name := range []string{"Task 1", "Task 2"} {
			_, err = taskSvc.UpdateStatus(t.Context(), byName[name], model.TaskCompleted, task.UpdateStatusParams{Outcome: &outcome})
			require.NoError(t, err)
		}

		result, err := wfSvc.Replan(t.Context(), wf.ID, workflow.ReplanParams{
			Reason: "scope change",
			NewTasks: []model.PlanTask{
				{Name: "X", DependsOn: []string{"Task 1"}},
				{Name: "Y", DependsOn: []string{"Task 2", "X"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, result.TasksPreserved)
		assert.Equal(t, 2, result.TasksRemoved)
		assert.Equal(t, 2, result.TasksAdded)

		next, err := orchSvc.GetNextTasks(t.Context(), wf.ID, orchestration.GetNextTasksParams{})
		require.NoError(t, err)
		require.Len(t, next.Tasks, 1)
		assert.Equal(t, "X", next.Tasks[0].Task.Name)
	})

	t.Run("S4 lock takeover after the holder deregisters", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)
		sessionSvc := session.New(s)
		lockSvc := lock.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "w", SourceType: "inline"})
		require.NoError(t, err)

		sess1, err := sessionSvc.Register(t.Context(), session.RegisterParams{PID: 1})
		require.NoError(t, err)
		sess2, err := sessionSvc.Register(t.Context(), session.RegisterParams{PID: 2})
		require.NoError(t, err)

		result1, err := lockSvc.Lock(t.Context(), wf.ID, sess1.ID)
		require.NoError(t, err)
		assert.True(t, result1.Acquired)

		result2, err := lockSvc.Lock(t.Context(), wf.ID, sess2.ID)
		require.NoError(t, err)
		assert.False(t, result2.Acquired)
		require.NotNil(t, result2.HeldBySessionID)
		assert.Equal(t, sess1.ID, *result2.HeldBySessionID)

		require.NoError(t, sessionSvc.Deregister(t.Context(), sess1.ID))

		result3, err := lockSvc.Lock(t.Context(), wf.ID, sess2.ID)
		require.NoError(t, err)
		assert.True(t, result3.Acquired)
		assert.True(t, result3.TookOver)
	})

	t.Run("S5 broadcast shares one thread and excludes the sender", func(t *testing.T) {
		s := newTestStore(t)
		agentSvc := agent.New(s)
		msgSvc := message.New(s)

		sender, err := agentSvc.Register(t.Context(), agent.RegisterParams{Name: "sender", Runtime: "test"})
		require.NoError(t, err)
		_, err = agentSvc.Register(t.Context(), agent.RegisterParams{Name: "a", Runtime: "test"})
		require.NoError(t, err)
		_, err = agentSvc.Register(t.Context(), agent.RegisterParams{Name: "b", Runtime: "test"})
		require.NoError(t, err)

		senderID := sender.ID
		msgs, err := msgSvc.Broadcast(t.Context(), message.BroadcastParams{
			SenderID:        &senderID,
			RecipientFilter: message.RecipientFilter{Runtime: []string{"test"}},
			MessageType:     "status",
			Subject:         "update",
			Body:            "rolling out",
		})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, msgs[0].ThreadID, msgs[1].ThreadID)
		assert.NotEmpty(t, msgs[0].ThreadID)
	})

	t.Run("S6 removing a middle task rewires its neighbors", func(t *testing.T) {
		s := newTestStore(t)
		wfSvc := workflow.New(s)

		wf, err := wfSvc.Create(t.Context(), workflow.CreateParams{Name: "chain", SourceType: "inline"})
		require.NoError(t, err)

		_, err = wfSvc.SetPlan(t.Context(), wf.ID, []model.PlanTask{
			{Name: "A"},
			{Name: "B", DependsOn: []string{"A"}},
			{Name: "C", DependsOn: []string{"B"}},
		})
		require.NoError(t, err)

		wfDetail, err := wfSvc.Get(t.Context(), wf.ID, workflow.GetOptions{IncludeTasks: true})
		require.NoError(t, err)
		var taskA, taskB, taskC string
		for _, tk := range wfDetail.Tasks {
			switch tk.Name {
			case "A":
				taskA = tk.ID
			case "B":
				taskB = tk.ID
			case "C":
				taskC = tk.ID
			}
		}
		require.NotEmpty(t, taskA)
		require.NotEmpty(t, taskB)
		require.NotEmpty(t, taskC)

		taskSvc := task.New(s)
		removeResult, err := wfSvc.RemoveTask(t.Context(), wf.ID, taskB)
		require.NoError(t, err)
		assert.Equal(t, 1, removeResult.DependenciesRewired)

		deps, err := taskSvc.GetDependencies(t.Context(), taskC)
		require.NoError(t, err)
		require.Len(t, deps.Dependencies, 1)
		assert.Equal(t, taskA, deps.Dependencies[0].DependsOnID)
	})
}

func taskName(i int) string {
	return []string{"T0", "T1", "T2", "T3"}[i]
}
