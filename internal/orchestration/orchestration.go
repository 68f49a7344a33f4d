// Package orchestration implements the pull-based scheduler surface
// agents poll (spec §4.5): which tasks are eligible to claim right
// now, how far a workflow has progressed, and whether a task's
// dependencies are actually satisfied.
package orchestration

import (
	"context"
	"sort"

	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/transitions"
	"github.com/cawhq/caw/internal/workflow"
)

// Service is the top-level entry point used by the HTTP adapter and CLI.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// GetNextTasksParams widens the eligibility window beyond plain pending
// tasks.
type GetNextTasksParams struct {
	IncludeFailed bool
	IncludePaused bool
}

// NextTask enriches a candidate task with scheduling metadata.
type NextTask struct {
	Task           *model.Task
	CanParallelize bool
	ParallelWith   []string
}

// GetNextTasksResult is the return shape of GetNextTasks.
type GetNextTasksResult struct {
	Tasks            []*NextTask
	MaxParallel      int
	RecommendedCount int
	WorkflowStatus   model.WorkflowStatus
	AllComplete      bool
}

func (s *Service) GetNextTasks(ctx context.Context, workflowID string, params GetNextTasksParams) (*GetNextTasksResult, error) {
	return GetNextTasks(ctx, s.store.DB(), workflowID, params)
}

// ProgressBlockedTask names a blocked task and the still-blocking
// predecessor names that account for it.
type ProgressBlockedTask struct {
	Task       *model.Task
	BlockedBy  []string
}

// ParallelGroupStats summarizes one named parallel_group.
type ParallelGroupStats struct {
	Name      string
	Total     int
	Completed int
}

// Progress is the return shape of GetProgress.
type Progress struct {
	TotalTasks         int
	ByStatus           map[model.TaskStatus]int
	CompletedSequence  int
	CurrentSequence    int
	BlockedTasks       []*ProgressBlockedTask
	ParallelGroups     []*ParallelGroupStats
	EstimatedRemaining int
}

func (s *Service) GetProgress(ctx context.Context, workflowID string) (*Progress, error) {
	return GetProgress(ctx, s.store.DB(), workflowID)
}

// DependencyCheck is the return shape of CheckDependencies.
type DependencyCheck struct {
	Satisfied bool
	Pending   []string
	Completed []string
}

func (s *Service) CheckDependencies(ctx context.Context, taskID string) (*DependencyCheck, error) {
	return CheckDependencies(ctx, s.store.DB(), taskID)
}

// GetNextTasks returns the tasks an agent may claim right now: pending
// (plus, optionally, failed/paused tasks being retried) and unblocked,
// enriched with parallel-group membership (spec §4.5).
func GetNextTasks(ctx context.Context, q store.Querier, workflowID string, params GetNextTasksParams) (*GetNextTasksResult, error) {
	wf, err := workflow.Get(ctx, q, workflowID, workflow.GetOptions{})
	if err != nil {
		return nil, err
	}
	tasks, err := task.ByWorkflow(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}

	candidateStatuses := map[model.TaskStatus]bool{model.TaskPending: true}
	if params.IncludeFailed {
		candidateStatuses[model.TaskFailed] = true
	}
	if params.IncludePaused {
		candidateStatuses[model.TaskPaused] = true
	}

	var candidates []*model.Task
	for _, t := range tasks {
		if !candidateStatuses[t.Status] || t.AssignedAgentID != nil {
			continue
		}
		blocked, err := task.IsBlocked(ctx, q, t.ID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			candidates = append(candidates, t)
		}
	}

	groupMembers := make(map[string][]string)
	for _, t := range candidates {
		if t.ParallelGroup != nil {
			groupMembers[*t.ParallelGroup] = append(groupMembers[*t.ParallelGroup], t.ID)
		}
	}

	next := make([]*NextTask, 0, len(candidates))
	for _, t := range candidates {
		nt := &NextTask{Task: t}
		if t.ParallelGroup != nil {
			members := groupMembers[*t.ParallelGroup]
			nt.CanParallelize = len(members) > 1
			for _, id := range members {
				if id != t.ID {
					nt.ParallelWith = append(nt.ParallelWith, id)
				}
			}
		}
		next = append(next, nt)
	}

	recommended := len(candidates)
	if recommended > wf.MaxParallelTasks {
		recommended = wf.MaxParallelTasks
	}

	allComplete := true
	for _, t := range tasks {
		if !transitions.TaskTerminal(t.Status) {
			allComplete = false
			break
		}
	}

	return &GetNextTasksResult{
		Tasks:            next,
		MaxParallel:      wf.MaxParallelTasks,
		RecommendedCount: recommended,
		WorkflowStatus:   wf.Status,
		AllComplete:      allComplete,
	}, nil
}

// GetProgress summarizes a workflow's task graph progress: status
// tally, the completed frontier (highest sequence N such that every
// task at sequence <= N is terminal), currently blocked tasks with
// their blocking predecessor names, and per parallel_group stats.
func GetProgress(ctx context.Context, q store.Querier, workflowID string) (*Progress, error) {
	tasks, err := task.ByWorkflow(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Sequence < tasks[j].Sequence })

	byStatus := make(map[model.TaskStatus]int)
	for _, t := range tasks {
		byStatus[t.Status]++
	}

	completedSeq := 0
	for _, t := range tasks {
		if t.Sequence != completedSeq+1 {
			break
		}
		if !transitions.TaskTerminal(t.Status) {
			break
		}
		completedSeq = t.Sequence
	}
	var currentSeq int
	if completedSeq == len(tasks) {
		currentSeq = 0
	} else {
		currentSeq = completedSeq + 1
		if currentSeq > len(tasks) {
			currentSeq = len(tasks)
		}
	}

	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var blocked []*ProgressBlockedTask
	for _, t := range tasks {
		if transitions.TaskTerminal(t.Status) {
			continue
		}
		deps, err := task.GetDependencies(ctx, q, t.ID)
		if err != nil {
			return nil, err
		}
		var blockedBy []string
		for _, e := range deps.Dependencies {
			if e.DependencyType != model.DependencyBlocks {
				continue
			}
			pred, ok := byID[e.DependsOnID]
			if !ok {
				continue
			}
			if transitions.TaskBlocking(pred.Status) {
				blockedBy = append(blockedBy, pred.Name)
			}
		}
		if len(blockedBy) > 0 {
			blocked = append(blocked, &ProgressBlockedTask{Task: t, BlockedBy: blockedBy})
		}
	}

	groupOrder := make([]string, 0)
	groups := make(map[string]*ParallelGroupStats)
	for _, t := range tasks {
		if t.ParallelGroup == nil {
			continue
		}
		g, ok := groups[*t.ParallelGroup]
		if !ok {
			g = &ParallelGroupStats{Name: *t.ParallelGroup}
			groups[*t.ParallelGroup] = g
			groupOrder = append(groupOrder, *t.ParallelGroup)
		}
		g.Total++
		if transitions.TaskTerminal(t.Status) {
			g.Completed++
		}
	}
	groupStats := make([]*ParallelGroupStats, 0, len(groupOrder))
	for _, name := range groupOrder {
		groupStats = append(groupStats, groups[name])
	}

	terminalCount := 0
	for _, t := range tasks {
		if transitions.TaskTerminal(t.Status) {
			terminalCount++
		}
	}

	return &Progress{
		TotalTasks:         len(tasks),
		ByStatus:           byStatus,
		CompletedSequence:  completedSeq,
		CurrentSequence:    currentSeq,
		BlockedTasks:       blocked,
		ParallelGroups:     groupStats,
		EstimatedRemaining: len(tasks) - terminalCount,
	}, nil
}

// CheckDependencies reports whether a task's `blocks` predecessors are
// all satisfied, splitting them into pending (still blocking) and
// completed (terminal) names.
func CheckDependencies(ctx context.Context, q store.Querier, taskID string) (*DependencyCheck, error) {
	deps, err := task.GetDependencies(ctx, q, taskID)
	if err != nil {
		return nil, err
	}

	var pending, completed []string
	satisfied := true
	for _, e := range deps.Dependencies {
		if e.DependencyType != model.DependencyBlocks {
			continue
		}
		pred, err := task.Get(ctx, q, e.DependsOnID, task.GetOptions{})
		if err != nil {
			return nil, err
		}
		if transitions.TaskBlocking(pred.Status) {
			satisfied = false
			pending = append(pending, pred.Name)
		} else {
			completed = append(completed, pred.Name)
		}
	}

	return &DependencyCheck{Satisfied: satisfied, Pending: pending, Completed: completed}, nil
}
