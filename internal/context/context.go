// Package ctxloader assembles the token-bounded context bundle an
// agent receives when it opens a task (spec §4.11): the owning
// workflow, the task itself with its checkpoints, completed prior
// tasks, parallel-group siblings, and satisfied dependency outcomes.
package ctxloader

import (
	"context"
	"encoding/json"
	"math"

	"github.com/cawhq/caw/internal/checkpoint"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/workflow"
)

const (
	defaultMaxTokens      = 8000
	recentCheckpointCount = 5
	sourceSummaryLimit    = 500
	truncationMarker      = "... [truncated]"
)

// IncludeOptions selects which sections Load assembles. A nil
// *IncludeOptions in LoadParams means "include everything".
type IncludeOptions struct {
	Workflow       bool
	CurrentTask    bool
	PriorTasks     bool
	Siblings       bool
	Dependencies   bool
	AllCheckpoints bool
}

func defaultInclude() IncludeOptions {
	return IncludeOptions{Workflow: true, CurrentTask: true, PriorTasks: true, Siblings: true, Dependencies: true}
}

// LoadParams are the inputs to Load.
type LoadParams struct {
	MaxTokens int
	Include   *IncludeOptions
}

// WorkflowSection is the `workflow` bundle section.
type WorkflowSection struct {
	ID            string
	Name          string
	Status        model.WorkflowStatus
	SourceSummary string
	PlanSummary   string
}

// CurrentTaskSection is the `current_task` bundle section.
type CurrentTaskSection struct {
	Task        *model.Task
	Checkpoints []*model.Checkpoint
}

// PriorTaskSection is one entry of the `prior_tasks` bundle section.
type PriorTaskSection struct {
	ID      string
	Name    string
	Outcome *string
}

// DependencyOutcome is one entry of the `dependency_outcomes` bundle section.
type DependencyOutcome struct {
	TaskID  string
	Name    string
	Outcome *string
}

// Bundle is the return shape of Load.
type Bundle struct {
	Workflow           *WorkflowSection
	CurrentTask        *CurrentTaskSection
	PriorTasks         []*PriorTaskSection
	SiblingTasks       []*model.Task
	DependencyOutcomes []*DependencyOutcome
	TokenEstimate      int
}

// Service is the top-level entry point used by the HTTP adapter and CLI.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Load(ctx context.Context, taskID string, params LoadParams) (*Bundle, error) {
	return Load(ctx, s.store.DB(), taskID, params)
}

// Load assembles the context bundle for taskID. When the assembled
// estimate exceeds max_tokens (default 8000), older checkpoints have
// their detail stripped and the workflow's source summary is
// truncated before the estimate is recomputed.
func Load(ctx context.Context, q store.Querier, taskID string, params LoadParams) (*Bundle, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	include := defaultInclude()
	if params.Include != nil {
		include = *params.Include
	}

	current, err := task.Get(ctx, q, taskID, task.GetOptions{})
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{}

	var wf *model.Workflow
	if include.Workflow || include.PriorTasks || include.Siblings {
		wf, err = workflow.Get(ctx, q, current.WorkflowID, workflow.GetOptions{})
		if err != nil {
			return nil, err
		}
	}
	if include.Workflow && wf != nil {
		sourceSummary := ""
		if wf.SourceContent != nil {
			sourceSummary = *wf.SourceContent
		}
		bundle.Workflow = &WorkflowSection{
			ID:            wf.ID,
			Name:          wf.Name,
			Status:        wf.Status,
			SourceSummary: sourceSummary,
			PlanSummary:   derefOrEmpty(wf.PlanSummary),
		}
	}

	if include.CurrentTask {
		checkpoints, err := checkpoint.List(ctx, q, taskID, checkpoint.ListFilter{})
		if err != nil {
			return nil, err
		}
		bundle.CurrentTask = &CurrentTaskSection{Task: current, Checkpoints: checkpoints}
	}

	if include.PriorTasks || include.Siblings {
		siblings, err := task.ByWorkflow(ctx, q, current.WorkflowID)
		if err != nil {
			return nil, err
		}
		for _, t := range siblings {
			if t.ID == current.ID {
				continue
			}
			if include.PriorTasks && (t.Status == model.TaskCompleted || t.Status == model.TaskSkipped) {
				bundle.PriorTasks = append(bundle.PriorTasks, &PriorTaskSection{ID: t.ID, Name: t.Name, Outcome: t.Outcome})
			}
			if include.Siblings && current.ParallelGroup != nil && t.ParallelGroup != nil && *t.ParallelGroup == *current.ParallelGroup {
				bundle.SiblingTasks = append(bundle.SiblingTasks, t)
			}
		}
	}

	if include.Dependencies {
		deps, err := task.GetDependencies(ctx, q, taskID)
		if err != nil {
			return nil, err
		}
		for _, e := range deps.Dependencies {
			if e.DependencyType != model.DependencyBlocks {
				continue
			}
			pred, err := task.Get(ctx, q, e.DependsOnID, task.GetOptions{})
			if err != nil {
				return nil, err
			}
			if pred.Status == model.TaskCompleted || pred.Status == model.TaskSkipped {
				bundle.DependencyOutcomes = append(bundle.DependencyOutcomes, &DependencyOutcome{
					TaskID: pred.ID, Name: pred.Name, Outcome: pred.Outcome,
				})
			}
		}
	}

	bundle.TokenEstimate = estimateTokens(bundle)
	if bundle.TokenEstimate > maxTokens {
		compress(bundle, include.AllCheckpoints)
		bundle.TokenEstimate = estimateTokens(bundle)
	}
	return bundle, nil
}

// compress applies the two compression rules spec §4.11 defines:
// strip the detail of all but the most recent checkpoints, and
// truncate the workflow's source summary.
func compress(bundle *Bundle, allCheckpoints bool) {
	if bundle.CurrentTask != nil && !allCheckpoints {
		cps := bundle.CurrentTask.Checkpoints
		if len(cps) > recentCheckpointCount {
			for _, cp := range cps[:len(cps)-recentCheckpointCount] {
				cp.Detail = nil
			}
		}
	}
	if bundle.Workflow != nil {
		bundle.Workflow.SourceSummary = truncate(bundle.Workflow.SourceSummary)
	}
}

func truncate(s string) string {
	if len(s) <= sourceSummaryLimit {
		return s
	}
	return s[:sourceSummaryLimit] + truncationMarker
}

func estimateTokens(bundle *Bundle) int {
	body, err := json.Marshal(bundle)
	if err != nil {
		return 0
	}
	return int(math.Ceil(float64(len(body)) / 4))
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
