// Package transitions holds the workflow and task lifecycle transition
// tables (spec §3 "Lifecycles"). Every status mutation in the domain
// services is validated against these tables before it touches the
// store, so an illegal transition never reaches a write.
package transitions

import "github.com/cawhq/caw/internal/model"

var workflowTransitions = map[model.WorkflowStatus]map[model.WorkflowStatus]bool{
	model.WorkflowPlanning: {
		model.WorkflowReady: true,
	},
	model.WorkflowReady: {
		model.WorkflowInProgress: true,
		model.WorkflowAbandoned:  true,
	},
	model.WorkflowInProgress: {
		model.WorkflowPaused:    true,
		model.WorkflowCompleted: true,
		model.WorkflowFailed:    true,
		model.WorkflowAbandoned: true,
	},
	model.WorkflowPaused: {
		model.WorkflowInProgress: true,
		model.WorkflowAbandoned:  true,
	},
	model.WorkflowFailed: {
		model.WorkflowInProgress: true, // retry
		model.WorkflowAbandoned:  true,
	},
	// Completed and abandoned are terminal: no outgoing edges.
}

// WorkflowAllowed reports whether a workflow may move from -> to.
func WorkflowAllowed(from, to model.WorkflowStatus) bool {
	return workflowTransitions[from][to]
}

// WorkflowTerminal reports whether status has no outgoing transitions.
func WorkflowTerminal(status model.WorkflowStatus) bool {
	return status == model.WorkflowCompleted || status == model.WorkflowAbandoned
}

var taskTransitions = map[model.TaskStatus]map[model.TaskStatus]bool{
	model.TaskPending: {
		model.TaskPlanning:  true,
		model.TaskBlocked:   true,
		model.TaskCompleted: true, // direct completion, spec §3
	},
	model.TaskBlocked: {
		model.TaskPlanning:  true,
		model.TaskPending:   true,
		model.TaskCompleted: true,
	},
	model.TaskPlanning: {
		model.TaskInProgress: true,
		model.TaskCompleted:  true,
	},
	model.TaskInProgress: {
		model.TaskCompleted: true,
		model.TaskPaused:    true,
		model.TaskFailed:    true,
	},
	model.TaskPaused: {
		model.TaskInProgress: true,
	},
	model.TaskFailed: {
		model.TaskPending: true, // retry
		model.TaskSkipped: true,
	},
	// Completed and skipped are terminal.
}

// TaskAllowed reports whether a task may move from -> to.
func TaskAllowed(from, to model.TaskStatus) bool {
	return taskTransitions[from][to]
}

// TaskTerminal reports whether status satisfies a `blocks` edge and is
// off-limits to repair operations (spec §3 global invariants).
func TaskTerminal(status model.TaskStatus) bool {
	return model.TerminalTaskStatuses[status]
}

// TaskBlocking reports whether a task in this status still counts as
// "in progress" for another task's blocks edge (spec §9 Open Question:
// failed/paused tasks keep blocking their successors).
func TaskBlocking(status model.TaskStatus) bool {
	return !TaskTerminal(status)
}

var workspaceTransitions = map[model.WorkspaceStatus]map[model.WorkspaceStatus]bool{
	model.WorkspaceActive: {
		model.WorkspaceMerged:    true,
		model.WorkspaceAbandoned: true,
	},
}

// WorkspaceAllowed reports whether a workspace may move from -> to.
func WorkspaceAllowed(from, to model.WorkspaceStatus) bool {
	return workspaceTransitions[from][to]
}

var agentTransitions = map[model.AgentStatus]map[model.AgentStatus]bool{
	model.AgentOnline: {
		model.AgentBusy:    true,
		model.AgentOffline: true,
	},
	model.AgentBusy: {
		model.AgentOnline:  true,
		model.AgentOffline: true,
	},
}

// AgentAllowed reports whether an agent may move from -> to.
func AgentAllowed(from, to model.AgentStatus) bool {
	return agentTransitions[from][to]
}
