package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/orchestration"
	"github.com/cawhq/caw/internal/workflow"
)

func registerWorkflowRoutes(api *gin.RouterGroup, svc *Services) {
	api.GET("/workflows", listWorkflows(svc))
	api.POST("/workflows", createWorkflow(svc))
	api.GET("/workflows/:id", getWorkflow(svc))
	api.PUT("/workflows/:id/status", updateWorkflowStatus(svc))
	api.PUT("/workflows/:id/plan", setWorkflowPlan(svc))
	api.POST("/workflows/:id/tasks", addWorkflowTask(svc))
	api.DELETE("/workflows/:id/tasks/:taskId", removeWorkflowTask(svc))
	api.POST("/workflows/:id/replan", replanWorkflow(svc))
	api.GET("/workflows/:id/progress", getWorkflowProgress(svc))
	api.GET("/workflows/:id/next-tasks", getWorkflowNextTasks(svc))
	api.GET("/workflows/:id/dependencies/:taskId", getTaskDependencyCheck(svc))
	api.GET("/workflows/:id/summary", getWorkflowSummary(svc))
	api.GET("/workflows/:id/lock", getWorkflowLock(svc))
	api.POST("/workflows/:id/lock", lockWorkflow(svc))
	api.POST("/workflows/:id/unlock", unlockWorkflow(svc))
}

func listWorkflows(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := workflow.ListFilter{}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		if v := c.Query("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Offset = n
			}
		}
		if v := c.Query("repository_id"); v != "" {
			filter.RepositoryID = &v
		}
		result, err := svc.Workflows.List(c.Request.Context(), filter)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOKWithMeta(c, result.Workflows, &Meta{Total: result.Total})
	}
}

func createWorkflow(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params workflow.CreateParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		wf, err := svc.Workflows.Create(c.Request.Context(), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondCreated(c, wf)
	}
}

func getWorkflow(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		wf, err := svc.Workflows.Get(c.Request.Context(), c.Param("id"), workflow.GetOptions{IncludeTasks: true})
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, wf)
	}
}

func updateWorkflowStatus(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Status model.WorkflowStatus `json:"status"`
			Reason *string              `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		wf, err := svc.Workflows.UpdateStatus(c.Request.Context(), c.Param("id"), body.Status, body.Reason)
		if err != nil {
			RespondError(c, err)
			return
		}
		emitWorkflowStatus(c, svc, wf)
		RespondOK(c, wf)
	}
}

func setWorkflowPlan(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Tasks []model.PlanTask `json:"tasks"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		result, err := svc.Workflows.SetPlan(c.Request.Context(), c.Param("id"), body.Tasks)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, result)
	}
}

func addWorkflowTask(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params workflow.AddTaskParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		t, err := svc.Workflows.AddTask(c.Request.Context(), c.Param("id"), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondCreated(c, t)
	}
}

func removeWorkflowTask(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := svc.Workflows.RemoveTask(c.Request.Context(), c.Param("id"), c.Param("taskId"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, result)
	}
}

func replanWorkflow(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params workflow.ReplanParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		result, err := svc.Workflows.Replan(c.Request.Context(), c.Param("id"), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, result)
	}
}

func getWorkflowProgress(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		progress, err := svc.Orchestration.GetProgress(c.Request.Context(), c.Param("id"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, progress)
	}
}

func getWorkflowNextTasks(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := orchestration.GetNextTasksParams{
			IncludeFailed: c.Query("include_failed") == "true",
			IncludePaused: c.Query("include_paused") == "true",
		}
		result, err := svc.Orchestration.GetNextTasks(c.Request.Context(), c.Param("id"), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, result)
	}
}

func getTaskDependencyCheck(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		check, err := svc.Orchestration.CheckDependencies(c.Request.Context(), c.Param("taskId"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, check)
	}
}

func getWorkflowSummary(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := svc.Workflows.GetSummary(c.Request.Context(), c.Param("id"), c.Query("format"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, summary)
	}
}

func getWorkflowLock(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := svc.Locks.GetLockInfo(c.Request.Context(), c.Param("id"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, info)
	}
}

func lockWorkflow(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		result, err := svc.Locks.Lock(c.Request.Context(), c.Param("id"), body.SessionID)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, result)
	}
}

func unlockWorkflow(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		if err := svc.Locks.Unlock(c.Request.Context(), c.Param("id"), body.SessionID); err != nil {
			RespondError(c, err)
			return
		}
		RespondNoContent(c)
	}
}

func emitWorkflowStatus(c *gin.Context, svc *Services, wf *model.Workflow) {
	emitEvent(c, svc, eventTypeWorkflowStatus, wf, &wf.ID, nil)
}
