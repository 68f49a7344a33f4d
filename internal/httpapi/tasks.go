package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/checkpoint"
	ctxloader "github.com/cawhq/caw/internal/context"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/task"
)

func registerTaskRoutes(api *gin.RouterGroup, svc *Services) {
	api.GET("/tasks/:id", getTask(svc))
	api.PUT("/tasks/:id/status", updateTaskStatus(svc))
	api.PUT("/tasks/:id/plan", setTaskPlan(svc))
	api.POST("/tasks/:id/replan", replanTask(svc))
	api.POST("/tasks/:id/claim", claimTask(svc))
	api.POST("/tasks/:id/release", releaseTask(svc))
	api.GET("/tasks/:id/dependencies", getTaskDependencies(svc))
	api.GET("/tasks/:id/checkpoints", listTaskCheckpoints(svc))
	api.POST("/tasks/:id/checkpoints", addTaskCheckpoint(svc))
	api.GET("/tasks/:id/context", getTaskContext(svc))
	api.GET("/tasks/available", getAvailableTasks(svc))
}

func getTask(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := task.GetOptions{IncludeCheckpoints: c.Query("include_checkpoints") == "true"}
		t, err := svc.Tasks.Get(c.Request.Context(), c.Param("id"), opts)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, t)
	}
}

func updateTaskStatus(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Status  model.TaskStatus `json:"status"`
			Outcome *string          `json:"outcome"`
			Error   *string          `json:"error"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		t, err := svc.Tasks.UpdateStatus(c.Request.Context(), c.Param("id"), body.Status, task.UpdateStatusParams{
			Outcome: body.Outcome,
			Error:   body.Error,
		})
		if err != nil {
			RespondError(c, err)
			return
		}
		emitEvent(c, svc, eventTypeTaskUpdated, t, &t.WorkflowID, nil)
		RespondOK(c, t)
	}
}

func setTaskPlan(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params task.SetPlanParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		t, err := svc.Tasks.SetPlan(c.Request.Context(), c.Param("id"), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, t)
	}
}

func replanTask(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason  string `json:"reason"`
			NewPlan string `json:"new_plan"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		result, err := svc.Tasks.Replan(c.Request.Context(), c.Param("id"), body.Reason, body.NewPlan)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, result)
	}
}

func claimTask(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			AgentID string `json:"agent_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		result, err := svc.Tasks.Claim(c.Request.Context(), c.Param("id"), body.AgentID)
		if err != nil {
			RespondError(c, err)
			return
		}
		if result.Success {
			emitEvent(c, svc, eventTypeTaskUpdated, result.Task, &result.Task.WorkflowID, &body.AgentID)
		}
		RespondOK(c, result)
	}
}

func releaseTask(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			AgentID string  `json:"agent_id"`
			Reason  *string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		if err := svc.Tasks.Release(c.Request.Context(), c.Param("id"), body.AgentID, body.Reason); err != nil {
			RespondError(c, err)
			return
		}
		RespondNoContent(c)
	}
}

func getTaskDependencies(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		deps, err := svc.Tasks.GetDependencies(c.Request.Context(), c.Param("id"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, deps)
	}
}

func listTaskCheckpoints(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := checkpoint.ListFilter{}
		if v := c.Query("since_sequence"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.SinceSequence = n
			}
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		cps, err := svc.Checkpoints.List(c.Request.Context(), c.Param("id"), filter)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, cps)
	}
}

func addTaskCheckpoint(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params checkpoint.AddParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		cp, err := svc.Checkpoints.Add(c.Request.Context(), c.Param("id"), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondCreated(c, cp)
	}
}

func getTaskContext(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := ctxloader.LoadParams{}
		if v := c.Query("max_tokens"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				params.MaxTokens = n
			}
		}
		bundle, err := svc.Context.Load(c.Request.Context(), c.Param("id"), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, bundle)
	}
}

func getAvailableTasks(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := task.AvailableFilter{}
		if v := c.Query("workflow_id"); v != "" {
			filter.WorkflowID = &v
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		tasks, err := svc.Tasks.GetAvailable(c.Request.Context(), filter)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, tasks)
	}
}
