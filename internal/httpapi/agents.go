package httpapi

import (
	"github.com/gin-gonic/gin"

	agentsvc "github.com/cawhq/caw/internal/agent"
	"github.com/cawhq/caw/internal/model"
)

func registerAgentRoutes(api *gin.RouterGroup, svc *Services) {
	api.GET("/agents", listAgents(svc))
	api.POST("/agents", registerAgent(svc))
	api.GET("/agents/:id", getAgent(svc))
	api.PUT("/agents/:id", updateAgent(svc))
	api.PUT("/agents/:id/heartbeat", heartbeatAgent(svc))
	api.DELETE("/agents/:id", unregisterAgent(svc))
	api.GET("/agents/:id/messages", listAgentMessages(svc))
}

func listAgents(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := agentsvc.ListFilter{}
		if v := c.Query("workflow_id"); v != "" {
			filter.WorkflowID = &v
		}
		if v, ok := c.GetQueryArray("status"); ok {
			for _, s := range v {
				filter.Status = append(filter.Status, model.AgentStatus(s))
			}
		}
		if v, ok := c.GetQueryArray("role"); ok {
			for _, r := range v {
				filter.Role = append(filter.Role, model.AgentRole(r))
			}
		}
		agents, err := svc.Agents.List(c.Request.Context(), filter)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, agents)
	}
}

func registerAgent(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params agentsvc.RegisterParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		ag, err := svc.Agents.Register(c.Request.Context(), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		emitEvent(c, svc, eventTypeAgentRegistered, ag, ag.WorkflowID, &ag.ID)
		RespondCreated(c, ag)
	}
}

func getAgent(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ag, err := svc.Agents.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, ag)
	}
}

func updateAgent(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params agentsvc.UpdateParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		ag, err := svc.Agents.Update(c.Request.Context(), c.Param("id"), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, ag)
	}
}

func heartbeatAgent(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			CurrentTaskID *string            `json:"current_task_id"`
			Status        *model.AgentStatus `json:"status"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		id := c.Param("id")
		if err := svc.Agents.Heartbeat(c.Request.Context(), id, body.CurrentTaskID, body.Status); err != nil {
			RespondError(c, err)
			return
		}
		emitEvent(c, svc, eventTypeAgentHeartbeat, body, nil, &id)
		RespondNoContent(c)
	}
}

func unregisterAgent(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		released, err := svc.Agents.Unregister(c.Request.Context(), id)
		if err != nil {
			RespondError(c, err)
			return
		}
		emitEvent(c, svc, eventTypeAgentUnregistered, gin.H{"released_tasks": released}, nil, &id)
		RespondOK(c, gin.H{"released_tasks": released})
	}
}

func listAgentMessages(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		filter := messageListFilterFromQuery(c)
		filter.RecipientID = &id
		msgs, err := svc.Messages.List(c.Request.Context(), filter)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, msgs)
	}
}
