package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/message"
	"github.com/cawhq/caw/internal/model"
)

func registerMessageRoutes(api *gin.RouterGroup, svc *Services) {
	api.GET("/messages", listMessages(svc))
	api.POST("/messages", sendMessage(svc))
	api.POST("/messages/broadcast", broadcastMessage(svc))
	api.GET("/messages/:id", getMessage(svc))
	api.PUT("/messages/mark-read", markMessagesRead(svc))
	api.PUT("/messages/archive", archiveMessages(svc))
	api.GET("/messages/unread-count", getUnreadCount(svc))
}

func messageListFilterFromQuery(c *gin.Context) message.ListFilter {
	filter := message.ListFilter{}
	if v := c.Query("recipient_id"); v != "" {
		filter.RecipientID = &v
	}
	if v := c.Query("sender_id"); v != "" {
		filter.SenderID = &v
	}
	if v := c.Query("thread_id"); v != "" {
		filter.ThreadID = &v
	}
	if v, ok := c.GetQueryArray("status"); ok {
		for _, s := range v {
			filter.Status = append(filter.Status, model.MessageStatus(s))
		}
	}
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
	return filter
}

func listMessages(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := svc.Messages.List(c.Request.Context(), messageListFilterFromQuery(c))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, msgs)
	}
}

func sendMessage(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params message.SendParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		msg, err := svc.Messages.Send(c.Request.Context(), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		emitEvent(c, svc, eventTypeMessageNew, msg, msg.WorkflowID, &msg.RecipientID)
		RespondCreated(c, msg)
	}
}

func broadcastMessage(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params message.BroadcastParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		msgs, err := svc.Messages.Broadcast(c.Request.Context(), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		for _, msg := range msgs {
			emitEvent(c, svc, eventTypeMessageNew, msg, msg.WorkflowID, &msg.RecipientID)
		}
		RespondCreated(c, msgs)
	}
}

func getMessage(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		msg, err := svc.Messages.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, msg)
	}
}

func markMessagesRead(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		n, err := svc.Messages.MarkRead(c.Request.Context(), body.IDs)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, gin.H{"updated": n})
	}
}

func archiveMessages(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		n, err := svc.Messages.Archive(c.Request.Context(), body.IDs)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, gin.H{"updated": n})
	}
}

func getUnreadCount(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		recipientID := c.Query("recipient_id")
		count, err := svc.Messages.CountUnread(c.Request.Context(), recipientID)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, count)
	}
}
