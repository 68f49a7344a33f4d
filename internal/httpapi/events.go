package httpapi

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/events"
)

const sseHeartbeatInterval = 15 * time.Second

func registerEventRoutes(api *gin.RouterGroup, svc *Services) {
	api.GET("/events/stream", streamEvents(svc))
}

// streamEvents opens a long-lived SSE connection subscribed to the
// global channel, plus a workflow or agent channel when the caller
// asks for one. One sequence counter per connection backs the id
// field; it resets on reconnect, so Last-Event-ID is accepted but not
// used to replay — the bus keeps no history (spec §6/§7).
func streamEvents(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		stream := StartSSE(c.Writer)
		if stream == nil {
			RespondError(c, errs.Internal("httpapi: response writer does not support streaming", nil))
			return
		}

		var seq int64
		notify := make(chan events.Event, 32)
		unsubscribe := svc.Bus.Subscribe(events.ChannelGlobal, deliverTo(notify))
		defer unsubscribe()

		var extraUnsubscribe func()
		if wfID := c.Query("workflow_id"); wfID != "" {
			extraUnsubscribe = svc.Bus.Subscribe("workflow:"+wfID, deliverTo(notify))
		} else if agentID := c.Query("agent_id"); agentID != "" {
			extraUnsubscribe = svc.Bus.Subscribe("agent:"+agentID, deliverTo(notify))
		}
		if extraUnsubscribe != nil {
			defer extraUnsubscribe()
		}

		ticker := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := stream.WriteHeartbeat(); err != nil {
					return
				}
			case evt := <-notify:
				body, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				seq++
				if err := stream.WriteEvent(seq, evt.Type, body); err != nil {
					return
				}
			}
		}
	}
}

func deliverTo(ch chan events.Event) events.Subscriber {
	return func(evt events.Event) {
		select {
		case ch <- evt:
		default:
		}
	}
}
