package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/events"
)

// Event type aliases kept local so handlers don't import events just
// for the constants they emit against.
const (
	eventTypeWorkflowStatus    = events.TypeWorkflowStatus
	eventTypeTaskUpdated       = events.TypeTaskUpdated
	eventTypeAgentHeartbeat    = events.TypeAgentHeartbeat
	eventTypeAgentRegistered   = events.TypeAgentRegistered
	eventTypeAgentUnregistered = events.TypeAgentUnregistered
	eventTypeMessageNew        = events.TypeMessageNew
)

// badRequest wraps a JSON-binding error as a validation error so it
// maps to a 400 through the same statusFor path as domain errors.
func badRequest(err error) error {
	return errs.Wrap(errs.KindValidation, "invalid request body", err, nil)
}

// emitEvent publishes evt's pieces onto svc.Bus, if one is wired.
func emitEvent(c *gin.Context, svc *Services, eventType string, data any, workflowID, agentID *string) {
	if svc.Bus == nil {
		return
	}
	svc.Bus.Emit(c.Request.Context(), events.Event{
		Type:       eventType,
		Data:       data,
		WorkflowID: workflowID,
		AgentID:    agentID,
	})
}
