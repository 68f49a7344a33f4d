package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/checkpoint"
	ctxloader "github.com/cawhq/caw/internal/context"
	"github.com/cawhq/caw/internal/events"
	"github.com/cawhq/caw/internal/lock"
	"github.com/cawhq/caw/internal/message"
	"github.com/cawhq/caw/internal/orchestration"
	"github.com/cawhq/caw/internal/session"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/template"
	"github.com/cawhq/caw/internal/workflow"
	"github.com/cawhq/caw/internal/workspace"
	agentsvc "github.com/cawhq/caw/internal/agent"
)

// Services bundles every domain service the adapter dispatches to.
type Services struct {
	Workflows     *workflow.Service
	Tasks         *task.Service
	Orchestration *orchestration.Service
	Agents        *agentsvc.Service
	Messages      *message.Service
	Locks         *lock.Service
	Templates     *template.Service
	Workspaces    *workspace.Service
	Sessions      *session.Service
	Context       *ctxloader.Service
	Checkpoints   *checkpoint.Service
	Bus           *events.Bus
}

// NewServices builds a Services bundle, one of each service, over st.
func NewServices(st *store.Store, bus *events.Bus) *Services {
	return &Services{
		Workflows:     workflow.New(st),
		Tasks:         task.New(st),
		Orchestration: orchestration.New(st),
		Agents:        agentsvc.New(st),
		Messages:      message.New(st),
		Locks:         lock.New(st),
		Templates:     template.New(st),
		Workspaces:    workspace.New(st),
		Sessions:      session.New(st),
		Context:       ctxloader.New(st),
		Checkpoints:   checkpoint.New(st),
		Bus:           bus,
	}
}

// NewRouter builds the gin engine: permissive CORS, the `{data}`/
// `{error}` envelope, and every route spec §6 lists.
func NewRouter(svc *Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"*"},
		MaxAge:          12 * time.Hour,
	}))

	api := r.Group("/api")
	registerWorkflowRoutes(api, svc)
	registerTaskRoutes(api, svc)
	registerAgentRoutes(api, svc)
	registerMessageRoutes(api, svc)
	registerTemplateRoutes(api, svc)
	registerEventRoutes(api, svc)

	return r
}
