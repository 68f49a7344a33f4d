package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/template"
)

func registerTemplateRoutes(api *gin.RouterGroup, svc *Services) {
	api.GET("/templates", listTemplates(svc))
	api.POST("/templates", createTemplate(svc))
	api.GET("/templates/:id", getTemplate(svc))
	api.PUT("/templates/:id", updateTemplateVersion(svc))
	api.POST("/templates/:id/apply", applyTemplate(svc))
}

func listTemplates(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		tmpls, err := svc.Templates.List(c.Request.Context())
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, tmpls)
	}
}

func createTemplate(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params template.CreateParams
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		tmpl, err := svc.Templates.Create(c.Request.Context(), params)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondCreated(c, tmpl)
	}
}

func getTemplate(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		tmpl, err := svc.Templates.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, tmpl)
	}
}

func updateTemplateVersion(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var def model.TemplateDefinition
		if err := c.ShouldBindJSON(&def); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		tmpl, err := svc.Templates.UpdateVersion(c.Request.Context(), c.Param("id"), def)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, tmpl)
	}
}

func applyTemplate(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Variables map[string]string `json:"variables"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, badRequest(err))
			return
		}
		result, err := svc.Templates.Apply(c.Request.Context(), c.Param("id"), body.Variables)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondCreated(c, result)
	}
}
