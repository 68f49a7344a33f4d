// Package httpapi is a thin gin adapter over the core services: it
// owns request parsing, dispatch, and status-code mapping, and no
// business logic of its own (spec §6).
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cawhq/caw/internal/errs"
)

// Response is the envelope every endpoint returns on success.
type Response struct {
	Data any   `json:"data,omitempty"`
	Meta *Meta `json:"meta,omitempty"`
}

// Meta carries pagination info alongside Response.Data.
type Meta struct {
	Total  int  `json:"total"`
	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

// ErrorResponse is the envelope every endpoint returns on failure.
type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}

// ErrorInfo is the body of ErrorResponse.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondOK writes data with status 200.
func RespondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Data: data})
}

// RespondOKWithMeta writes data with status 200 plus pagination meta.
func RespondOKWithMeta(c *gin.Context, data any, meta *Meta) {
	c.JSON(http.StatusOK, Response{Data: data, Meta: meta})
}

// RespondCreated writes data with status 201.
func RespondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Response{Data: data})
}

// RespondNoContent writes an empty 204 body.
func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// RespondError maps err's errs.Kind to an HTTP status and writes the
// error envelope. Unrecognized errors map to 500.
func RespondError(c *gin.Context, err error) {
	status, code := statusFor(errs.KindOf(err))
	c.JSON(status, ErrorResponse{Error: ErrorInfo{Code: code, Message: err.Error()}})
}

func statusFor(kind errs.Kind) (int, string) {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound, "not_found"
	case errs.KindValidation:
		return http.StatusBadRequest, "validation"
	case errs.KindInvalidState:
		return http.StatusBadRequest, "invalid_state"
	case errs.KindConflict:
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
