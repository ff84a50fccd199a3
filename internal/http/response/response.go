package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipcaption/pipeline/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	traceID := c.GetString("trace_id")
	requestID := c.GetString("request_id")
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
		TraceID:   traceID,
		RequestID: requestID,
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondErr classifies err via apierr and responds with the matching HTTP
// status, falling back to 500 for anything not carrying an apierr.Error.
func RespondErr(c *gin.Context, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		RespondError(c, apiErr.HTTPStatusCode(), string(apiErr.Kind), apiErr)
		return
	}
	RespondError(c, http.StatusInternalServerError, "internal_error", err)
}
