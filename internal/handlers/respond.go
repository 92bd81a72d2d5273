package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/usecase"
)

// respondError writes {"error", "code"} and aborts. Server errors are also
// attached to the context for the access log and error reporting.
func respondError(c *gin.Context, err error) {
	status := usecase.MapHTTPStatus(err)
	body := gin.H{
		"error": logging.Cause(err),
		"code":  usecase.Code(err),
	}

	var verr *accounts.ValidationError
	if errors.As(err, &verr) {
		body["error"] = "invalid input"
		body["fields"] = verr.Fields
	}

	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func respondBadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message, "code": "InvalidRequest"})
}
