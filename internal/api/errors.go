package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/logging"
)

// statusForKind maps an error kind onto an HTTP status
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindConfiguration:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState, apperr.KindConcurrencyViolation, apperr.KindLimitExceeded:
		return http.StatusConflict
	case apperr.KindInsufficientFunds, apperr.KindDataQuality:
		return http.StatusUnprocessableEntity
	case apperr.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse writes a classified error
func errorResponse(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		l := logging.FromContext(c.Request.Context())
		l.Error().Err(err).Str("kind", string(kind)).Msg("Request failed")
	}
	c.JSON(status, gin.H{
		"error":   true,
		"kind":    kind,
		"message": apperr.ReasonOf(err),
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   true,
		"kind":    apperr.KindConfiguration,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
