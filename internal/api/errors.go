package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hdshock/mangafixer/internal/logger"
)

// Standard error messages (don't leak internal details)
const (
	ErrMsgInternalError  = "Internal server error"
	ErrMsgPassInProgress = "A pass is already in progress"
	ErrMsgReadLogFailed  = "Failed to read log file"
	ErrMsgNotifyFailed   = "Failed to send test notification"
)

// respondWithError sends a JSON error response and logs the actual error
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}

// respondServiceUnavailable handles service unavailable errors
func respondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": service + " not available"})
}
