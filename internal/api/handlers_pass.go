package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hdshock/mangafixer/internal/config"
	"github.com/hdshock/mangafixer/internal/logger"
	"github.com/hdshock/mangafixer/internal/services"
)

// StatusResponse describes the running pass, the previous one and the schedule.
type StatusResponse struct {
	Root     string                 `json:"root"`
	Mode     string                 `json:"mode"`
	Running  bool                   `json:"running"`
	Progress *services.PassProgress `json:"progress,omitempty"`
	LastPass *services.PassResult   `json:"last_pass,omitempty"`
	NextPass *time.Time             `json:"next_pass,omitempty"`
	Workers  int                    `json:"workers"`
}

func (s *RESTServer) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Root:     s.scanner.Root(),
		Mode:     config.Get().Mode,
		Running:  s.scanner.IsRunning(),
		Progress: s.scanner.Progress(),
		LastPass: s.scanner.LastResult(),
		Workers:  services.WorkerCount(),
	}
	if next := s.getNextPass(); !next.IsZero() && !resp.Running {
		resp.NextPass = &next
	}
	c.JSON(http.StatusOK, resp)
}

// handleTriggerPass starts a pass in the background. The response does not
// wait for the pass; follow it on /api/ws or poll /api/status.
func (s *RESTServer) handleTriggerPass(c *gin.Context) {
	if s.trigger == nil {
		respondServiceUnavailable(c, "On-demand pass")
		return
	}
	if s.scanner.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": ErrMsgPassInProgress})
		return
	}

	go func() {
		err := s.trigger(s.baseCtx)
		switch {
		case err == nil:
		case errors.Is(err, services.ErrPassInProgress):
			logger.Debugf("On-demand pass skipped: %v", err)
		default:
			logger.Errorf("On-demand pass failed: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Pass started"})
}

func (s *RESTServer) handleTestNotification(c *gin.Context) {
	if s.notifier == nil || !s.notifier.Enabled() {
		respondServiceUnavailable(c, "Notifications")
		return
	}
	if err := s.notifier.SendTestNotification(); err != nil {
		respondWithError(c, http.StatusBadGateway, ErrMsgNotifyFailed, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent"})
}
