package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
)

const sseHeartbeatInterval = 25 * time.Second

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type liveAnalyzeRequest struct {
	FEN       string `json:"fen" binding:"required"`
	Depth     *int   `json:"depth"`
	TimeLimit *int   `json:"timeLimit"`
	MultiPV   *int   `json:"multiPv"`
}

func (s *Server) createLiveSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if err := s.live.CreateSession(req.SessionID); err != nil {
		if errors.Is(err, models.ErrNoWorkers) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no engine workers available"})
			return
		}
		s.log.Errorf("create session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	info, _ := s.live.Session()
	c.JSON(http.StatusCreated, info)
}

func (s *Server) getLiveSession(c *gin.Context) {
	info, ok := s.live.Session()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) closeLiveSession(c *gin.Context) {
	s.live.CloseSession("client_request")
	c.Status(http.StatusNoContent)
}

func (s *Server) updateLiveSettings(c *gin.Context) {
	var update models.LiveSettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.live.UpdateSettings(update); err != nil {
		if errors.Is(err, models.ErrNoActiveSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update settings"})
		return
	}
	info, _ := s.live.Session()
	c.JSON(http.StatusOK, info)
}

func (s *Server) liveAnalyze(c *gin.Context) {
	var req liveAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fen is required"})
		return
	}

	err := s.live.AnalyzePosition(req.FEN, models.LiveSettingsUpdate{
		Depth:     req.Depth,
		TimeLimit: req.TimeLimit,
		MultiPV:   req.MultiPV,
	})
	switch {
	case errors.Is(err, models.ErrInvalidFEN):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNoActiveSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
	case err != nil:
		s.log.Errorf("live analyze: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start analysis"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "analyzing", "fen": req.FEN})
	}
}

// streamEvents serves the live event stream over server-sent events. An
// optional sessionId query filters to one session's events; global events
// (empty session id) always pass through. Heartbeats keep idle connections
// from being reaped by proxies.
func (s *Server) streamEvents(c *gin.Context) {
	sessionID := c.Query("sessionId")

	events, unsubscribe := s.live.Events().Subscribe()
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent(string(models.EventConnectionEstablished), gin.H{
		"sessionId": sessionID,
		"timestamp": time.Now(),
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if sessionID != "" && ev.SessionID != "" && ev.SessionID != sessionID {
				return true
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-heartbeat.C:
			c.SSEvent(string(models.EventHeartbeat), gin.H{"timestamp": time.Now()})
			return true
		case <-clientGone:
			return false
		}
	})
}
