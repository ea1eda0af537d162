package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/services"
	"github.com/AndreaCadonna/chess-analyzer-sub001/pkg/uci"
)

const positionAnalysisTimeout = 60 * time.Second

type uploadGameRequest struct {
	PGN    string `json:"pgn" binding:"required"`
	White  string `json:"white"`
	Black  string `json:"black"`
	Result string `json:"result"`
}

type startAnalysisRequest struct {
	Depth            int `json:"depth"`
	SkipOpeningPlies int `json:"skipOpeningPlies"`
	MaxPositions     int `json:"maxPositions"`
}

type analyzePositionRequest struct {
	FEN     string `json:"fen" binding:"required"`
	Depth   int    `json:"depth"`
	MultiPV int    `json:"multiPv"`
}

func (s *Server) health(c *gin.Context) {
	stats := s.pool.Stats()
	status := "ok"
	if stats.IdleWorkers+stats.BusyWorkers == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"pool":   stats,
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pool":        s.pool.Stats(),
		"subscribers": s.live.Events().Subscribers(),
	})
}

func (s *Server) uploadGame(c *gin.Context) {
	var req uploadGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pgn is required"})
		return
	}
	parsed, err := s.chess.ParsePGN(req.PGN)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	game := models.Game{
		PGN:    req.PGN,
		White:  req.White,
		Black:  req.Black,
		Result: req.Result,
	}
	// Prefer PGN tags over request fields left empty.
	for _, tag := range parsed.TagPairs() {
		switch tag.Key {
		case "White":
			if game.White == "" {
				game.White = tag.Value
			}
		case "Black":
			if game.Black == "" {
				game.Black = tag.Value
			}
		case "Result":
			if game.Result == "" {
				game.Result = tag.Value
			}
		}
	}

	saved, err := s.store.SaveGame(game)
	if err != nil {
		s.log.Errorf("save game: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save game"})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) listGames(c *gin.Context) {
	games, err := s.store.ListGames()
	if err != nil {
		s.log.Errorf("list games: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list games"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"games": games, "count": len(games)})
}

func (s *Server) getGame(c *gin.Context) {
	game, err := s.store.GetGame(c.Param("id"))
	if errors.Is(err, models.ErrGameNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
		return
	}
	if err != nil {
		s.log.Errorf("get game: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load game"})
		return
	}
	c.JSON(http.StatusOK, game)
}

func (s *Server) deleteGame(c *gin.Context) {
	err := s.store.DeleteGame(c.Param("id"))
	if errors.Is(err, models.ErrGameNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
		return
	}
	if err != nil {
		s.log.Errorf("delete game: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete game"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startAnalysis(c *gin.Context) {
	gameID := c.Param("id")
	// An absent body means defaults; a malformed one is an error.
	var req startAnalysisRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	if _, err := s.store.GetGame(gameID); errors.Is(err, models.ErrGameNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load game"})
		return
	}

	job, err := s.analyzer.StartAnalysis(gameID, models.GameAnalysisOptions{
		Depth:            req.Depth,
		SkipOpeningPlies: req.SkipOpeningPlies,
		MaxPositions:     req.MaxPositions,
	})
	if errors.Is(err, models.ErrAlreadyAnalyzing) {
		c.JSON(http.StatusConflict, gin.H{"error": "analysis already in progress"})
		return
	}
	if err != nil {
		s.log.Errorf("start analysis: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start analysis"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) getAnalysis(c *gin.Context) {
	rows, err := s.analyzer.GetAnalysis(c.Param("id"))
	if err != nil {
		s.log.Errorf("get analysis: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analysis"})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis for game"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": rows, "count": len(rows)})
}

func (s *Server) analysisProgress(c *gin.Context) {
	info, ok := s.analyzer.JobInfo(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis job for game"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) cancelAnalysis(c *gin.Context) {
	if !s.analyzer.CancelAnalysis(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis job for game"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (s *Server) analyzePosition(c *gin.Context) {
	var req analyzePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fen is required"})
		return
	}
	if req.Depth <= 0 {
		req.Depth = 15
	}
	if req.MultiPV <= 0 {
		req.MultiPV = 1
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), positionAnalysisTimeout)
	defer cancel()

	res, err := s.pool.AnalyzePosition(ctx, req.FEN, uci.Options{
		Depth:     req.Depth,
		MultiPV:   req.MultiPV,
		TimeLimit: 5 * time.Second,
	}, services.PriorityBatch, nil)
	switch {
	case errors.Is(err, models.ErrInvalidFEN):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, uci.ErrNoLegalMoves):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "position has no legal moves"})
	case errors.Is(err, models.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "analysis queue full"})
	case errors.Is(err, models.ErrPoolShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine pool unavailable"})
	case err != nil:
		s.log.Errorf("analyze position: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
	default:
		c.JSON(http.StatusOK, res)
	}
}
