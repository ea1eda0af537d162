// Package api exposes the analyzer over HTTP: game storage, batch game
// analysis, single-position analysis and the live session with its SSE
// event stream.
package api

import (
	"context"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/services"
	"github.com/AndreaCadonna/chess-analyzer-sub001/pkg/uci"
)

// GameStore is the persistence surface the handlers use.
type GameStore interface {
	SaveGame(game models.Game) (models.Game, error)
	GetGame(id string) (*models.Game, error)
	ListGames() ([]models.Game, error)
	DeleteGame(id string) error
}

// GameAnalyzer runs and tracks whole-game analysis jobs.
type GameAnalyzer interface {
	StartAnalysis(gameID string, opts models.GameAnalysisOptions) (models.AnalysisJobInfo, error)
	JobInfo(gameID string) (models.AnalysisJobInfo, bool)
	CancelAnalysis(gameID string) bool
	GetAnalysis(gameID string) ([]models.AnalysisRow, error)
}

// PositionPool is the pool surface for direct position analysis and health
// reporting.
type PositionPool interface {
	AnalyzePosition(ctx context.Context, fen string, opts uci.Options, priority services.Priority, progress uci.ProgressFunc) (*uci.Result, error)
	Stats() models.PoolStats
}

// LiveSessions is the live-analysis surface.
type LiveSessions interface {
	CreateSession(sessionID string) error
	AnalyzePosition(fen string, override models.LiveSettingsUpdate) error
	UpdateSettings(update models.LiveSettingsUpdate) error
	CloseSession(reason string)
	Session() (services.LiveSessionInfo, bool)
	Events() *services.EventBus
}

// Server wires the services into a gin router.
type Server struct {
	store    GameStore
	analyzer GameAnalyzer
	pool     PositionPool
	live     LiveSessions
	chess    *services.ChessService
	log      *logrus.Entry
}

// NewServer creates the HTTP server facade.
func NewServer(store GameStore, analyzer GameAnalyzer, pool PositionPool, live LiveSessions, chess *services.ChessService) *Server {
	return &Server{
		store:    store,
		analyzer: analyzer,
		pool:     pool,
		live:     live,
		chess:    chess,
		log:      logrus.WithField("component", "api"),
	}
}

// Router builds the gin engine with middleware and all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
	}))
	r.Use(rateLimiter())

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/health", s.health)
		apiGroup.GET("/stats", s.stats)

		apiGroup.POST("/games", s.uploadGame)
		apiGroup.GET("/games", s.listGames)
		apiGroup.GET("/games/:id", s.getGame)
		apiGroup.DELETE("/games/:id", s.deleteGame)

		apiGroup.POST("/games/:id/analyze", s.startAnalysis)
		apiGroup.GET("/games/:id/analysis", s.getAnalysis)
		apiGroup.GET("/games/:id/analysis/progress", s.analysisProgress)
		apiGroup.DELETE("/games/:id/analysis", s.cancelAnalysis)

		apiGroup.POST("/analyze", s.analyzePosition)

		liveGroup := apiGroup.Group("/live")
		{
			liveGroup.POST("/session", s.createLiveSession)
			liveGroup.GET("/session", s.getLiveSession)
			liveGroup.DELETE("/session", s.closeLiveSession)
			liveGroup.PATCH("/settings", s.updateLiveSettings)
			liveGroup.POST("/analyze", s.liveAnalyze)
			liveGroup.GET("/events", s.streamEvents)
		}
	}
	return r
}
