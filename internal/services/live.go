package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
	"github.com/AndreaCadonna/chess-analyzer-sub001/pkg/uci"
)

const (
	liveGCInterval = 5 * time.Minute
	liveIdleLimit  = 30 * time.Minute
)

// livePool is the slice of the pool the live service uses.
type livePool interface {
	AnalyzePosition(ctx context.Context, fen string, opts uci.Options, priority Priority, progress uci.ProgressFunc) (*uci.Result, error)
	StopLiveTask()
	Stats() models.PoolStats
}

type liveSession struct {
	id           string
	settings     models.LiveSettings
	currentFEN   string
	generation   int64
	analyzing    bool
	lastActivity time.Time
}

// LiveSessionInfo is the externally visible session state.
type LiveSessionInfo struct {
	SessionID    string              `json:"sessionId"`
	Settings     models.LiveSettings `json:"settings"`
	CurrentFEN   string              `json:"currentFen,omitempty"`
	IsAnalyzing  bool                `json:"isAnalyzing"`
	LastActivity time.Time           `json:"lastActivity"`
}

// LiveService manages the single process-wide live analysis session:
// position analysis on reserved pool capacity with typed event publication.
// A newer position request implicitly cancels interest in the previous one;
// its late result is discarded silently.
type LiveService struct {
	pool  livePool
	chess *ChessService
	bus   *EventBus
	log   *logrus.Entry

	mu      sync.Mutex
	session *liveSession

	stopGC chan struct{}
	gcOnce sync.Once
}

// NewLiveService creates the live analysis service. Start launches the
// idle-session reaper.
func NewLiveService(pool livePool, chess *ChessService, bus *EventBus) *LiveService {
	return &LiveService{
		pool:   pool,
		chess:  chess,
		bus:    bus,
		log:    logrus.WithField("component", "live"),
		stopGC: make(chan struct{}),
	}
}

// Start launches the idle-session GC loop.
func (s *LiveService) Start() {
	go s.gcLoop()
}

// Stop halts the GC loop and closes any active session.
func (s *LiveService) Stop() {
	s.gcOnce.Do(func() { close(s.stopGC) })
	s.CloseSession("shutdown")
}

// Events exposes the event bus for transport subscribers.
func (s *LiveService) Events() *EventBus {
	return s.bus
}

// CreateSession starts a session, replacing (and closing) any existing one.
func (s *LiveService) CreateSession(sessionID string) error {
	if s.pool.Stats().TotalWorkers == 0 {
		return models.ErrNoWorkers
	}

	s.mu.Lock()
	var replaced string
	if s.session != nil {
		replaced = s.session.id
	}
	s.session = &liveSession{
		id:           sessionID,
		settings:     models.DefaultLiveSettings(),
		lastActivity: time.Now(),
	}
	settings := s.session.settings
	s.mu.Unlock()

	if replaced != "" {
		s.publish(models.EventSessionClosed, replaced, models.SessionClosedPayload{Reason: "replaced"})
		s.log.Infof("session %s replaced by %s", replaced, sessionID)
	}
	s.publish(models.EventEngineStatus, sessionID, models.EngineStatusPayload{
		Status:   "session_created",
		Settings: settings,
	})
	s.log.Infof("live session %s created", sessionID)
	return nil
}

// AnalyzePosition submits the position for live analysis. The override is
// merged with the session settings for this request only.
func (s *LiveService) AnalyzePosition(fen string, override models.LiveSettingsUpdate) error {
	if err := s.chess.ValidateFEN(fen); err != nil {
		return err
	}

	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return models.ErrNoActiveSession
	}
	sess := s.session
	sess.generation++
	gen := sess.generation
	sess.currentFEN = fen
	sess.analyzing = true
	sess.lastActivity = time.Now()
	settings := override.Merge(sess.settings)
	sid := sess.id
	s.mu.Unlock()

	s.publish(models.EventAnalysisStarted, sid, models.AnalysisStartedPayload{
		FEN:     fen,
		Options: settings,
	})

	// Best-effort stop of the previous request's engine work.
	s.pool.StopLiveTask()

	go s.runAnalysis(sid, gen, fen, settings)
	return nil
}

func (s *LiveService) runAnalysis(sid string, gen int64, fen string, settings models.LiveSettings) {
	opts := uci.Options{
		Depth:     settings.Depth,
		MultiPV:   settings.MultiPV,
		TimeLimit: time.Duration(settings.TimeLimit) * time.Millisecond,
	}
	progress := func(lines []uci.PVLine, maxDepth int) {
		if !s.isCurrent(sid, gen) {
			return
		}
		s.publish(models.EventAnalysisProgress, sid, models.AnalysisProgressPayload{
			FEN:   fen,
			Depth: maxDepth,
			Lines: toLinePayloads(lines),
		})
	}

	started := time.Now()
	res, err := s.pool.AnalyzePosition(context.Background(), fen, opts, PriorityLive, progress)

	s.mu.Lock()
	current := s.session != nil && s.session.id == sid && s.session.generation == gen
	if current {
		s.session.analyzing = false
		s.session.lastActivity = time.Now()
	}
	s.mu.Unlock()

	if !current {
		// A newer request superseded this one; discard silently.
		s.log.Debugf("session %s: stale result for %s discarded", sid, fen)
		return
	}

	if err != nil {
		s.publish(models.EventAnalysisError, sid, models.AnalysisErrorPayload{
			Error:   "analysis_failed",
			Message: err.Error(),
			FEN:     fen,
		})
		return
	}
	s.publish(models.EventAnalysisComplete, sid, models.AnalysisCompletePayload{
		FEN:          fen,
		Lines:        toLinePayloads(res.Lines),
		AnalysisTime: time.Since(started).Milliseconds(),
		IsComplete:   true,
	})
}

func (s *LiveService) isCurrent(sid string, gen int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.session.id == sid && s.session.generation == gen
}

// UpdateSettings merges a partial settings change into the session.
func (s *LiveService) UpdateSettings(update models.LiveSettingsUpdate) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return models.ErrNoActiveSession
	}
	s.session.settings = update.Merge(s.session.settings)
	s.session.lastActivity = time.Now()
	settings := s.session.settings
	sid := s.session.id
	s.mu.Unlock()

	s.publish(models.EventEngineStatus, sid, models.EngineStatusPayload{
		Status:   "settings_updated",
		Settings: settings,
	})
	return nil
}

// CloseSession closes the active session, if any.
func (s *LiveService) CloseSession(reason string) {
	if reason == "" {
		reason = "client_request"
	}
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return
	}
	sid := s.session.id
	s.session = nil
	s.mu.Unlock()

	s.publish(models.EventSessionClosed, sid, models.SessionClosedPayload{Reason: reason})
	s.log.Infof("live session %s closed (%s)", sid, reason)
}

// Session returns the current session state.
func (s *LiveService) Session() (LiveSessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return LiveSessionInfo{}, false
	}
	return LiveSessionInfo{
		SessionID:    s.session.id,
		Settings:     s.session.settings,
		CurrentFEN:   s.session.currentFEN,
		IsAnalyzing:  s.session.analyzing,
		LastActivity: s.session.lastActivity,
	}, true
}

func (s *LiveService) gcLoop() {
	ticker := time.NewTicker(liveGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.mu.Lock()
			expired := s.session != nil && time.Since(s.session.lastActivity) > liveIdleLimit
			s.mu.Unlock()
			if expired {
				s.log.Info("closing idle live session")
				s.CloseSession("idle_timeout")
			}
		}
	}
}

func (s *LiveService) publish(t models.EventType, sid string, payload interface{}) {
	s.bus.Publish(models.AnalysisEvent{
		Type:      t,
		SessionID: sid,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func toLinePayloads(lines []uci.PVLine) []models.PVLinePayload {
	out := make([]models.PVLinePayload, 0, len(lines))
	for _, l := range lines {
		out = append(out, models.PVLinePayload{
			MultiPVIndex: l.MultiPVIndex,
			Evaluation:   l.Evaluation,
			Mate:         l.Mate,
			BestMove:     l.BestMove,
			PV:           l.PV,
			Depth:        l.Depth,
		})
	}
	return out
}
