package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
	"github.com/AndreaCadonna/chess-analyzer-sub001/pkg/uci"
)

const (
	defaultGameDepth = 15
	gameMultiPV      = 3
)

// winProbability maps a mover-relative centipawn score to a 0-100 win
// probability using the Lichess sigmoid.
func winProbability(cp int) float64 {
	return 100.0 / (1.0 + math.Exp(-0.00368208*float64(cp)))
}

// accuracyFromWCL converts an average win-probability loss to a 0-100
// accuracy score.
func accuracyFromWCL(wcl float64) float64 {
	a := 103.1668*math.Exp(-0.04354*wcl) - 3.1669
	if a < 0 {
		return 0
	}
	if a > 100 {
		return 100
	}
	return a
}

// positionAnalyzer is the slice of the pool the game analyzer needs; tests
// substitute a scripted implementation.
type positionAnalyzer interface {
	AnalyzePosition(ctx context.Context, fen string, opts uci.Options, priority Priority, progress uci.ProgressFunc) (*uci.Result, error)
	NewGame()
	BatchWorkers() int
}

// AnalysisStore is the persistence contract the analyzer depends on.
type AnalysisStore interface {
	GetGame(id string) (*models.Game, error)
	ReplaceAnalysis(gameID string, rows []models.AnalysisRow) error
	ListAnalysis(gameID string) ([]models.AnalysisRow, error)
}

type analysisJob struct {
	mu       sync.Mutex
	info     models.AnalysisJobInfo
	cancel   context.CancelFunc
	progress chan models.AnalysisProgress
}

func (j *analysisJob) snapshot() models.AnalysisJobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.info
}

// AnalysisService orchestrates whole-game analysis: precompute plies,
// fan positions out to the pool, classify each player move and persist the
// per-ply rows.
type AnalysisService struct {
	pool  positionAnalyzer
	chess *ChessService
	store AnalysisStore
	log   *logrus.Entry

	mu     sync.Mutex
	active map[string]struct{}
	jobs   map[string]*analysisJob
}

// NewAnalysisService creates a game analysis service.
func NewAnalysisService(pool positionAnalyzer, chess *ChessService, store AnalysisStore) *AnalysisService {
	return &AnalysisService{
		pool:   pool,
		chess:  chess,
		store:  store,
		log:    logrus.WithField("component", "analysis"),
		active: make(map[string]struct{}),
		jobs:   make(map[string]*analysisJob),
	}
}

// IsAnalyzing reports whether a run for the game is in progress.
func (s *AnalysisService) IsAnalyzing(gameID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[gameID]
	return ok
}

// AnalyzeGame runs a full game analysis synchronously. Cancelling the
// context stops further plies from being enqueued; in-flight plies drain and
// the run returns the context error.
func (s *AnalysisService) AnalyzeGame(ctx context.Context, gameID string, opts models.GameAnalysisOptions) (*models.GameAnalysisResult, error) {
	s.mu.Lock()
	if _, ok := s.active[gameID]; ok {
		s.mu.Unlock()
		return nil, models.ErrAlreadyAnalyzing
	}
	s.active[gameID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, gameID)
		s.mu.Unlock()
	}()

	started := time.Now()
	depth := opts.Depth
	if depth <= 0 {
		depth = defaultGameDepth
	}

	game, err := s.store.GetGame(gameID)
	if err != nil {
		return nil, err
	}
	parsed, err := s.chess.ParsePGN(game.PGN)
	if err != nil {
		return nil, err
	}
	plies := s.chess.Plies(parsed)
	totalGame := len(plies)

	if opts.SkipOpeningPlies > 0 {
		if opts.SkipOpeningPlies >= len(plies) {
			plies = nil
		} else {
			plies = plies[opts.SkipOpeningPlies:]
		}
	}
	if opts.MaxPositions > 0 && len(plies) > opts.MaxPositions {
		plies = plies[:opts.MaxPositions]
	}
	total := len(plies)

	if total == 0 {
		s.log.Infof("game %s too short to analyze (%d plies)", gameID, totalGame)
		if err := s.store.ReplaceAnalysis(gameID, nil); err != nil {
			return nil, fmt.Errorf("persist analysis: %w", err)
		}
		emitProgress(opts.Progress, 0, 0, "complete", "game too short to analyze")
		return &models.GameAnalysisResult{
			GameID:          gameID,
			AnalysisDetails: []models.AnalysisRow{},
			TotalPlies:      totalGame,
			ProcessingTime:  time.Since(started).Seconds(),
		}, nil
	}

	s.log.Infof("analyzing game %s: %d plies at depth %d", gameID, total, depth)
	s.pool.NewGame()

	limit := s.pool.BatchWorkers()
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	var (
		wg        sync.WaitGroup
		resMu     sync.Mutex
		rows      = make([]*models.AnalysisRow, total)
		completed int
		skipped   int
		cancelled bool
	)

	for i := range plies {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			cancelled = true
			break
		}
		wg.Add(1)
		go func(i int, ply models.Ply) {
			defer wg.Done()
			defer sem.Release(1)

			row, err := s.analyzePly(ctx, gameID, ply, depth)
			resMu.Lock()
			if err != nil {
				skipped++
				s.log.Warnf("game %s ply %d skipped: %v", gameID, ply.Number, err)
			} else {
				rows[i] = row
			}
			completed++
			cur := completed
			resMu.Unlock()

			pct := float64(cur) / float64(total) * 100
			emitProgress(opts.Progress, cur, total, "analyzing",
				fmt.Sprintf("analyzed %d of %d positions (%.0f%%)", cur, total, pct))
		}(i, plies[i])
	}
	wg.Wait()

	if cancelled {
		emitProgress(opts.Progress, completed, total, "error", "analysis cancelled")
		return nil, fmt.Errorf("game analysis cancelled: %w", ctx.Err())
	}

	details := make([]models.AnalysisRow, 0, total)
	for _, r := range rows {
		if r != nil {
			details = append(details, *r)
		}
	}
	sort.Slice(details, func(i, j int) bool {
		return details[i].MoveNumber < details[j].MoveNumber
	})

	if err := s.store.ReplaceAnalysis(gameID, details); err != nil {
		emitProgress(opts.Progress, completed, total, "error", "failed to persist analysis")
		return nil, fmt.Errorf("persist analysis: %w", err)
	}

	result := s.aggregate(gameID, details)
	result.TotalPlies = totalGame
	result.AnalyzedPlies = len(details)
	result.SkippedPlies = skipped
	result.ProcessingTime = time.Since(started).Seconds()

	emitProgress(opts.Progress, completed, total, "complete", "analysis complete")
	s.log.Infof("game %s analyzed: %d plies in %.1fs (white %.1f%%, black %.1f%%)",
		gameID, len(details), result.ProcessingTime, result.Accuracy.White, result.Accuracy.Black)
	return result, nil
}

// analyzePly analyzes the position before one player move and classifies
// the move against the engine's principal variations.
func (s *AnalysisService) analyzePly(ctx context.Context, gameID string, ply models.Ply, depth int) (*models.AnalysisRow, error) {
	res, err := s.pool.AnalyzePosition(ctx, ply.FENBefore,
		uci.Options{Depth: depth, MultiPV: gameMultiPV}, PriorityBatch, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Lines) == 0 {
		return nil, fmt.Errorf("engine returned no lines for ply %d", ply.Number)
	}

	best := res.Lines[0]
	bestEvalWhite := best.Evaluation

	// Look for the played move among the returned lines; fall back to a
	// follow-up analysis of the resulting position when it is out of the
	// top lines.
	playerEvalWhite := 0
	found := false
	for _, line := range res.Lines {
		if len(line.PV) > 0 && line.PV[0] == ply.UCI {
			playerEvalWhite = line.Evaluation
			found = true
			break
		}
	}
	if !found {
		follow, err := s.pool.AnalyzePosition(ctx, ply.FENAfter,
			uci.Options{Depth: depth, MultiPV: 1}, PriorityBatch, nil)
		switch {
		case err == nil && len(follow.Lines) > 0:
			playerEvalWhite = follow.Lines[0].Evaluation
		case errors.Is(err, uci.ErrNoLegalMoves):
			// The played move ended the game; no position left to probe,
			// so score it as the engine's best.
			playerEvalWhite = bestEvalWhite
		case err != nil:
			return nil, fmt.Errorf("follow-up analysis: %w", err)
		default:
			playerEvalWhite = bestEvalWhite
		}
	}

	// Losses are computed mover-relative; stored evaluation stays
	// White-relative.
	sign := 1
	if !ply.White {
		sign = -1
	}
	bestMover := sign * bestEvalWhite
	playerMover := sign * playerEvalWhite

	cpLoss := bestMover - playerMover
	if cpLoss < 0 {
		cpLoss = 0
	}
	wpLoss := winProbability(bestMover) - winProbability(playerMover)
	if wpLoss < 0 {
		wpLoss = 0
	}

	return &models.AnalysisRow{
		GameID:              gameID,
		MoveNumber:          ply.Number,
		PlayerMove:          ply.SAN,
		PositionFEN:         ply.FENBefore,
		BestMove:            best.BestMove,
		BestLine:            strings.Join(best.PV, " "),
		StockfishEvaluation: bestEvalWhite,
		AnalysisDepth:       best.Depth,
		MistakeSeverity:     models.ClassifySeverity(cpLoss),
		CentipawnLoss:       cpLoss,
		WinProbabilityLoss:  wpLoss,
		CreatedAt:           time.Now(),
	}, nil
}

// aggregate computes severity counts and per-side accuracy over the
// successfully analyzed plies.
func (s *AnalysisService) aggregate(gameID string, rows []models.AnalysisRow) *models.GameAnalysisResult {
	result := &models.GameAnalysisResult{
		GameID:          gameID,
		AnalysisDetails: rows,
	}

	var whiteWCL, blackWCL, totalWCL float64
	var whiteN, blackN int
	for _, row := range rows {
		switch row.MistakeSeverity {
		case models.SeverityBlunder:
			result.Mistakes.Blunders++
		case models.SeverityMistake:
			result.Mistakes.Mistakes++
		case models.SeverityInaccuracy:
			result.Mistakes.Inaccuracies++
		}
		totalWCL += row.WinProbabilityLoss
		if row.MoveNumber%2 == 1 {
			whiteWCL += row.WinProbabilityLoss
			whiteN++
		} else {
			blackWCL += row.WinProbabilityLoss
			blackN++
		}
	}

	if whiteN > 0 {
		result.Accuracy.White = accuracyFromWCL(whiteWCL / float64(whiteN))
	}
	if blackN > 0 {
		result.Accuracy.Black = accuracyFromWCL(blackWCL / float64(blackN))
	}
	if len(rows) > 0 {
		result.Accuracy.Overall = accuracyFromWCL(totalWCL / float64(len(rows)))
	}
	return result
}

// emitProgress sends a progress snapshot without ever blocking the run on a
// slow or absent consumer.
func emitProgress(sink chan<- models.AnalysisProgress, current, total int, status, message string) {
	if sink == nil {
		return
	}
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	} else if status == "complete" {
		pct = 100
	}
	select {
	case sink <- models.AnalysisProgress{
		Current:    current,
		Total:      total,
		Percentage: pct,
		Status:     status,
		Message:    message,
	}:
	default:
	}
}

// StartAnalysis launches a game analysis in the background and tracks it as
// a job queryable by game id.
func (s *AnalysisService) StartAnalysis(gameID string, opts models.GameAnalysisOptions) (models.AnalysisJobInfo, error) {
	s.mu.Lock()
	if _, ok := s.active[gameID]; ok {
		s.mu.Unlock()
		return models.AnalysisJobInfo{}, models.ErrAlreadyAnalyzing
	}
	if job, ok := s.jobs[gameID]; ok {
		info := job.snapshot()
		if info.Status == models.JobQueued || info.Status == models.JobAnalyzing {
			s.mu.Unlock()
			return models.AnalysisJobInfo{}, models.ErrAlreadyAnalyzing
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	progress := make(chan models.AnalysisProgress, 16)
	job := &analysisJob{
		info: models.AnalysisJobInfo{
			GameID:    gameID,
			Status:    models.JobQueued,
			CreatedAt: time.Now(),
		},
		cancel:   cancel,
		progress: progress,
	}
	s.jobs[gameID] = job
	s.mu.Unlock()

	go func() {
		for p := range progress {
			job.mu.Lock()
			job.info.Progress = p
			job.mu.Unlock()
		}
	}()

	go func() {
		defer close(progress)

		job.mu.Lock()
		job.info.Status = models.JobAnalyzing
		job.mu.Unlock()

		opts := opts
		opts.Progress = progress
		res, err := s.AnalyzeGame(ctx, gameID, opts)

		job.mu.Lock()
		if err != nil {
			job.info.Status = models.JobFailed
			job.info.Error = err.Error()
		} else {
			job.info.Status = models.JobCompleted
			job.info.Result = res
		}
		job.mu.Unlock()
	}()

	return job.snapshot(), nil
}

// JobInfo returns the current state of a game's analysis job.
func (s *AnalysisService) JobInfo(gameID string) (models.AnalysisJobInfo, bool) {
	s.mu.Lock()
	job, ok := s.jobs[gameID]
	s.mu.Unlock()
	if !ok {
		return models.AnalysisJobInfo{}, false
	}
	return job.snapshot(), true
}

// CancelAnalysis cancels a running job; in-flight plies drain before the
// job reports failure.
func (s *AnalysisService) CancelAnalysis(gameID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[gameID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	job.cancel()
	return true
}

// GetAnalysis returns the persisted rows for a game, ordered by move
// number.
func (s *AnalysisService) GetAnalysis(gameID string) ([]models.AnalysisRow, error) {
	return s.store.ListAnalysis(gameID)
}
