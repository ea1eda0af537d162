package models

import "time"

// MistakeSeverity classifies a player move by its centipawn loss.
type MistakeSeverity string

const (
	SeverityExcellent  MistakeSeverity = "excellent"
	SeverityGood       MistakeSeverity = "good"
	SeverityInaccuracy MistakeSeverity = "inaccuracy"
	SeverityMistake    MistakeSeverity = "mistake"
	SeverityBlunder    MistakeSeverity = "blunder"
)

// ClassifySeverity maps a non-negative, mover-relative centipawn loss to a
// severity bucket.
func ClassifySeverity(cpLoss int) MistakeSeverity {
	switch {
	case cpLoss >= 300:
		return SeverityBlunder
	case cpLoss >= 150:
		return SeverityMistake
	case cpLoss >= 50:
		return SeverityInaccuracy
	case cpLoss >= 11:
		return SeverityGood
	default:
		return SeverityExcellent
	}
}

// Game is the stored game row. The analyzer only reads ID and PGN.
type Game struct {
	ID        string    `json:"id"`
	PGN       string    `json:"pgn"`
	White     string    `json:"white,omitempty"`
	Black     string    `json:"black,omitempty"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnalysisRow is one persisted per-ply analysis record. MoveNumber is the
// 1-based ply. StockfishEvaluation is White-relative centipawns;
// CentipawnLoss and WinProbabilityLoss are mover-relative and non-negative.
type AnalysisRow struct {
	GameID              string          `json:"gameId"`
	MoveNumber          int             `json:"moveNumber"`
	PlayerMove          string          `json:"playerMove"`
	PositionFEN         string          `json:"positionFen"`
	BestMove            string          `json:"bestMove"`
	BestLine            string          `json:"bestLine"`
	StockfishEvaluation int             `json:"stockfishEvaluation"`
	AnalysisDepth       int             `json:"analysisDepth"`
	MistakeSeverity     MistakeSeverity `json:"mistakeSeverity"`
	CentipawnLoss       int             `json:"centipawnLoss"`
	WinProbabilityLoss  float64         `json:"winProbabilityLoss"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// MistakeCounts aggregates severity buckets over a game.
type MistakeCounts struct {
	Blunders     int `json:"blunders"`
	Mistakes     int `json:"mistakes"`
	Inaccuracies int `json:"inaccuracies"`
}

// AccuracySummary carries per-side and overall accuracy on a 0-100 scale.
type AccuracySummary struct {
	White   float64 `json:"white"`
	Black   float64 `json:"black"`
	Overall float64 `json:"overall"`
}

// GameAnalysisResult is the outcome of a whole-game analysis run.
// AnalysisDetails is strictly sorted by MoveNumber ascending.
type GameAnalysisResult struct {
	GameID          string          `json:"gameId"`
	AnalysisDetails []AnalysisRow   `json:"analysisDetails"`
	Mistakes        MistakeCounts   `json:"mistakes"`
	Accuracy        AccuracySummary `json:"accuracy"`
	AnalyzedPlies   int             `json:"analyzedPlies"`
	SkippedPlies    int             `json:"skippedPlies"`
	TotalPlies      int             `json:"totalPlies"`
	ProcessingTime  float64         `json:"processingTime"`
}

// GameAnalysisOptions configures a whole-game analysis.
type GameAnalysisOptions struct {
	Depth            int `json:"depth"`
	SkipOpeningPlies int `json:"skipOpeningPlies"`
	MaxPositions     int `json:"maxPositions"`

	// Progress, when non-nil, receives a snapshot after every completed
	// ply. The caller owns the channel; sends never block.
	Progress chan<- AnalysisProgress `json:"-"`
}

// AnalysisProgress reports game analysis progress. Current counts completed
// plies, not ply numbers.
type AnalysisProgress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"` // "analyzing" | "complete" | "error"
	Message    string  `json:"message,omitempty"`
}

// JobStatus tracks the lifecycle of an asynchronous analysis job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobAnalyzing JobStatus = "analyzing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// PoolStats is a read-only snapshot of pool state for health endpoints.
type PoolStats struct {
	TotalWorkers      int   `json:"totalWorkers"`
	IdleWorkers       int   `json:"idleWorkers"`
	BusyWorkers       int   `json:"busyWorkers"`
	CrashedWorkers    int   `json:"crashedWorkers"`
	RestartingWorkers int   `json:"restartingWorkers"`
	ReservedWorkers   int   `json:"reservedWorkers"`
	BatchWorkers      int   `json:"batchWorkers"`
	QueueLength       int   `json:"queueLength"`
	TasksCompleted    int64 `json:"tasksCompleted"`
	TasksFailed       int64 `json:"tasksFailed"`
}
