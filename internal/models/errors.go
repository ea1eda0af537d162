package models

import "errors"

// Errors surfaced by the analysis services. Engine-level failures live in
// pkg/uci; these cover validation, queueing and orchestration.
var (
	// ErrInvalidFEN is returned when a position string fails pre-submit
	// validation (fewer than four space-separated fields, malformed ranks).
	ErrInvalidFEN = errors.New("invalid FEN")

	// ErrQueueFull is returned when the pool's task queue is at capacity.
	ErrQueueFull = errors.New("analysis queue is full")

	// ErrTaskTimeout is returned when a task produced no result within the
	// configured task timeout and no partial result could be recovered.
	ErrTaskTimeout = errors.New("analysis task timed out")

	// ErrPoolShuttingDown is returned for tasks submitted to, or still
	// queued in, a pool that has begun shutdown.
	ErrPoolShuttingDown = errors.New("worker pool is shutting down")

	// ErrAlreadyAnalyzing is returned when a game analysis is requested for
	// a game that is already being analyzed.
	ErrAlreadyAnalyzing = errors.New("game analysis already in progress")

	// ErrNoActiveSession is returned by live operations when no session
	// exists.
	ErrNoActiveSession = errors.New("no active live session")

	// ErrNoWorkers is returned when a live session or an analysis task
	// needs a worker but every pool worker is crashed or shut down.
	ErrNoWorkers = errors.New("no analysis workers available")

	// ErrGameNotFound is returned by the store for unknown game ids.
	ErrGameNotFound = errors.New("game not found")

	// ErrAnalysisNotFound is returned when no analysis rows exist for a game.
	ErrAnalysisNotFound = errors.New("analysis not found")
)
