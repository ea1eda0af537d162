// Package uci implements a line-oriented UCI front-end over a spawned chess
// engine process: boot handshake, per-position analysis with MultiPV,
// streaming partial results, cooperative stop and supervised shutdown.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Engine-level errors. The pool treats the process-lifecycle ones as
// retryable.
var (
	ErrInitTimeout        = errors.New("engine initialization timed out")
	ErrStartFailed        = errors.New("engine failed to start")
	ErrNoLegalMoves       = errors.New("no legal moves in position")
	ErrClosedUnexpectedly = errors.New("engine closed unexpectedly")
	ErrNotReady           = errors.New("engine not ready")
	ErrShuttingDown       = errors.New("engine is shutting down")
)

// Status is the lifecycle state of an engine.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusCrashed      Status = "crashed"
	StatusRestarting   Status = "restarting"
	StatusShutdown     Status = "shutdown"
)

const (
	defaultInitTimeout = 15 * time.Second
	defaultQuitTimeout = 5 * time.Second
	defaultTermTimeout = 5 * time.Second

	// stopGrace is added to a task's time limit before a cooperative stop
	// is issued; bestmoveGrace bounds how long we wait for the engine to
	// honor the stop before the process is recycled.
	stopGrace     = time.Second
	bestmoveGrace = 2 * time.Second

	// progressInterval throttles streaming analysis-info snapshots.
	progressInterval = 200 * time.Millisecond

	heartbeatInterval = 10 * time.Second
	heartbeatLimit    = 60 * time.Second

	readyTimeout = 5 * time.Second
)

// Config holds engine process configuration.
type Config struct {
	BinaryPath string
	Threads    int
	Hash       int // MB

	// Overridable timeouts; zero values use the package defaults.
	InitTimeout       time.Duration
	QuitTimeout       time.Duration
	TermTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatLimit    time.Duration
}

func (c Config) initTimeout() time.Duration {
	if c.InitTimeout > 0 {
		return c.InitTimeout
	}
	return defaultInitTimeout
}

func (c Config) quitTimeout() time.Duration {
	if c.QuitTimeout > 0 {
		return c.QuitTimeout
	}
	return defaultQuitTimeout
}

func (c Config) termTimeout() time.Duration {
	if c.TermTimeout > 0 {
		return c.TermTimeout
	}
	return defaultTermTimeout
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return heartbeatInterval
}

func (c Config) heartbeatLimit() time.Duration {
	if c.HeartbeatLimit > 0 {
		return c.HeartbeatLimit
	}
	return heartbeatLimit
}

// Options configures a single analysis request.
type Options struct {
	Depth     int
	MultiPV   int
	TimeLimit time.Duration // zero disables the engine-side wall timer
}

// PVLine is one finished principal variation line. Evaluation is
// White-relative centipawns; Mate, when set, is White-relative plies.
type PVLine struct {
	MultiPVIndex int
	Evaluation   int
	Mate         *int
	BestMove     string
	PV           []string
	Depth        int
	Nodes        int64
	NPS          int64
}

// Result is a completed position analysis. Lines are sorted by MultiPVIndex
// ascending; index 1 is the engine's best.
type Result struct {
	FEN          string
	Lines        []PVLine
	BestMove     string
	PonderMove   string
	Depth        int
	AnalysisTime time.Duration
}

// ProgressFunc receives throttled snapshots of in-progress lines. The slice
// is a copy and safe to retain.
type ProgressFunc func(lines []PVLine, maxDepth int)

type outcome struct {
	res *Result
	err error
}

type pendingAnalysis struct {
	fen      string
	white    bool
	states   map[int]*lineState
	maxDepth int
	resultCh chan outcome
	progress ProgressFunc
	limiter  *rate.Limiter
	started  time.Time
}

// Engine owns one UCI engine subprocess. All stdin writes go through a
// single writer; stdout is consumed by one reader goroutine that dispatches
// protocol responses.
type Engine struct {
	id  int
	cfg Config
	log *logrus.Entry

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	mu          sync.Mutex
	status      Status
	pending     *pendingAnalysis
	lastMultiPV int

	uciokCh   chan struct{}
	readyokCh chan struct{}
	exitCh    chan struct{}

	lastMessage   atomic.Int64 // unix nanos of the last stdout line
	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

// NewEngine creates an engine handle. Start must be called before use.
func NewEngine(id int, cfg Config) *Engine {
	return &Engine{
		id:            id,
		cfg:           cfg,
		log:           logrus.WithField("engine", id),
		status:        StatusInitializing,
		uciokCh:       make(chan struct{}, 1),
		readyokCh:     make(chan struct{}, 1),
		exitCh:        make(chan struct{}),
		stopHeartbeat: make(chan struct{}),
	}
}

// Start spawns the engine binary and runs the UCI boot protocol:
// uci/uciok, option configuration, isready/readyok.
func (e *Engine) Start() error {
	cmd := exec.Command(e.cfg.BinaryPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrStartFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	e.cmd = cmd
	e.attach(stdin, stdout)
	go e.drainStderr(stderr)

	if err := e.handshake(); err != nil {
		e.terminate()
		return err
	}
	return nil
}

// attach wires the I/O streams and starts the reader and heartbeat
// goroutines. Split from Start so the protocol can be driven over
// in-process pipes in tests.
func (e *Engine) attach(stdin io.WriteCloser, stdout io.Reader) {
	e.stdin = stdin
	e.lastMessage.Store(time.Now().UnixNano())
	go e.readLoop(stdout)
	go e.heartbeatLoop()
}

// handshake performs the uci/isready exchange and applies engine options.
func (e *Engine) handshake() error {
	if err := e.send("uci"); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	select {
	case <-e.uciokCh:
	case <-time.After(e.cfg.initTimeout()):
		return ErrInitTimeout
	case <-e.exitCh:
		return ErrStartFailed
	}

	if e.cfg.Threads > 0 {
		if err := e.send(fmt.Sprintf("setoption name Threads value %d", e.cfg.Threads)); err != nil {
			return fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
	}
	if e.cfg.Hash > 0 {
		if err := e.send(fmt.Sprintf("setoption name Hash value %d", e.cfg.Hash)); err != nil {
			return fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
	}
	if err := e.send("setoption name MultiPV value 1"); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	e.mu.Lock()
	e.lastMultiPV = 1
	e.mu.Unlock()

	if err := e.send("isready"); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	select {
	case <-e.readyokCh:
	case <-time.After(e.cfg.initTimeout()):
		return ErrInitTimeout
	case <-e.exitCh:
		return ErrStartFailed
	}

	e.setStatus(StatusIdle)
	e.log.Debug("engine ready")
	return nil
}

// Analyze runs one analysis while the engine is idle. Evaluations in the
// result are White-relative. A time limit arms a stop-then-recycle timer;
// the context is used for external cancellation (e.g. shutdown).
func (e *Engine) Analyze(ctx context.Context, fen string, opts Options, progress ProgressFunc) (*Result, error) {
	mpv := opts.MultiPV
	if mpv < 1 {
		mpv = 1
	}

	e.mu.Lock()
	switch e.status {
	case StatusIdle:
	case StatusShutdown:
		e.mu.Unlock()
		return nil, ErrShuttingDown
	default:
		st := e.status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, st)
	}
	e.status = StatusBusy
	reconfigure := mpv != e.lastMultiPV
	e.lastMultiPV = mpv
	p := &pendingAnalysis{
		fen:      fen,
		white:    whiteToMove(fen),
		states:   make(map[int]*lineState),
		resultCh: make(chan outcome, 1),
		progress: progress,
		limiter:  rate.NewLimiter(rate.Every(progressInterval), 1),
		started:  time.Now(),
	}
	e.pending = p
	e.mu.Unlock()

	fail := func(err error) (*Result, error) {
		e.mu.Lock()
		e.pending = nil
		e.status = StatusCrashed
		e.mu.Unlock()
		return nil, err
	}

	if reconfigure {
		if err := e.send(fmt.Sprintf("setoption name MultiPV value %d", mpv)); err != nil {
			return fail(ErrClosedUnexpectedly)
		}
	}
	if err := e.send("position fen " + fen); err != nil {
		return fail(ErrClosedUnexpectedly)
	}
	if err := e.send(fmt.Sprintf("go depth %d", opts.Depth)); err != nil {
		return fail(ErrClosedUnexpectedly)
	}

	var limitC <-chan time.Time
	if opts.TimeLimit > 0 {
		t := time.NewTimer(opts.TimeLimit + stopGrace)
		defer t.Stop()
		limitC = t.C
	}

	select {
	case out := <-p.resultCh:
		e.taskDone()
		return out.res, out.err
	case <-limitC:
		e.log.Debugf("time limit reached, stopping search")
		return e.stopAndAwait(p)
	case <-ctx.Done():
		_ = e.send("stop")
		select {
		case out := <-p.resultCh:
			e.taskDone()
			_ = out
		case <-time.After(bestmoveGrace):
			e.terminate()
		}
		return nil, ctx.Err()
	}
}

// stopAndAwait issues a cooperative stop and waits for the engine to flush
// its best-so-far result; an unresponsive engine is recycled.
func (e *Engine) stopAndAwait(p *pendingAnalysis) (*Result, error) {
	_ = e.send("stop")
	select {
	case out := <-p.resultCh:
		e.taskDone()
		return out.res, out.err
	case <-time.After(bestmoveGrace):
		e.log.Error("engine unresponsive after stop, recycling")
		e.terminate()
		select {
		case out := <-p.resultCh:
			return out.res, out.err
		case <-time.After(bestmoveGrace):
			e.mu.Lock()
			e.pending = nil
			e.status = StatusCrashed
			e.mu.Unlock()
			return nil, ErrClosedUnexpectedly
		}
	}
}

// taskDone transitions busy back to idle unless a crash or shutdown
// intervened.
func (e *Engine) taskDone() {
	e.mu.Lock()
	if e.status == StatusBusy {
		e.status = StatusIdle
	}
	e.mu.Unlock()
}

// Stop asks the engine to abandon the current search; the pending analysis
// still resolves through the usual bestmove path.
func (e *Engine) Stop() error {
	return e.send("stop")
}

// NewGame resets the engine's game state (transposition tables) between
// games. Only valid while idle.
func (e *Engine) NewGame() error {
	e.mu.Lock()
	if e.status != StatusIdle {
		st := e.status
		e.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrNotReady, st)
	}
	e.mu.Unlock()

	// drain a stale readyok, if any
	select {
	case <-e.readyokCh:
	default:
	}

	if err := e.send("ucinewgame"); err != nil {
		return err
	}
	if err := e.send("isready"); err != nil {
		return err
	}
	select {
	case <-e.readyokCh:
		return nil
	case <-time.After(readyTimeout):
		return ErrNotReady
	case <-e.exitCh:
		return ErrClosedUnexpectedly
	}
}

// Shutdown asks the engine to quit, escalating to SIGTERM and SIGKILL if it
// does not exit within the configured budgets. An in-flight task is rejected
// with ErrShuttingDown.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusShutdown {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusShutdown
	p := e.pending
	e.pending = nil
	e.mu.Unlock()

	if p != nil {
		p.resultCh <- outcome{err: ErrShuttingDown}
	}
	e.heartbeatOnce.Do(func() { close(e.stopHeartbeat) })

	_ = e.send("quit")
	select {
	case <-e.exitCh:
		return nil
	case <-ctx.Done():
		e.terminate()
		return ctx.Err()
	case <-time.After(e.cfg.quitTimeout()):
	}

	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Signal(syscall.SIGTERM)
	} else if e.stdin != nil {
		_ = e.stdin.Close()
	}
	select {
	case <-e.exitCh:
		return nil
	case <-ctx.Done():
		e.terminate()
		return ctx.Err()
	case <-time.After(e.cfg.termTimeout()):
	}

	e.log.Warn("engine did not exit, killing")
	e.terminate()
	select {
	case <-e.exitCh:
	case <-time.After(time.Second):
	}
	return nil
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// send writes one newline-terminated command. Single-writer per engine.
func (e *Engine) send(cmd string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.stdin == nil {
		return ErrNotReady
	}
	if _, err := io.WriteString(e.stdin, cmd+"\n"); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// terminate forcibly ends the engine process. In test mode (no process) the
// stdin pipe is closed, which the scripted peer treats as a kill.
func (e *Engine) terminate() {
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		return
	}
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
}

// readLoop consumes stdout line by line in arrival order and dispatches
// protocol responses. It owns the crash transition on EOF.
func (e *Engine) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e.lastMessage.Store(time.Now().UnixNano())

		switch {
		case line == "uciok":
			select {
			case e.uciokCh <- struct{}{}:
			default:
			}
		case line == "readyok":
			select {
			case e.readyokCh <- struct{}{}:
			default:
			}
		case strings.HasPrefix(line, "info"):
			e.handleInfo(line)
		case strings.HasPrefix(line, "bestmove"):
			e.handleBestmove(line)
		default:
			// id/option banner lines
			e.log.Tracef("engine: %s", line)
		}
	}

	e.handleEOF()
	if e.cmd != nil {
		_ = e.cmd.Wait()
	}
	close(e.exitCh)
}

func (e *Engine) handleInfo(line string) {
	e.mu.Lock()
	p := e.pending
	if p == nil {
		e.mu.Unlock()
		return
	}
	info := parseInfoLine(line)
	if merge(p.states, info) && info.depth > p.maxDepth {
		p.maxDepth = info.depth
	}
	var snapshot []PVLine
	var depth int
	var cb ProgressFunc
	if p.progress != nil && len(p.states) > 0 && p.limiter.Allow() {
		snapshot = materialize(p.states, p.white)
		depth = p.maxDepth
		cb = p.progress
	}
	e.mu.Unlock()

	if cb != nil && len(snapshot) > 0 {
		cb(snapshot, depth)
	}
}

func (e *Engine) handleBestmove(line string) {
	e.mu.Lock()
	p := e.pending
	e.pending = nil
	e.mu.Unlock()
	if p == nil {
		return
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		p.resultCh <- outcome{err: fmt.Errorf("%w: malformed bestmove %q", ErrClosedUnexpectedly, line)}
		return
	}
	best := fields[1]
	if best == "(none)" {
		p.resultCh <- outcome{err: ErrNoLegalMoves}
		return
	}

	res := &Result{
		FEN:          p.fen,
		Lines:        materialize(p.states, p.white),
		BestMove:     best,
		Depth:        p.maxDepth,
		AnalysisTime: time.Since(p.started),
	}
	if len(fields) >= 4 && fields[2] == "ponder" {
		res.PonderMove = fields[3]
	}
	p.resultCh <- outcome{res: res}
}

// handleEOF fails any in-flight task and marks the engine crashed, unless
// shutdown was already underway.
func (e *Engine) handleEOF() {
	e.mu.Lock()
	p := e.pending
	e.pending = nil
	crashed := e.status != StatusShutdown
	if crashed {
		e.status = StatusCrashed
	}
	e.mu.Unlock()

	if p != nil {
		p.resultCh <- outcome{err: ErrClosedUnexpectedly}
	}
	if crashed {
		e.log.Warn("engine closed unexpectedly")
	}
	e.heartbeatOnce.Do(func() { close(e.stopHeartbeat) })
}

// heartbeatLoop recycles the process when it has been silent too long while
// a search is running; the EOF path then fails the task so the pool can
// retry on a restarted worker.
func (e *Engine) heartbeatLoop() {
	ticker := time.NewTicker(e.cfg.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.stopHeartbeat:
			return
		case <-ticker.C:
			e.mu.Lock()
			busy := e.status == StatusBusy
			e.mu.Unlock()
			silent := time.Since(time.Unix(0, e.lastMessage.Load()))
			if busy && silent > e.cfg.heartbeatLimit() {
				e.log.Errorf("no engine output for %s while busy, forcing restart", silent.Round(time.Second))
				e.terminate()
			}
		}
	}
}

// drainStderr logs engine stderr chatter; it is never fatal.
func (e *Engine) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			e.log.Debugf("engine stderr: %s", line)
		}
	}
}
