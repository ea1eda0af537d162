package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
	"github.com/AndreaCadonna/chess-analyzer-sub001/pkg/uci"
)

// Priority selects the dispatch class of a task.
type Priority string

const (
	// PriorityLive tasks prefer reserved workers and may spill over to any
	// idle worker.
	PriorityLive Priority = "live"
	// PriorityBatch tasks only ever run on non-reserved workers.
	PriorityBatch Priority = "batch"
)

// PoolConfig configures the engine worker pool.
type PoolConfig struct {
	PoolSize        int
	ReservedForLive int
	MaxQueueSize    int
	TaskTimeout     time.Duration
	MaxRetries      int
	RestartAttempts int
	RestartBackoff  time.Duration
	Engine          uci.Config
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.ReservedForLive < 0 || c.ReservedForLive >= c.PoolSize {
		c.ReservedForLive = 1
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 200
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 2
	}
	if c.RestartAttempts <= 0 {
		c.RestartAttempts = 3
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 2 * time.Second
	}
	return c
}

// engineHandle is the slice of pkg/uci the pool drives; tests substitute
// scripted engines.
type engineHandle interface {
	Start() error
	Analyze(ctx context.Context, fen string, opts uci.Options, progress uci.ProgressFunc) (*uci.Result, error)
	Stop() error
	NewGame() error
	Shutdown(ctx context.Context) error
	Status() uci.Status
}

type taskResult struct {
	res *uci.Result
	err error
}

// task is one queued analysis request.
type task struct {
	id         int64
	fen        string
	opts       uci.Options
	priority   Priority
	enqueuedAt time.Time
	retryCount int
	maxRetries int
	progress   uci.ProgressFunc
	resultCh   chan taskResult
}

// worker pairs an engine with pool-side bookkeeping. Status transitions and
// currentTask are serialized under the pool mutex; a busy worker always has
// a current task.
type worker struct {
	id          int
	reserved    bool
	engine      engineHandle
	status      uci.Status
	currentTask *task
	completed   int64
	failed      int64
}

// Pool owns the engine workers, the two-priority FIFO queue and task
// supervision (timeout, retry, worker restart).
type Pool struct {
	cfg   PoolConfig
	log   *logrus.Entry
	chess *ChessService

	// newEngine builds a worker's engine; overridden in tests.
	newEngine func(id int) engineHandle

	initOnce sync.Once
	initErr  error

	mu           sync.Mutex
	workers      []*worker
	queue        []*task
	nextTaskID   int64
	initialized  bool
	shuttingDown bool
	completed    int64
	failed       int64
}

// NewPool creates an uninitialized pool. Initialize boots the engines.
func NewPool(cfg PoolConfig, chess *ChessService) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:   cfg,
		log:   logrus.WithField("component", "pool"),
		chess: chess,
	}
	p.newEngine = func(id int) engineHandle {
		return uci.NewEngine(id, cfg.Engine)
	}
	return p
}

// Initialize boots all workers. The first ReservedForLive workers are held
// for live tasks. Concurrent and repeated calls share a single boot; a
// failed initialization shuts down any workers already started.
func (p *Pool) Initialize() error {
	p.initOnce.Do(func() { p.initErr = p.boot() })
	return p.initErr
}

func (p *Pool) boot() error {
	p.log.Infof("initializing pool: %d workers (%d reserved for live)",
		p.cfg.PoolSize, p.cfg.ReservedForLive)

	workers := make([]*worker, 0, p.cfg.PoolSize)
	for i := 0; i < p.cfg.PoolSize; i++ {
		eng := p.newEngine(i)
		if err := eng.Start(); err != nil {
			for _, w := range workers {
				_ = w.engine.Shutdown(context.Background())
			}
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		workers = append(workers, &worker{
			id:       i,
			reserved: i < p.cfg.ReservedForLive,
			engine:   eng,
			status:   uci.StatusIdle,
		})
		p.log.Debugf("worker %d ready (reserved=%v)", i, i < p.cfg.ReservedForLive)
	}

	p.mu.Lock()
	p.workers = workers
	p.initialized = true
	p.mu.Unlock()
	return nil
}

// AnalyzePosition enqueues one analysis task and waits for its result. The
// context only abandons the wait; the task itself still runs to completion.
func (p *Pool) AnalyzePosition(ctx context.Context, fen string, opts uci.Options, priority Priority, progress uci.ProgressFunc) (*uci.Result, error) {
	if err := p.chess.ValidateFEN(fen); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.initialized || p.shuttingDown {
		p.mu.Unlock()
		return nil, models.ErrPoolShuttingDown
	}
	if p.usableWorkersLocked() == 0 {
		p.mu.Unlock()
		return nil, models.ErrNoWorkers
	}
	if len(p.queue) >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		return nil, models.ErrQueueFull
	}
	p.nextTaskID++
	t := &task{
		id:         p.nextTaskID,
		fen:        fen,
		opts:       opts,
		priority:   priority,
		enqueuedAt: time.Now(),
		maxRetries: p.cfg.MaxRetries,
		progress:   progress,
		resultCh:   make(chan taskResult, 1),
	}
	p.queue = append(p.queue, t)
	p.dispatchLocked()
	p.mu.Unlock()

	select {
	case r := <-t.resultCh:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchLocked scans the queue in FIFO order and starts every task for
// which an eligible idle worker exists. Called with p.mu held.
func (p *Pool) dispatchLocked() {
	i := 0
	for i < len(p.queue) {
		t := p.queue[i]
		w := p.pickWorkerLocked(t.priority)
		if w == nil {
			i++
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		w.status = uci.StatusBusy
		w.currentTask = t
		go p.runTask(w, t)
	}
}

// usableWorkersLocked counts workers that can serve tasks now or after a
// pending restart completes. Called with p.mu held.
func (p *Pool) usableWorkersLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.status != uci.StatusCrashed && w.status != uci.StatusShutdown {
			n++
		}
	}
	return n
}

// pickWorkerLocked claims an idle worker for the given priority. Live tasks
// prefer reserved workers and fall back to any idle worker; batch tasks
// never use a reserved worker.
func (p *Pool) pickWorkerLocked(priority Priority) *worker {
	if priority == PriorityLive {
		for _, w := range p.workers {
			if w.reserved && w.status == uci.StatusIdle {
				return w
			}
		}
	}
	for _, w := range p.workers {
		if !w.reserved && w.status == uci.StatusIdle {
			return w
		}
	}
	return nil
}

// runTask executes one task on its claimed worker, arming the pool-level
// wall timer that converts an overrun into a cooperative engine stop.
func (p *Pool) runTask(w *worker, t *task) {
	timer := time.AfterFunc(p.cfg.TaskTimeout, func() {
		p.log.Warnf("task %d exceeded %s on worker %d, sending stop", t.id, p.cfg.TaskTimeout, w.id)
		_ = w.engine.Stop()
	})
	res, err := w.engine.Analyze(context.Background(), t.fen, t.opts, t.progress)
	timer.Stop()

	var deliver *taskResult

	p.mu.Lock()
	w.currentTask = nil
	switch {
	case err == nil:
		w.completed++
		p.completed++
		deliver = &taskResult{res: res}
	case p.retryable(err) && !p.shuttingDown && t.retryCount < t.maxRetries:
		t.retryCount++
		p.log.Warnf("task %d failed on worker %d (%v), retry %d/%d at queue front",
			t.id, w.id, err, t.retryCount, t.maxRetries)
		p.queue = append([]*task{t}, p.queue...)
	default:
		if p.shuttingDown && p.retryable(err) {
			err = models.ErrPoolShuttingDown
		}
		w.failed++
		p.failed++
		deliver = &taskResult{err: err}
	}

	if w.engine.Status() == uci.StatusIdle {
		w.status = uci.StatusIdle
	} else if !p.shuttingDown {
		w.status = uci.StatusCrashed
		go p.restartWorker(w)
	} else {
		w.status = uci.StatusShutdown
	}
	p.dispatchLocked()
	p.mu.Unlock()

	if deliver != nil {
		t.resultCh <- *deliver
	}
}

// retryable reports whether a task failure warrants a retry on a healthy
// worker. Position-level failures (invalid FEN, no legal moves) are final.
func (p *Pool) retryable(err error) bool {
	return errors.Is(err, uci.ErrClosedUnexpectedly) ||
		errors.Is(err, uci.ErrNotReady) ||
		errors.Is(err, uci.ErrShuttingDown)
}

// restartWorker replaces a crashed worker's engine, with bounded attempts
// and back-off. On exhaustion the worker stays crashed.
func (p *Pool) restartWorker(w *worker) {
	p.mu.Lock()
	if p.shuttingDown || w.status == uci.StatusRestarting {
		p.mu.Unlock()
		return
	}
	w.status = uci.StatusRestarting
	old := w.engine
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = old.Shutdown(ctx)
	cancel()

	for attempt := 1; attempt <= p.cfg.RestartAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(p.cfg.RestartBackoff)
		}
		p.mu.Lock()
		if p.shuttingDown {
			w.status = uci.StatusShutdown
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		eng := p.newEngine(w.id)
		if err := eng.Start(); err != nil {
			p.log.Errorf("worker %d restart attempt %d/%d failed: %v",
				w.id, attempt, p.cfg.RestartAttempts, err)
			continue
		}

		p.mu.Lock()
		w.engine = eng
		w.status = uci.StatusIdle
		p.log.Infof("worker %d restarted", w.id)
		p.dispatchLocked()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	w.status = uci.StatusCrashed
	var stranded []*task
	if p.usableWorkersLocked() == 0 {
		stranded = p.queue
		p.queue = nil
		p.failed += int64(len(stranded))
	}
	p.mu.Unlock()

	p.log.Errorf("worker %d failed after %d restart attempts, leaving crashed", w.id, p.cfg.RestartAttempts)
	if len(stranded) > 0 {
		p.log.Errorf("no usable workers remain, rejecting %d queued tasks", len(stranded))
		for _, t := range stranded {
			t.resultCh <- taskResult{err: models.ErrNoWorkers}
		}
	}
}

// NewGame broadcasts ucinewgame to idle non-reserved workers so engine
// transposition tables do not carry state across games. Each targeted
// worker is claimed for the exchange so dispatch cannot hand it a task
// while the handshake is in flight.
func (p *Pool) NewGame() {
	p.mu.Lock()
	claimed := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.reserved && w.status == uci.StatusIdle {
			w.status = uci.StatusInitializing
			claimed = append(claimed, w)
		}
	}
	p.mu.Unlock()

	for _, w := range claimed {
		if err := w.engine.NewGame(); err != nil {
			p.log.Debugf("ucinewgame on worker %d skipped: %v", w.id, err)
		}
	}

	p.mu.Lock()
	for _, w := range claimed {
		if w.status != uci.StatusInitializing {
			continue // shutdown raced in
		}
		if w.engine.Status() == uci.StatusIdle {
			w.status = uci.StatusIdle
		} else {
			w.status = uci.StatusCrashed
			go p.restartWorker(w)
		}
	}
	p.dispatchLocked()
	p.mu.Unlock()
}

// StopLiveTask cooperatively stops the busy reserved worker, if any.
func (p *Pool) StopLiveTask() {
	p.mu.Lock()
	var eng engineHandle
	for _, w := range p.workers {
		if w.reserved && w.status == uci.StatusBusy {
			eng = w.engine
			break
		}
	}
	p.mu.Unlock()

	if eng != nil {
		_ = eng.Stop()
	}
}

// Stats returns a consistent snapshot of pool state.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := models.PoolStats{
		TotalWorkers:   len(p.workers),
		QueueLength:    len(p.queue),
		TasksCompleted: p.completed,
		TasksFailed:    p.failed,
	}
	for _, w := range p.workers {
		switch w.status {
		case uci.StatusIdle:
			stats.IdleWorkers++
		case uci.StatusBusy:
			stats.BusyWorkers++
		case uci.StatusCrashed:
			stats.CrashedWorkers++
		case uci.StatusRestarting:
			stats.RestartingWorkers++
		}
		if w.reserved {
			stats.ReservedWorkers++
		} else {
			stats.BatchWorkers++
		}
	}
	return stats
}

// BatchWorkers returns the number of non-reserved workers; the game
// analyzer uses it as its in-flight bound.
func (p *Pool) BatchWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if !w.reserved {
			n++
		}
	}
	return n
}

// Shutdown rejects all queued tasks and shuts every engine down. In-flight
// tasks fail with ErrPoolShuttingDown.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	queued := p.queue
	p.queue = nil
	engines := make([]engineHandle, 0, len(p.workers))
	for _, w := range p.workers {
		engines = append(engines, w.engine)
	}
	p.mu.Unlock()

	for _, t := range queued {
		t.resultCh <- taskResult{err: models.ErrPoolShuttingDown}
	}

	p.log.Infof("shutting down pool (%d workers, %d queued tasks rejected)", len(engines), len(queued))
	var wg sync.WaitGroup
	for _, eng := range engines {
		wg.Add(1)
		go func(e engineHandle) {
			defer wg.Done()
			_ = e.Shutdown(ctx)
		}(eng)
	}
	wg.Wait()

	p.mu.Lock()
	for _, w := range p.workers {
		w.status = uci.StatusShutdown
	}
	p.mu.Unlock()
	p.log.Info("pool shutdown complete")
}
