package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
	"github.com/AndreaCadonna/chess-analyzer-sub001/pkg/uci"
)

const testFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// fakeEngine is a scriptable engineHandle. failWith, when set, fails the
// next Analyze call and marks the engine crashed. startErr fails Start.
// blocking makes Analyze wait until Stop, Shutdown or release();
// newGameGate, when set, makes NewGame wait until the gate closes.
type fakeEngine struct {
	id int

	mu          sync.Mutex
	status      uci.Status
	calls       int
	newGames    int
	stops       int
	shutdowns   int
	failWith    error
	startErr    error
	blocking    bool
	newGameGate chan struct{}

	releaseCh   chan struct{}
	releaseOnce sync.Once
}

func newFakeEngine(id int) *fakeEngine {
	return &fakeEngine{id: id, releaseCh: make(chan struct{})}
}

func (f *fakeEngine) release() {
	f.releaseOnce.Do(func() { close(f.releaseCh) })
}

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.status = uci.StatusIdle
	return nil
}

func (f *fakeEngine) Analyze(ctx context.Context, fen string, opts uci.Options, progress uci.ProgressFunc) (*uci.Result, error) {
	f.mu.Lock()
	f.status = uci.StatusBusy
	f.calls++
	fail := f.failWith
	f.failWith = nil
	blocking := f.blocking
	f.mu.Unlock()

	if blocking {
		<-f.releaseCh
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if fail != nil {
		f.status = uci.StatusCrashed
		return nil, fail
	}
	f.status = uci.StatusIdle
	return &uci.Result{
		FEN:      fen,
		BestMove: "e2e4",
		Depth:    opts.Depth,
		Lines: []uci.PVLine{
			{MultiPVIndex: 1, Evaluation: 30, BestMove: "e2e4", PV: []string{"e2e4"}, Depth: opts.Depth},
		},
	}, nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.release()
	return nil
}

func (f *fakeEngine) NewGame() error {
	f.mu.Lock()
	f.newGames++
	gate := f.newGameGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (f *fakeEngine) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.status = uci.StatusShutdown
	f.shutdowns++
	f.mu.Unlock()
	f.release()
	return nil
}

func (f *fakeEngine) Status() uci.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEngine) analyzeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) newGameCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newGames
}

// engineTracker hands out fake engines and remembers every instance per
// worker id, so restarts are observable.
type engineTracker struct {
	mu      sync.Mutex
	made    map[int][]*fakeEngine
	prepare func(eng *fakeEngine, generation int)
}

func newEngineTracker(prepare func(eng *fakeEngine, generation int)) *engineTracker {
	return &engineTracker{made: make(map[int][]*fakeEngine), prepare: prepare}
}

func (tr *engineTracker) factory(id int) engineHandle {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	eng := newFakeEngine(id)
	if tr.prepare != nil {
		tr.prepare(eng, len(tr.made[id]))
	}
	tr.made[id] = append(tr.made[id], eng)
	return eng
}

func (tr *engineTracker) engine(id, generation int) *fakeEngine {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.made[id][generation]
}

func (tr *engineTracker) generations(id int) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.made[id])
}

func newTestPool(t *testing.T, cfg PoolConfig, tr *engineTracker) *Pool {
	t.Helper()
	p := NewPool(cfg, NewChessService())
	p.newEngine = tr.factory
	require.NoError(t, p.Initialize())
	return p
}

func TestPoolInitialize(t *testing.T) {
	tr := newEngineTracker(nil)
	p := newTestPool(t, PoolConfig{PoolSize: 4, ReservedForLive: 1}, tr)
	defer p.Shutdown(context.Background())

	stats := p.Stats()
	assert.Equal(t, 4, stats.TotalWorkers)
	assert.Equal(t, 4, stats.IdleWorkers)
	assert.Equal(t, 1, stats.ReservedWorkers)
	assert.Equal(t, 3, stats.BatchWorkers)
	assert.Equal(t, 3, p.BatchWorkers())
}

func TestPoolInitializeConcurrentBootsOnce(t *testing.T) {
	tr := newEngineTracker(nil)
	p := NewPool(PoolConfig{PoolSize: 3, ReservedForLive: 1}, NewChessService())
	p.newEngine = tr.factory

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Initialize())
		}()
	}
	wg.Wait()
	defer p.Shutdown(context.Background())

	assert.Equal(t, 3, p.Stats().TotalWorkers)
	made := 0
	for id := 0; id < 3; id++ {
		made += tr.generations(id)
	}
	assert.Equal(t, 3, made)
}

func TestPoolRejectsInvalidFEN(t *testing.T) {
	tr := newEngineTracker(nil)
	p := newTestPool(t, PoolConfig{PoolSize: 1}, tr)
	defer p.Shutdown(context.Background())

	_, err := p.AnalyzePosition(context.Background(), "not a fen", uci.Options{Depth: 10}, PriorityBatch, nil)
	assert.ErrorIs(t, err, models.ErrInvalidFEN)
}

func TestPoolAnalyzeRoundTrip(t *testing.T) {
	tr := newEngineTracker(nil)
	p := newTestPool(t, PoolConfig{PoolSize: 2, ReservedForLive: 1}, tr)
	defer p.Shutdown(context.Background())

	res, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 15}, PriorityBatch, nil)
	require.NoError(t, err)
	assert.Equal(t, "e2e4", res.BestMove)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.Equal(t, 2, stats.IdleWorkers)
}

func TestBatchNeverUsesReservedWorker(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		if eng.id != 0 { // worker 0 is reserved; only the batch worker blocks
			eng.blocking = true
		}
	})
	p := newTestPool(t, PoolConfig{PoolSize: 2, ReservedForLive: 1}, tr)
	defer p.Shutdown(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
		assert.NoError(t, err)
	}()

	// the only batch worker is busy; a second batch task must queue even
	// though the reserved worker is idle
	require.Eventually(t, func() bool { return p.Stats().BusyWorkers == 1 }, time.Second, 5*time.Millisecond)

	queued := make(chan struct{})
	go func() {
		defer close(queued)
		_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return p.Stats().QueueLength == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.engine(0, 0).calls)

	// a live task bypasses the queue via the idle reserved worker
	res, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityLive, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, tr.engine(0, 0).calls)

	tr.engine(1, 0).release()
	<-done
	<-queued
}

func TestLiveFallsBackToBatchWorker(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		if eng.id == 0 {
			eng.blocking = true
		}
	})
	p := newTestPool(t, PoolConfig{PoolSize: 2, ReservedForLive: 1}, tr)
	defer p.Shutdown(context.Background())

	// occupy the reserved worker with a live task
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityLive, nil)
	}()
	require.Eventually(t, func() bool { return tr.engine(0, 0).Status() == uci.StatusBusy }, time.Second, 5*time.Millisecond)

	// a second live task spills over to the idle non-reserved worker
	_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityLive, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.engine(1, 0).calls)

	tr.engine(0, 0).release()
	<-done
}

func TestPoolQueueFull(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		eng.blocking = true
	})
	p := newTestPool(t, PoolConfig{PoolSize: 1, MaxQueueSize: 1}, tr)
	defer p.Shutdown(context.Background())

	running := make(chan struct{})
	go func() {
		defer close(running)
		_, _ = p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	}()
	require.Eventually(t, func() bool { return p.Stats().BusyWorkers == 1 }, time.Second, 5*time.Millisecond)

	queued := make(chan struct{})
	go func() {
		defer close(queued)
		_, _ = p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	}()
	require.Eventually(t, func() bool { return p.Stats().QueueLength == 1 }, time.Second, 5*time.Millisecond)

	_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	assert.ErrorIs(t, err, models.ErrQueueFull)

	tr.engine(0, 0).release()
	<-running
	<-queued
}

func TestPoolRetriesCrashedTaskOnRestartedWorker(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		if generation == 0 {
			eng.failWith = uci.ErrClosedUnexpectedly
		}
	})
	p := newTestPool(t, PoolConfig{
		PoolSize:       1,
		MaxRetries:     2,
		RestartBackoff: 10 * time.Millisecond,
	}, tr)
	defer p.Shutdown(context.Background())

	res, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	require.NoError(t, err)
	assert.Equal(t, "e2e4", res.BestMove)

	// the crashed engine was replaced and the retried task ran on the new one
	assert.Equal(t, 2, tr.generations(0))
	assert.Equal(t, 1, tr.engine(0, 0).shutdowns)
	assert.Equal(t, 1, tr.engine(0, 1).calls)
	assert.Equal(t, int64(1), p.Stats().TasksCompleted)
}

func TestPoolGivesUpAfterMaxRetries(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		eng.failWith = uci.ErrClosedUnexpectedly // every generation fails once
	})
	p := newTestPool(t, PoolConfig{
		PoolSize:       1,
		MaxRetries:     1,
		RestartBackoff: 10 * time.Millisecond,
	}, tr)
	defer p.Shutdown(context.Background())

	_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	assert.ErrorIs(t, err, uci.ErrClosedUnexpectedly)
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestPoolWorkerStaysCrashedAfterRestartExhaustion(t *testing.T) {
	spawnErr := errors.New("engine binary gone")
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		if generation == 0 {
			eng.failWith = uci.ErrClosedUnexpectedly
		} else {
			eng.startErr = spawnErr
		}
	})
	p := newTestPool(t, PoolConfig{
		PoolSize:        1,
		MaxRetries:      2,
		RestartAttempts: 2,
		RestartBackoff:  5 * time.Millisecond,
	}, tr)
	defer p.Shutdown(context.Background())

	// the retried task is rejected once the last worker exhausts its
	// restart attempts, instead of sitting in the queue forever
	_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	assert.ErrorIs(t, err, models.ErrNoWorkers)

	stats := p.Stats()
	assert.Equal(t, 1, stats.CrashedWorkers)
	assert.Equal(t, 0, stats.RestartingWorkers)
	assert.Equal(t, 0, stats.QueueLength)
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.Equal(t, 3, tr.generations(0)) // original engine plus both failed spawns
	assert.Equal(t, 1, tr.engine(0, 0).shutdowns)

	// new submissions fail fast rather than queueing
	_, err = p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	assert.ErrorIs(t, err, models.ErrNoWorkers)
}

func TestPoolTaskTimeoutStopsEngine(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		eng.blocking = true // only Stop releases it
	})
	p := newTestPool(t, PoolConfig{PoolSize: 1, TaskTimeout: 50 * time.Millisecond}, tr)
	defer p.Shutdown(context.Background())

	res, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 30}, PriorityBatch, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.GreaterOrEqual(t, tr.engine(0, 0).stops, 1)
}

func TestStopLiveTask(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		if eng.id == 0 {
			eng.blocking = true
		}
	})
	p := newTestPool(t, PoolConfig{PoolSize: 2, ReservedForLive: 1}, tr)
	defer p.Shutdown(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 30}, PriorityLive, nil)
	}()
	require.Eventually(t, func() bool { return tr.engine(0, 0).Status() == uci.StatusBusy }, time.Second, 5*time.Millisecond)

	p.StopLiveTask()
	<-done
	assert.Equal(t, 1, tr.engine(0, 0).stops)
}

func TestPoolNewGameSkipsReservedWorkers(t *testing.T) {
	tr := newEngineTracker(nil)
	p := newTestPool(t, PoolConfig{PoolSize: 3, ReservedForLive: 1}, tr)
	defer p.Shutdown(context.Background())

	p.NewGame()
	assert.Equal(t, 0, tr.engine(0, 0).newGames)
	assert.Equal(t, 1, tr.engine(1, 0).newGames)
	assert.Equal(t, 1, tr.engine(2, 0).newGames)
}

func TestPoolNewGameClaimsWorkers(t *testing.T) {
	gate := make(chan struct{})
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		eng.newGameGate = gate
	})
	p := newTestPool(t, PoolConfig{PoolSize: 1}, tr)
	defer p.Shutdown(context.Background())

	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		p.NewGame()
	}()
	require.Eventually(t, func() bool { return tr.engine(0, 0).newGameCalls() == 1 }, time.Second, 5*time.Millisecond)

	// the worker is claimed for the ucinewgame exchange, so a task
	// submitted in the window queues instead of racing onto the worker
	type analyzeOutcome struct {
		res *uci.Result
		err error
	}
	got := make(chan analyzeOutcome, 1)
	go func() {
		res, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
		got <- analyzeOutcome{res, err}
	}()
	require.Eventually(t, func() bool { return p.Stats().QueueLength == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.engine(0, 0).analyzeCalls())

	close(gate)
	<-broadcastDone

	out := <-got
	require.NoError(t, out.err)
	assert.Equal(t, "e2e4", out.res.BestMove)
	assert.Equal(t, 1, tr.engine(0, 0).analyzeCalls())
}

func TestPoolShutdownRejectsQueued(t *testing.T) {
	tr := newEngineTracker(func(eng *fakeEngine, generation int) {
		eng.blocking = true
	})
	p := newTestPool(t, PoolConfig{PoolSize: 1}, tr)

	running := make(chan struct{})
	go func() {
		defer close(running)
		_, _ = p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	}()
	require.Eventually(t, func() bool { return p.Stats().BusyWorkers == 1 }, time.Second, 5*time.Millisecond)

	queuedErr := make(chan error, 1)
	go func() {
		_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
		queuedErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().QueueLength == 1 }, time.Second, 5*time.Millisecond)

	p.Shutdown(context.Background())

	assert.ErrorIs(t, <-queuedErr, models.ErrPoolShuttingDown)
	<-running
	assert.Equal(t, 1, tr.engine(0, 0).shutdowns)

	_, err := p.AnalyzePosition(context.Background(), testFEN, uci.Options{Depth: 10}, PriorityBatch, nil)
	assert.ErrorIs(t, err, models.ErrPoolShuttingDown)
}
