package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
)

// Errors returned through futures when a task cannot be queued.
var (
	ErrClosed    = apperrors.New(apperrors.PoolClosed, "worker pool closed")
	ErrQueueFull = apperrors.New(apperrors.PoolSaturated, "worker pool queue full")
)

// Config holds pool bounds and resize policy.
type Config struct {
	MinWorkers int
	MaxWorkers int
	QueueSize  int

	WaitThreshold     time.Duration
	ExecThreshold     time.Duration
	IdleWaitThreshold time.Duration
	LowUtilization    float64

	EvaluateInterval time.Duration
	ResizeInterval   time.Duration
}

// DefaultConfig returns bounds derived from the CPU count.
func DefaultConfig() Config {
	return Config{
		MinWorkers:        DefaultMinWorkers,
		MaxWorkers:        defaultMaxWorkers(),
		QueueSize:         DefaultQueueSize,
		WaitThreshold:     DefaultWaitThreshold,
		ExecThreshold:     DefaultExecThreshold,
		IdleWaitThreshold: DefaultIdleWaitThreshold,
		LowUtilization:    DefaultLowUtilization,
		EvaluateInterval:  DefaultEvaluateInterval,
		ResizeInterval:    DefaultResizeInterval,
	}
}

func defaultMaxWorkers() int {
	return max(DefaultMinWorkers, min(runtime.NumCPU()*2, MaxWorkersCap))
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinWorkers <= 0 {
		c.MinWorkers = d.MinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WaitThreshold <= 0 {
		c.WaitThreshold = d.WaitThreshold
	}
	if c.ExecThreshold <= 0 {
		c.ExecThreshold = d.ExecThreshold
	}
	if c.IdleWaitThreshold <= 0 {
		c.IdleWaitThreshold = d.IdleWaitThreshold
	}
	if c.LowUtilization <= 0 {
		c.LowUtilization = d.LowUtilization
	}
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = d.EvaluateInterval
	}
	if c.ResizeInterval <= 0 {
		c.ResizeInterval = d.ResizeInterval
	}
	return c
}

// Stats is the pool sizing state plus counters.
type Stats struct {
	Size        int
	MinWorkers  int
	MaxWorkers  int
	Generation  int
	Queued      int
	Submitted   uint64
	Completed   uint64
	Rejected    uint64
	Resizes     uint64
	AvgWait     time.Duration
	AvgExec     time.Duration
	Utilization float64
	LastResize  time.Time
}

type task struct {
	run      func()
	enqueued time.Time
}

// generation is one set of workers. Retiring a generation closes quit;
// its workers finish the task they hold and exit.
type generation struct {
	id   int
	size int
	quit chan struct{}
}

// Pool is a bounded worker pool. All generations read from one shared queue,
// so resizing never drops queued work.
type Pool struct {
	cfg   Config
	tasks chan *task

	// sendMu lets Close wait out concurrent submits before closing tasks.
	sendMu sync.RWMutex
	closed bool

	mu          sync.Mutex
	gen         *generation
	lastResize  time.Time
	windowStart time.Time
	waitSum     time.Duration
	execSum     time.Duration
	samples     int
	busy        time.Duration
	resizes     uint64

	workers   sync.WaitGroup
	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64

	now func() time.Time
}

// New starts a pool at its minimum size.
func New(cfg Config) *Pool {
	return newPool(cfg, time.Now)
}

func newPool(cfg Config, now func() time.Time) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:   cfg,
		tasks: make(chan *task, cfg.QueueSize),
		now:   now,
	}
	start := now()
	p.lastResize, p.windowStart = start, start
	p.gen = p.spawn(0, cfg.MinWorkers)
	return p
}

func (p *Pool) spawn(id, size int) *generation {
	g := &generation{id: id, size: size, quit: make(chan struct{})}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(g)
	}
	return g
}

func (p *Pool) worker(g *generation) {
	defer p.workers.Done()
	for {
		select {
		case <-g.quit:
			return
		default:
		}
		select {
		case <-g.quit:
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(t)
		}
	}
}

func (p *Pool) execute(t *task) {
	start := p.now()
	t.run()
	end := p.now()
	p.completed.Add(1)
	p.observe(start.Sub(t.enqueued), end.Sub(start))
}

func (p *Pool) observe(wait, exec time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitSum += wait
	p.execSum += exec
	p.busy += exec
	p.samples++
}

// Submit queues fn and returns its future. When the queue is full or the pool
// is closed the future resolves immediately with ErrQueueFull or ErrClosed.
func Submit[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	t := &task{
		enqueued: p.now(),
		run: func() {
			var (
				v   T
				err error
			)
			defer func() {
				if r := recover(); r != nil {
					err = apperrors.Newf(apperrors.Internal, "task panic: %v", r)
				}
				f.resolve(v, err)
			}()
			v, err = fn()
		},
	}

	var zero T
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		f.resolve(zero, ErrClosed)
		return f
	}
	select {
	case p.tasks <- t:
		p.submitted.Add(1)
	default:
		p.rejected.Add(1)
		f.resolve(zero, ErrQueueFull)
	}
	return f
}

// Evaluate applies the resize policy once. It is rate-limited by
// ResizeInterval and returns whether the pool was resized.
func (p *Pool) Evaluate() bool {
	p.sendMu.RLock()
	closed := p.closed
	p.sendMu.RUnlock()
	if closed {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastResize) < p.cfg.ResizeInterval {
		return false
	}

	avgWait, avgExec, util := p.averagesLocked(now)
	size := p.gen.size
	target := size
	switch {
	case p.samples > 0 && avgWait > p.cfg.WaitThreshold && avgExec < p.cfg.ExecThreshold && size < p.cfg.MaxWorkers:
		target = size + 1
	case avgWait < p.cfg.IdleWaitThreshold && util < p.cfg.LowUtilization && size > p.cfg.MinWorkers:
		target = size - 1
	}
	if target == size {
		return false
	}

	slog.Debug("resizing worker pool", "from", size, "to", target,
		"avg_wait", avgWait, "avg_exec", avgExec, "utilization", fmt.Sprintf("%.2f", util))
	p.resizeLocked(target, now)
	return true
}

// resizeLocked stands up a generation of the new size and retires the current one.
func (p *Pool) resizeLocked(size int, now time.Time) {
	old := p.gen
	p.gen = p.spawn(old.id+1, size)
	close(old.quit)

	p.resizes++
	p.lastResize = now
	p.windowStart = now
	p.waitSum, p.execSum, p.busy, p.samples = 0, 0, 0, 0
}

func (p *Pool) averagesLocked(now time.Time) (wait, exec time.Duration, util float64) {
	if p.samples > 0 {
		wait = p.waitSum / time.Duration(p.samples)
		exec = p.execSum / time.Duration(p.samples)
	}
	if elapsed := now.Sub(p.windowStart); elapsed > 0 && p.gen.size > 0 {
		util = float64(p.busy) / (float64(elapsed) * float64(p.gen.size))
	}
	return wait, exec, util
}

// Run evaluates the resize policy every EvaluateInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Evaluate()
		}
	}
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen.size
}

// Stats returns a snapshot of the sizing state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	wait, exec, util := p.averagesLocked(p.now())
	return Stats{
		Size:        p.gen.size,
		MinWorkers:  p.cfg.MinWorkers,
		MaxWorkers:  p.cfg.MaxWorkers,
		Generation:  p.gen.id,
		Queued:      len(p.tasks),
		Submitted:   p.submitted.Load(),
		Completed:   p.completed.Load(),
		Rejected:    p.rejected.Load(),
		Resizes:     p.resizes,
		AvgWait:     wait,
		AvgExec:     exec,
		Utilization: util,
		LastResize:  p.lastResize,
	}
}

// Close stops accepting work, lets queued and in-flight tasks finish, and
// waits for every worker of every generation to exit.
func (p *Pool) Close() {
	p.sendMu.Lock()
	if p.closed {
		p.sendMu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.sendMu.Unlock()

	p.workers.Wait()
}
