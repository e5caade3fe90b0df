// Package pool runs download tasks on a fixed set of executors with a FIFO
// backlog. All pool state is owned by a single coordinator goroutine;
// executors and callers communicate with it over channels only.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sentinel errors surfaced by the pool.
var (
	// ErrPoolSaturated means no executor is idle and the backlog is full.
	// The caller must overflow the task to the external queue.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolShutdown fails backlog futures when the pool shuts down.
	ErrPoolShutdown = errors.New("worker pool shut down")

	// ErrExecutorCrashed fails a future whose executor panicked mid-task.
	ErrExecutorCrashed = errors.New("executor crashed")
)

// Task is one unit of work. The context is cancelled on pool shutdown.
type Task func(ctx context.Context) error

// Future resolves when its task finishes.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete is called exactly once, from the coordinator.
func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the task finishes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// Stats is a point-in-time sample of pool state.
type Stats struct {
	PoolSize          int   `json:"pool_size"`
	Live              int   `json:"live"`
	Active            int   `json:"active"`
	Idle              int   `json:"idle"`
	QueueLength       int   `json:"queue_length"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
	Crashed           int64 `json:"crashed"`
	AverageDurationMs int64 `json:"average_duration_ms"`
	Healthy           bool  `json:"healthy"`
}

type item struct {
	task   Task
	future *Future
}

type executor struct {
	id   int
	work chan *item
}

type taskDone struct {
	exec     *executor
	item     *item
	err      error
	crashed  bool
	duration time.Duration
}

// Pool is a fixed-size worker pool with a bounded FIFO backlog.
type Pool struct {
	size       int
	backlogCap int
	logger     *slog.Logger
	metrics    *metrics

	ops    chan func()
	doneCh chan taskDone

	ctx    context.Context
	cancel context.CancelFunc

	// Coordinator-owned state. Touched only from run().
	idle         []*executor
	backlog      []*item
	live         int
	active       int
	nextExecID   int
	shuttingDown bool
	drained      chan struct{}

	completed   int64
	failed      int64
	crashed     int64
	durationSum time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithMetrics registers pool metrics with reg.
func WithMetrics(reg metricsRegisterer) Option {
	return func(p *Pool) { p.metrics = newMetrics(reg) }
}

// New starts a pool of poolSize executors. The backlog holds up to
// maxConcurrent-poolSize tasks, so at most maxConcurrent tasks are held by
// the pool at once.
func New(poolSize, maxConcurrent int, opts ...Option) (*Pool, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", poolSize)
	}
	if maxConcurrent < poolSize {
		return nil, fmt.Errorf("max concurrent (%d) cannot be below pool size (%d)", maxConcurrent, poolSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:       poolSize,
		backlogCap: maxConcurrent - poolSize,
		logger:     slog.Default(),
		ops:        make(chan func()),
		doneCh:     make(chan taskDone),
		ctx:        ctx,
		cancel:     cancel,
		drained:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < poolSize; i++ {
		p.spawnExecutor()
	}
	if p.metrics != nil {
		p.metrics.poolSize.Set(float64(poolSize))
	}

	go p.run()
	return p, nil
}

// spawnExecutor is called from New and from the coordinator on crash.
func (p *Pool) spawnExecutor() {
	e := &executor{
		id:   p.nextExecID,
		work: make(chan *item, 1),
	}
	p.nextExecID++
	p.live++
	p.idle = append(p.idle, e)
	go p.runExecutor(e)
}

func (p *Pool) runExecutor(e *executor) {
	for it := range e.work {
		start := time.Now()
		err, crashed := p.runTask(it.task)
		p.doneCh <- taskDone{
			exec:     e,
			item:     it,
			err:      err,
			crashed:  crashed,
			duration: time.Since(start),
		}
		if crashed {
			return
		}
	}
}

// runTask executes one task, converting a panic into a crash report.
func (p *Pool) runTask(task Task) (err error, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrExecutorCrashed, r)
			crashed = true
		}
	}()
	return task(p.ctx), false
}

// run is the coordinator. It is the only goroutine that touches pool state.
func (p *Pool) run() {
	for {
		select {
		case op := <-p.ops:
			op()
		case done := <-p.doneCh:
			p.handleDone(done)
		}
		if p.shuttingDown && p.live == 0 {
			close(p.drained)
			return
		}
	}
}

func (p *Pool) handleDone(done taskDone) {
	p.active--
	p.durationSum += done.duration

	switch {
	case done.crashed:
		p.crashed++
		p.failed++
		p.live--
		p.logger.Error("Executor crashed", "executor", done.exec.id, "error", done.err)
		done.item.future.complete(done.err)
		if !p.shuttingDown {
			p.spawnExecutor()
			p.logger.Info("Executor replaced", "live", p.live, "pool_size", p.size)
		}
	case done.err != nil:
		p.failed++
		done.item.future.complete(done.err)
	default:
		p.completed++
		done.item.future.complete(nil)
	}

	if p.metrics != nil {
		p.metrics.observe(done)
	}

	if done.crashed {
		p.redispatchIdle()
		return
	}

	if p.shuttingDown {
		close(done.exec.work)
		p.live--
		return
	}

	// FIFO: the freed executor takes the oldest queued task.
	if len(p.backlog) > 0 {
		next := p.backlog[0]
		p.backlog = p.backlog[1:]
		p.active++
		done.exec.work <- next
	} else {
		p.idle = append(p.idle, done.exec)
	}
	p.sampleGauges()
}

// redispatchIdle hands backlog work to a replacement executor after a crash.
func (p *Pool) redispatchIdle() {
	for len(p.backlog) > 0 && len(p.idle) > 0 {
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		next := p.backlog[0]
		p.backlog = p.backlog[1:]
		p.active++
		e.work <- next
	}
	p.sampleGauges()
}

func (p *Pool) sampleGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.queueLength.Set(float64(len(p.backlog)))
	p.metrics.activeTasks.Set(float64(p.active))
}

// do runs op on the coordinator and waits for it.
func (p *Pool) do(op func()) {
	ran := make(chan struct{})
	select {
	case p.ops <- func() { op(); close(ran) }:
		<-ran
	case <-p.drained:
	}
}

// Submit hands a task to an idle executor, or queues it FIFO. A full backlog
// returns ErrPoolSaturated; a stopped pool returns ErrPoolShutdown.
func (p *Pool) Submit(task Task) (*Future, error) {
	var (
		future *Future
		err    error
	)
	p.do(func() {
		if p.shuttingDown {
			err = ErrPoolShutdown
			return
		}
		it := &item{task: task, future: newFuture()}
		switch {
		case len(p.idle) > 0:
			e := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.active++
			e.work <- it
		case len(p.backlog) < p.backlogCap:
			p.backlog = append(p.backlog, it)
		default:
			err = ErrPoolSaturated
			return
		}
		future = it.future
		p.sampleGauges()
	})
	if future == nil && err == nil {
		err = ErrPoolShutdown
	}
	return future, err
}

// TryAccept reports whether a Submit right now would be accepted. It never
// blocks on task execution.
func (p *Pool) TryAccept() bool {
	accepted := false
	p.do(func() {
		accepted = !p.shuttingDown && (len(p.idle) > 0 || len(p.backlog) < p.backlogCap)
	})
	return accepted
}

// IdleCount returns the number of idle executors.
func (p *Pool) IdleCount() int {
	n := 0
	p.do(func() { n = len(p.idle) })
	return n
}

// QueueLength returns the backlog depth.
func (p *Pool) QueueLength() int {
	n := 0
	p.do(func() { n = len(p.backlog) })
	return n
}

// Healthy reports whether at least half the executors are live.
func (p *Pool) Healthy() bool {
	healthy := false
	p.do(func() { healthy = p.isHealthy() })
	return healthy
}

func (p *Pool) isHealthy() bool {
	return p.live >= (p.size+1)/2
}

// Stats samples pool state.
func (p *Pool) Stats() Stats {
	var s Stats
	p.do(func() {
		s = Stats{
			PoolSize:    p.size,
			Live:        p.live,
			Active:      p.active,
			Idle:        len(p.idle),
			QueueLength: len(p.backlog),
			Completed:   p.completed,
			Failed:      p.failed,
			Crashed:     p.crashed,
			Healthy:     p.isHealthy(),
		}
		if finished := p.completed + p.failed; finished > 0 {
			s.AverageDurationMs = p.durationSum.Milliseconds() / finished
		}
	})
	return s
}

// Shutdown stops the pool: backlog futures fail with ErrPoolShutdown,
// in-flight task contexts are cancelled, and executors get up to grace to
// finish. Safe to call more than once.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.do(func() {
		if p.shuttingDown {
			return
		}
		p.shuttingDown = true

		for _, it := range p.backlog {
			it.future.complete(ErrPoolShutdown)
		}
		p.backlog = nil

		for _, e := range p.idle {
			close(e.work)
			p.live--
		}
		p.idle = nil
		p.sampleGauges()
	})

	// Cancel in-flight task deadlines so executors wind down promptly.
	p.cancel()

	select {
	case <-p.drained:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("pool shutdown: executors still running after %s", grace)
	}
}
