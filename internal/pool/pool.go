// Package pool bounds the number of concurrent background tasks, such
// as pipeline runs launched from API handlers.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed = errors.New("worker pool is closed")
	ErrFull   = errors.New("worker pool queue is full")
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Config configures a WorkerPool.
type Config struct {
	MaxWorkers   int           `json:"max_workers" yaml:"max_workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	PanicHandler func(any)     `json:"-" yaml:"-"`
}

// DefaultConfig returns the default pool sizing.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  50,
		QueueSize:   200,
		IdleTimeout: 60 * time.Second,
	}
}

// WorkerPool runs tasks on a bounded set of goroutines. Workers spawn
// on demand and exit after IdleTimeout without work.
type WorkerPool struct {
	maxWorkers   int
	queue        chan item
	idleTimeout  time.Duration
	panicHandler func(any)

	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type item struct {
	task   Task
	ctx    context.Context
	result chan error
}

// New creates a WorkerPool. Zero config fields fall back to defaults.
func New(config Config) *WorkerPool {
	defaults := DefaultConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaults.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		queue:        make(chan item, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a task without waiting for it to run. Returns ErrFull
// when the queue is saturated and no worker slot is free.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.submitted.Add(1)

	it := item{task: task, ctx: ctx}
	select {
	case p.queue <- it:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.queue <- it:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrFull
	}
}

// SubmitWait enqueues a task and blocks until it finishes or ctx ends.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.submitted.Add(1)

	it := item{task: task, ctx: ctx, result: make(chan error, 1)}
	select {
	case p.queue <- it:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-it.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case it, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(it)
			p.activeCount.Add(-1)

			if it.result != nil {
				it.result <- err
				close(it.result)
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep at least one worker alive for latency.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return it.task(it.ctx)
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats reports current pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
