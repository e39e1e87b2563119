// Package workpool runs fire-and-forget background tasks on a fixed set of
// workers. A panicking or failing task is logged and never affects another.
package workpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaigi/internal/telemetry"
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Pool is a bounded worker pool. Submit never blocks: when the queue is full
// the task is dropped and counted.
type Pool struct {
	logger  *slog.Logger
	workers int
	queue   chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders sends against close(queue): Submit holds it shared, Drain
	// exclusively.
	mu     sync.RWMutex
	closed bool

	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panicked  atomic.Int64
}

// New creates a pool with the given number of workers and queue capacity.
func New(logger *slog.Logger, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:  logger,
		workers: workers,
		queue:   make(chan job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers and registers OTEL metrics.
func (p *Pool) Start() {
	p.registerMetrics()
	for range p.workers {
		p.wg.Add(1)
		go p.work()
	}
}

// Submit enqueues fn. It returns false if the pool is closed or full.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- job{name: name, fn: fn}:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("workpool: queue full, dropping task", "task", name)
		return false
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	start := time.Now()
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = j.fn(p.ctx) })
	if r := pc.Recovered(); r != nil {
		p.panicked.Add(1)
		p.logger.Error("workpool: task panicked", "task", j.name, "panic", r.Value, "stack", string(r.Stack))
		return
	}
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("workpool: task failed", "task", j.name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	p.completed.Add(1)
}

// Drain stops accepting work and waits for queued tasks to finish. If ctx
// expires first, in-flight tasks see their context cancelled.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("workpool: drain timed out, cancelling in-flight tasks")
		<-done
	}
	p.cancel()
}

// Len returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Len() int { return len(p.queue) }

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Completed int64
	Failed    int64
	Dropped   int64
	Panicked  int64
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("kaigi/workpool")

	_, _ = meter.Int64ObservableGauge("kaigi.workpool.depth",
		metric.WithDescription("Tasks waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kaigi.workpool.dropped_total",
		metric.WithDescription("Tasks dropped because the queue was full or closed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.dropped.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kaigi.workpool.panics_total",
		metric.WithDescription("Tasks that panicked"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.panicked.Load())
			return nil
		}),
	)
}
