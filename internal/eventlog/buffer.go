package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events.
const maxBufferCapacity = 50_000

// Writer persists batches of events.
type Writer interface {
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
}

// Buffer accumulates events in memory and flushes them to a Writer when
// either the batch size or the flush interval is reached.
type Buffer struct {
	w            Writer
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu     sync.Mutex
	events []model.Event

	droppedEvents atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a new event buffer.
func NewBuffer(w Writer, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &Buffer{
		w:            w,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append implements Sink. It returns an error when the buffer is full.
func (b *Buffer) Append(_ context.Context, e model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= maxBufferCapacity {
		b.droppedEvents.Add(1)
		return fmt.Errorf("eventlog: buffer at capacity (%d events)", len(b.events))
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b.events = append(b.events, e)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush uses the context handed to Drain.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.w.InsertEvents(ctx, batch)
	if err != nil {
		b.logger.Warn("eventlog: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Warn("eventlog: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("eventlog: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	} else {
		b.flush(ctx)
		return
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("eventlog: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kaigi/eventlog")

	_, _ = meter.Int64ObservableGauge("kaigi.eventlog.depth",
		metric.WithDescription("Events waiting to be written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kaigi.eventlog.dropped_total",
		metric.WithDescription("Events dropped due to buffer capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// DroppedEvents returns the total number of events dropped.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}

// Capacity returns the number of events the buffer holds before it starts
// dropping appends.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}
