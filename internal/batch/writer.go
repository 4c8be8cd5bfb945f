// Package batch coalesces many individual writes into bulk flushes.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxSize      = 500
	DefaultMaxLatency   = time.Second
	DefaultFlushTimeout = 30 * time.Second
)

// FlushFunc writes one batch and returns the number of rows it changed.
type FlushFunc[T any] func(ctx context.Context, items []T) (int64, error)

// Options configure a Writer. Zero values select the defaults.
type Options struct {
	// MaxSize flushes the batch as soon as it holds this many items.
	MaxSize int

	// MaxLatency flushes the batch this long after its first item arrived.
	MaxLatency time.Duration

	// FlushTimeout bounds a single flush.
	FlushTimeout time.Duration
}

// Stats are cumulative counters for one Writer.
type Stats struct {
	Name          string `json:"name"`
	Pending       int    `json:"pending"`
	Flushes       int64  `json:"flushes"`
	FailedFlushes int64  `json:"failed_flushes"`
	Items         int64  `json:"items"`
	DroppedItems  int64  `json:"dropped_items"`
	RowsAffected  int64  `json:"rows_affected"`
}

// Writer buffers items of one category and flushes them in bulk when the
// batch reaches MaxSize or MaxLatency elapses, whichever comes first.
// Flushes of one Writer never overlap. A failed batch is logged and dropped;
// recovery relies on the hub delivering the data again.
type Writer[T any] struct {
	name     string
	flush    FlushFunc[T]
	describe func(T) string
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	items   []T
	pending *Pending
	timer   *time.Timer
	gen     uint64

	// tail is closed when the most recently launched flush completes.
	tail     chan struct{}
	inflight sync.WaitGroup

	flushes       atomic.Int64
	failedFlushes atomic.Int64
	flushedItems  atomic.Int64
	droppedItems  atomic.Int64
	rowsAffected  atomic.Int64
}

// NewWriter creates a Writer. describe returns an identifier for an item
// (its hash) so failed batches can be replayed by hand.
func NewWriter[T any](name string, flush FlushFunc[T], describe func(T) string, opts Options, logger *slog.Logger) *Writer[T] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxLatency <= 0 {
		opts.MaxLatency = DefaultMaxLatency
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	return &Writer[T]{
		name:     name,
		flush:    flush,
		describe: describe,
		opts:     opts,
		logger:   logger.With("writer", name),
		items:    make([]T, 0, opts.MaxSize),
		pending:  newPending(),
	}
}

// job is a detached batch waiting for its turn to flush.
type job[T any] struct {
	items   []T
	pending *Pending
	after   <-chan struct{}
	done    chan struct{}
}

// Name returns the writer's name.
func (w *Writer[T]) Name() string {
	return w.name
}

// Add enqueues item into the current batch and returns the handle of that
// batch's flush. Add never blocks on I/O.
func (w *Writer[T]) Add(item T) *Pending {
	w.mu.Lock()
	w.items = append(w.items, item)
	p := w.pending

	if len(w.items) >= w.opts.MaxSize {
		j := w.takeLocked()
		w.mu.Unlock()
		w.launch(j)
		return p
	}

	if len(w.items) == 1 {
		gen := w.gen
		w.timer = time.AfterFunc(w.opts.MaxLatency, func() { w.flushGeneration(gen) })
	}
	w.mu.Unlock()
	return p
}

// Flush flushes the current batch immediately and waits for it and every
// batch launched before it. It returns the flush error of the current batch,
// or ctx's error if ctx ends first.
func (w *Writer[T]) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.items) == 0 {
		tail := w.tail
		w.mu.Unlock()
		if tail == nil {
			return nil
		}
		select {
		case <-tail:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	j := w.takeLocked()
	w.mu.Unlock()

	w.launch(j)
	return j.pending.Wait(ctx)
}

// Close flushes what is buffered and waits for every in-flight flush.
func (w *Writer[T]) Close(ctx context.Context) error {
	err := w.Flush(ctx)

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Stats returns the writer's counters.
func (w *Writer[T]) Stats() Stats {
	w.mu.Lock()
	pending := len(w.items)
	w.mu.Unlock()
	return Stats{
		Name:          w.name,
		Pending:       pending,
		Flushes:       w.flushes.Load(),
		FailedFlushes: w.failedFlushes.Load(),
		Items:         w.flushedItems.Load(),
		DroppedItems:  w.droppedItems.Load(),
		RowsAffected:  w.rowsAffected.Load(),
	}
}

func (w *Writer[T]) flushGeneration(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || len(w.items) == 0 {
		w.mu.Unlock()
		return
	}
	j := w.takeLocked()
	w.mu.Unlock()
	w.launch(j)
}

// takeLocked detaches the current batch and queues it behind the previous
// flush. w.mu must be held.
func (w *Writer[T]) takeLocked() job[T] {
	j := job[T]{
		items:   w.items,
		pending: w.pending,
		after:   w.tail,
		done:    make(chan struct{}),
	}
	w.tail = j.done
	w.items = make([]T, 0, w.opts.MaxSize)
	w.pending = newPending()
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.inflight.Add(1)
	return j
}

// launch runs j once the flush queued before it has completed, so batches
// reach the store in the order they were cut.
func (w *Writer[T]) launch(j job[T]) {
	go func() {
		defer w.inflight.Done()
		defer close(j.done)
		if j.after != nil {
			<-j.after
		}
		j.pending.resolve(w.run(j.items))
	}()
}

func (w *Writer[T]) run(items []T) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.FlushTimeout)
	defer cancel()

	start := time.Now()
	n, err := w.flush(ctx, items)
	w.flushes.Add(1)
	if err != nil {
		w.failedFlushes.Add(1)
		w.droppedItems.Add(int64(len(items)))
		w.logger.Error("batch flush failed, dropping batch",
			"items", len(items),
			"hashes", w.identifiers(items),
			"error", err,
		)
		return err
	}

	w.flushedItems.Add(int64(len(items)))
	w.rowsAffected.Add(n)
	w.logger.Debug("batch flushed",
		"items", len(items),
		"rows_affected", n,
		"duration", time.Since(start),
	)
	return nil
}

func (w *Writer[T]) identifiers(items []T) []string {
	if w.describe == nil {
		return nil
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = w.describe(it)
	}
	return ids
}
