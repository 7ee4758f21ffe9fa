// Package storage implements the Storage Writer (C3): a batching buffer
// in front of a columnar-store adapter. The core depends only on the
// Store interface's append/query_percentiles contract (spec.md §4.B);
// internal schema, partitioning and materialized views belong to the
// store, not the core. A concrete SQLite-backed adapter (sqlite.go,
// grounded on the teacher's internal/storage/sqlite.go) is shipped so
// the repository is runnable end to end.
package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scrybe/internal/model"
)

// Metric names the raw per-session signal a percentile query is
// computed over, used by the anomaly scorer's threshold refresh (C10).
type Metric string

const (
	MetricMouseEntropy      Metric = "mouse_entropy"
	MetricScrollSmoothness  Metric = "scroll_smoothness"
)

// PercentileQuery restricts a percentile computation to a rolling
// window, and -- per spec.md §4.8 -- to sessions with a prior bot
// probability below a threshold, so the refresh never learns its
// baseline from bot traffic.
type PercentileQuery struct {
	Metric                 Metric
	Window                 time.Duration
	MaxPriorBotProbability float64
}

// Percentiles holds the subset of an empirical distribution the anomaly
// scorer consults: the 5th and 95th percentiles.
type Percentiles struct {
	P5  float64
	P95 float64
	N   int
}

// Store is the columnar analytics store's external contract: append a
// batch, and query percentiles for threshold refresh.
type Store interface {
	Append(ctx context.Context, batch []model.EnrichedSession) error
	QueryPercentiles(ctx context.Context, q PercentileQuery) (Percentiles, error)
	Ping(ctx context.Context) error
	Close() error
}

// WriterConfig configures the batching/retry/shed discipline of Writer.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	RetryBackoff  time.Duration
	MaxRetries    int
}

// Writer buffers EnrichedSession records and flushes them to a Store in
// a single batched call, triggered by size or by a flush interval --
// whichever comes first (spec.md §4.B). A failed flush is retried with
// exponential backoff up to MaxRetries; records are then shed and
// counted, never panicking. A size-triggered flush runs in the goroutine
// that called Enqueue, which waits through any retry backoff.
type Writer struct {
	store Store
	cfg   WriterConfig

	mu     sync.Mutex
	buffer []model.EnrichedSession

	shedCount   int64
	flushCount  int64
	stop        chan struct{}
	stopped     chan struct{}
	onShed      func(n int)
	onFlush     func(n int, err error)
}

// NewWriter constructs a Writer and starts its interval-driven flusher
// goroutine. Call Close to stop it and flush any remaining buffer.
func NewWriter(store Store, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	w := &Writer{
		store:   store,
		cfg:     cfg,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// OnShed registers a callback invoked whenever records are shed after
// exhausting retries, for metrics wiring.
func (w *Writer) OnShed(fn func(n int)) { w.onShed = fn }

// OnFlush registers a callback invoked after every flush attempt
// (success or final failure), for metrics/latency wiring.
func (w *Writer) OnFlush(fn func(n int, err error)) { w.onFlush = fn }

// Enqueue appends rec to the buffer, flushing immediately if the batch
// size threshold is reached.
func (w *Writer) Enqueue(ctx context.Context, rec model.EnrichedSession) {
	w.mu.Lock()
	w.buffer = append(w.buffer, rec)
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		w.Flush(ctx)
	}
}

// Flush appends the whole buffer to the store in one call. On failure
// it retries with exponential backoff up to MaxRetries; exhausting
// retries sheds the batch (counted, logged) rather than blocking or
// panicking.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	backoff := w.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		err = w.store.Append(ctx, batch)
		if err == nil {
			break
		}
		slog.Warn("storage append failed, retrying", "attempt", attempt, "batch_size", len(batch), "error", err)
		if attempt < w.cfg.MaxRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				err = ctx.Err()
				attempt = w.cfg.MaxRetries
			}
			backoff *= 2
		}
	}

	if err != nil {
		w.mu.Lock()
		w.shedCount += int64(len(batch))
		w.mu.Unlock()
		slog.Error("storage shed records after exhausting retries", "shed", len(batch), "error", err)
		if w.onShed != nil {
			w.onShed(len(batch))
		}
	} else {
		w.mu.Lock()
		w.flushCount++
		w.mu.Unlock()
	}
	if w.onFlush != nil {
		w.onFlush(len(batch), err)
	}
}

// Buffered returns the number of records currently buffered, awaiting
// the next flush trigger.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Shed returns the lifetime count of records dropped after exhausting
// retries.
func (w *Writer) Shed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shedCount
}

func (w *Writer) flushLoop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Flush(context.Background())
		case <-w.stop:
			return
		}
	}
}

// Close stops the flusher goroutine and performs one final flush of any
// buffered records.
func (w *Writer) Close(ctx context.Context) error {
	close(w.stop)
	<-w.stopped
	w.Flush(ctx)
	return w.store.Close()
}

// Percentile returns the p-th percentile (p in [0,1]) of a sorted slice
// of float64 values: the element at index floor(p*(len-1)), without
// interpolation. Callers must pass an already-sorted ascending slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
