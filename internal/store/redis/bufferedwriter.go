package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tickermetrics/internal/model"
)

const defaultMaxPending = 64

// pendingRun is a run whose metrics could not be written yet.
type pendingRun struct {
	runID   string
	metrics []model.TickerMetric
}

// BufferedWriter sends runs through a Breaker. Runs that fail or are rejected
// while the breaker is open are kept in memory and replayed once it closes.
type BufferedWriter struct {
	sink model.MetricSink
	cb   *Breaker
	ctx  context.Context

	mu      sync.Mutex
	pending []pendingRun
	maxRuns int // oldest run dropped beyond this

	// Optional hooks, set before use.
	OnBuffer func()
	OnDrop   func()
	OnFlush  func(runs int)
}

// NewBufferedWriter wraps sink. ctx bounds replays triggered by the breaker
// closing.
func NewBufferedWriter(ctx context.Context, sink model.MetricSink, cb *Breaker, maxRuns int) *BufferedWriter {
	if maxRuns <= 0 {
		maxRuns = defaultMaxPending
	}
	bw := &BufferedWriter{
		sink:    sink,
		cb:      cb,
		ctx:     ctx,
		maxRuns: maxRuns,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		slog.Info("redis breaker state change", "from", from.String(), "to", to.String())
		if to == StateClosed {
			go bw.Flush(bw.ctx)
		}
	}
	return bw
}

// WriteMetrics implements model.MetricSink. A rejected or failed write is
// buffered; only the open-breaker case is reported as success.
func (bw *BufferedWriter) WriteMetrics(ctx context.Context, runID string, metrics []model.TickerMetric) error {
	err := bw.cb.Execute(ctx, func(ctx context.Context) error {
		return bw.sink.WriteMetrics(ctx, runID, metrics)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		bw.buffer(pendingRun{runID: runID, metrics: metrics})
	}
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

func (bw *BufferedWriter) buffer(run pendingRun) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.pending) >= bw.maxRuns {
		bw.pending = bw.pending[1:]
		if bw.OnDrop != nil {
			bw.OnDrop()
		}
	}
	bw.pending = append(bw.pending, run)
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays buffered runs oldest first. A run that fails again goes back
// to the buffer along with everything after it.
func (bw *BufferedWriter) Flush(ctx context.Context) int {
	bw.mu.Lock()
	toFlush := bw.pending
	bw.pending = nil
	bw.mu.Unlock()

	flushed := 0
	for i, run := range toFlush {
		if err := bw.sink.WriteMetrics(ctx, run.runID, run.metrics); err != nil {
			slog.Warn("redis replay failed", "run_id", run.runID, "error", err)
			bw.requeue(toFlush[i:])
			break
		}
		flushed++
	}

	if flushed > 0 {
		slog.Info("redis flushed buffered runs", "runs", flushed)
		if bw.OnFlush != nil {
			bw.OnFlush(flushed)
		}
	}
	return flushed
}

func (bw *BufferedWriter) requeue(runs []pendingRun) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	merged := append(append([]pendingRun{}, runs...), bw.pending...)
	if over := len(merged) - bw.maxRuns; over > 0 {
		merged = merged[over:]
	}
	bw.pending = merged
}

// PendingCount returns the number of buffered runs.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.pending)
}
