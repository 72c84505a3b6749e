package scheduler

import (
	"context"
	"time"

	"tickermetrics/internal/logger"
)

// Run is a handle to an asynchronously submitted set of tickers.
type Run struct {
	ID      string
	Tickers []string
	Started time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	results Results
	err     error
}

// Submit starts processing tickers on the shared pool and returns at once.
// The run is tagged with a fresh run ID that flows into every log record.
func (p *Processor) Submit(ctx context.Context, tickers []string) *Run {
	id := logger.NewRunID()
	runCtx, cancel := context.WithCancel(logger.WithRunID(ctx, id))
	r := &Run{
		ID:      id,
		Tickers: tickers,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		defer cancel()
		r.results, r.err = p.Process(runCtx, tickers)
	}()
	return r
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops the run. Workers observe it at their next price fetch.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run finishes or ctx ends. On ctx end the run keeps
// going and ctx's error is returned.
func (r *Run) Wait(ctx context.Context) (Results, error) {
	select {
	case <-r.done:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
