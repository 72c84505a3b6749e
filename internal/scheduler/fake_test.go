package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickermetrics/internal/model"
)

// fakeSource serves fixed series and records how it was called.
type fakeSource struct {
	series map[string]model.PriceSeries
	fail   map[string]error
	delay  time.Duration

	mu        sync.Mutex
	calls     map[string]int
	inFlight  atomic.Int64
	maxFlight atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		series: make(map[string]model.PriceSeries),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeSource) FetchRecentCloses(ctx context.Context, ticker string, limit int) (model.PriceSeries, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxFlight.Load()
		if n <= cur || f.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[ticker]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.fail[ticker]; ok {
		return nil, err
	}
	s, ok := f.series[ticker]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ticker, model.ErrNotFound)
	}
	if len(s) > limit {
		s = s[:limit]
	}
	return s, nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) callCount(ticker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ticker]
}

// seed gives every ticker a distinct deterministic series.
func (f *fakeSource) seed(tickers []string, n int) {
	for i, t := range tickers {
		s := make(model.PriceSeries, n)
		for j := range s {
			s[j] = float64(100 + i*3 + (j*7)%11)
		}
		f.series[t] = s
	}
}

func tickerNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("T%03d", i)
	}
	return out
}
