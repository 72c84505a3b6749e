package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"tickermetrics/internal/model"
)

func assertClose(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (diff %.8f)", name, got, want, math.Abs(got-want))
	}
}

func testConfig() Config {
	return Config{BatchSize: 3, Concurrency: 4, FetchLimit: 100, SMAWindow: 20, RSIPeriod: 14}
}

// ────────────────────────────────────────────────────────────
// Per-ticker computation
// ────────────────────────────────────────────────────────────

func TestProcessTickers_SMAOverRecentWindow(t *testing.T) {
	src := newFakeSource()
	// 25 closes, most recent first: 25, 24, ..., 1. SMA(20) = mean(25..6) = 15.5
	s := make(model.PriceSeries, 25)
	for i := range s {
		s[i] = float64(25 - i)
	}
	src.series["AAPL"] = s
	// Fewer closes than the window: mean of all of them
	src.series["NEW"] = model.PriceSeries{30, 20, 10}

	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	got, err := p.ProcessTickers(context.Background(), []string{"AAPL", "NEW"})
	if err != nil {
		t.Fatalf("ProcessTickers: %v", err)
	}
	assertClose(t, "AAPL", got["AAPL"], 15.5, 1e-9)
	assertClose(t, "NEW", got["NEW"], 20, 1e-9)
}

func TestProcess_RSIOnChronologicalSeries(t *testing.T) {
	src := newFakeSource()
	// Most recent first [4,2,3,2,1] is chronological [1,2,3,2,4]
	src.series["X"] = model.PriceSeries{4, 2, 3, 2, 1}
	cfg := testConfig()
	cfg.RSIPeriod = 2
	p := NewProcessor(src, cfg)
	defer p.Shutdown(context.Background())

	res, err := p.Process(context.Background(), []string{"X"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	m := res["X"]
	if !m.RSIReady || len(m.RSI) != 5 {
		t.Fatalf("RSI = %v ready=%v", m.RSI, m.RSIReady)
	}
	last, _ := m.LastRSI()
	assertClose(t, "last RSI", last, 100-100.0/6, 1e-9)
	if m.Samples != 5 {
		t.Errorf("Samples = %d, want 5", m.Samples)
	}
}

func TestProcess_ShortSeriesHasNoRSI(t *testing.T) {
	src := newFakeSource()
	src.series["X"] = model.PriceSeries{3, 2, 1}
	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	res, _ := p.Process(context.Background(), []string{"X"})
	if res["X"].RSIReady {
		t.Error("RSI should not be ready with 3 samples and period 14")
	}
	if !res["X"].SMAReady {
		t.Error("SMA should be ready")
	}
}

func TestProcess_FetchLimitPassedToSource(t *testing.T) {
	src := newFakeSource()
	s := make(model.PriceSeries, 150)
	for i := range s {
		s[i] = 1
	}
	src.series["X"] = s
	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	res, _ := p.Process(context.Background(), []string{"X"})
	if res["X"].Samples != 100 {
		t.Errorf("Samples = %d, want 100", res["X"].Samples)
	}
}

func TestProcess_VarianceOverSMAWindow(t *testing.T) {
	src := newFakeSource()
	// Window 3 covers 30, 20, 10: mean 20, variance (100+0+100)/3
	src.series["X"] = model.PriceSeries{30, 20, 10, 1000}
	cfg := testConfig()
	cfg.SMAWindow = 3
	p := NewProcessor(src, cfg)
	defer p.Shutdown(context.Background())

	res, err := p.Process(context.Background(), []string{"X"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	m := res["X"]
	assertClose(t, "sma", m.SMA, 20, 1e-9)
	assertClose(t, "variance", m.Variance, 200.0/3, 1e-9)
}

// ────────────────────────────────────────────────────────────
// Batching properties
// ────────────────────────────────────────────────────────────

func TestProcessBatches_Completeness(t *testing.T) {
	tickers := tickerNames(23)
	for _, b := range []int{1, 2, 5, 7, 23, 50} {
		src := newFakeSource()
		src.seed(tickers, 30)
		p := NewProcessor(src, testConfig())

		res, err := p.ProcessBatches(context.Background(), tickers, b, 4)
		if err != nil {
			t.Fatalf("b=%d: %v", b, err)
		}
		if len(res) != len(tickers) {
			t.Fatalf("b=%d: %d results, want %d", b, len(res), len(tickers))
		}
		for _, tk := range tickers {
			if src.callCount(tk) != 1 {
				t.Errorf("b=%d: %s fetched %d times, want 1", b, tk, src.callCount(tk))
			}
		}
		p.Shutdown(context.Background())
	}
}

func TestProcessBatches_DuplicatesProcessedOnce(t *testing.T) {
	src := newFakeSource()
	src.seed([]string{"A", "B"}, 5)
	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	res, err := p.ProcessBatches(context.Background(), []string{"A", "B", "A", "A"}, 1, 2)
	if err != nil {
		t.Fatalf("ProcessBatches: %v", err)
	}
	if len(res) != 2 || src.callCount("A") != 1 {
		t.Errorf("results=%d calls(A)=%d", len(res), src.callCount("A"))
	}
}

func TestProcessBatches_ConcurrencyBound(t *testing.T) {
	src := newFakeSource()
	tickers := tickerNames(20)
	src.seed(tickers, 5)
	src.delay = 5 * time.Millisecond
	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	if _, err := p.ProcessBatches(context.Background(), tickers, 1, 3); err != nil {
		t.Fatalf("ProcessBatches: %v", err)
	}
	if got := src.maxFlight.Load(); got > 3 {
		t.Errorf("max concurrent fetches = %d, want <= 3", got)
	}
}

func TestProcessTickers_SameOutputAtAnyConcurrency(t *testing.T) {
	tickers := tickerNames(40)
	src := newFakeSource()
	src.seed(tickers, 60)
	src.fail["T007"] = fmt.Errorf("T007: %w", model.ErrNotFound)

	run := func(concurrency int) map[string]float64 {
		cfg := testConfig()
		cfg.Concurrency = concurrency
		p := NewProcessor(src, cfg)
		defer p.Shutdown(context.Background())
		got, err := p.ProcessTickers(context.Background(), tickers)
		if err != nil {
			t.Fatalf("concurrency %d: %v", concurrency, err)
		}
		return got
	}

	one, eight := run(1), run(8)
	if !reflect.DeepEqual(one, eight) {
		t.Errorf("outputs differ between concurrency 1 and 8")
	}
}

// ────────────────────────────────────────────────────────────
// Failures
// ────────────────────────────────────────────────────────────

func TestProcessTickers_FailureIsolation(t *testing.T) {
	tickers := tickerNames(10)
	src := newFakeSource()
	src.seed(tickers, 30)
	src.fail["T004"] = fmt.Errorf("T004: %w", model.ErrSourceUnavailable)

	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	res, err := p.Process(context.Background(), tickers)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	vals := res.Values()
	if len(vals) != 10 {
		t.Fatalf("got %d keys, want 10", len(vals))
	}
	if vals["T004"] != 0 {
		t.Errorf("failed ticker value = %v, want 0", vals["T004"])
	}
	if !errors.Is(res["T004"].Err, model.ErrSourceUnavailable) {
		t.Errorf("failed ticker err = %v", res["T004"].Err)
	}
	if f := res.Failed(); len(f) != 1 || f[0] != "T004" {
		t.Errorf("Failed() = %v", f)
	}
	for _, tk := range tickers {
		if tk != "T004" && vals[tk] == 0 {
			t.Errorf("%s = 0, want computed value", tk)
		}
	}
}

func TestProcess_AllUnavailableIsFatal(t *testing.T) {
	src := newFakeSource()
	for _, tk := range []string{"A", "B", "C"} {
		src.fail[tk] = fmt.Errorf("%s: %w", tk, model.ErrSourceUnavailable)
	}
	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	res, err := p.Process(context.Background(), []string{"A", "B", "C"})
	if !errors.Is(err, model.ErrStoreUnreachable) {
		t.Fatalf("err = %v, want ErrStoreUnreachable", err)
	}
	if len(res) != 3 {
		t.Errorf("results = %d, want 3", len(res))
	}
}

func TestProcess_AllNotFoundIsNotFatal(t *testing.T) {
	p := NewProcessor(newFakeSource(), testConfig())
	defer p.Shutdown(context.Background())

	res, err := p.Process(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if len(res.Failed()) != 2 {
		t.Errorf("Failed = %v", res.Failed())
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	p := NewProcessor(newFakeSource(), testConfig())
	defer p.Shutdown(context.Background())

	res, err := p.Process(context.Background(), nil)
	if err != nil || len(res) != 0 {
		t.Errorf("res=%v err=%v", res, err)
	}
}

func TestProcess_CancellationReturnsPartial(t *testing.T) {
	tickers := tickerNames(20)
	src := newFakeSource()
	src.seed(tickers, 5)
	src.delay = 50 * time.Millisecond
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Concurrency = 2
	p := NewProcessor(src, cfg)
	defer p.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	res, err := p.Process(ctx, tickers)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if len(res) >= len(tickers) {
		t.Errorf("got %d results, want a partial set", len(res))
	}
	for tk, m := range res {
		if m.Failed() {
			t.Errorf("%s recorded as failed; cancelled fetches must not be recorded", tk)
		}
	}
}

func TestProcess_PoolClosed(t *testing.T) {
	src := newFakeSource()
	src.seed([]string{"A"}, 5)
	p := NewProcessor(src, testConfig())
	p.Shutdown(context.Background())

	_, err := p.Process(context.Background(), []string{"A"})
	if !errors.Is(err, model.ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestProcess_QueuedBatchesOutlastAcquireTimeout(t *testing.T) {
	// 3 batches of 2 on one worker, each batch (80ms) longer than the
	// acquire timeout: waiting behind the run's own batches is not exhaustion.
	tickers := tickerNames(6)
	src := newFakeSource()
	src.seed(tickers, 5)
	src.delay = 40 * time.Millisecond
	p := NewProcessor(src, Config{BatchSize: 2, Concurrency: 1, AcquireTimeout: 60 * time.Millisecond, FetchLimit: 100, SMAWindow: 20})
	defer p.Shutdown(context.Background())

	res, err := p.Process(context.Background(), tickers)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(res) != len(tickers) {
		t.Errorf("got %d results, want %d", len(res), len(tickers))
	}
}

func TestProcess_PoolHeldElsewhereIsExhausted(t *testing.T) {
	src := newFakeSource()
	src.seed([]string{"A"}, 5)
	p := NewProcessor(src, Config{BatchSize: 1, Concurrency: 1, AcquireTimeout: 50 * time.Millisecond})
	defer p.Shutdown(context.Background())

	release := make(chan struct{})
	defer close(release)
	if err := p.Pool().Go(context.Background(), func(context.Context) { <-release }); err != nil {
		t.Fatalf("occupy pool: %v", err)
	}

	_, err := p.Process(context.Background(), []string{"A"})
	if !errors.Is(err, model.ErrPoolExhausted) {
		t.Errorf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestProcess_ForcedShutdownReportsDroppedTickers(t *testing.T) {
	tickers := tickerNames(8)
	src := newFakeSource()
	src.seed(tickers, 5)
	src.delay = 200 * time.Millisecond
	cfg := testConfig()
	cfg.Concurrency = 2
	p := NewProcessor(src, cfg)

	type outcome struct {
		res Results
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Process(context.Background(), tickers)
		done <- outcome{res, err}
	}()

	time.Sleep(30 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want deadline exceeded", err)
	}

	select {
	case o := <-done:
		if !errors.Is(o.err, model.ErrPoolClosed) {
			t.Errorf("err = %v, want ErrPoolClosed", o.err)
		}
		if len(o.res) >= len(tickers) {
			t.Errorf("got %d results, want fewer than %d", len(o.res), len(tickers))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after forced shutdown")
	}
}

// ────────────────────────────────────────────────────────────
// Run handles
// ────────────────────────────────────────────────────────────

func TestSubmit_Wait(t *testing.T) {
	tickers := tickerNames(5)
	src := newFakeSource()
	src.seed(tickers, 10)
	p := NewProcessor(src, testConfig())
	defer p.Shutdown(context.Background())

	run := p.Submit(context.Background(), tickers)
	if run.ID == "" {
		t.Fatal("run ID is empty")
	}
	res, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(res) != 5 {
		t.Errorf("results = %d, want 5", len(res))
	}
	select {
	case <-run.Done():
	default:
		t.Error("Done not closed after Wait returned")
	}
}

func TestSubmit_Cancel(t *testing.T) {
	tickers := tickerNames(10)
	src := newFakeSource()
	src.seed(tickers, 5)
	src.delay = time.Second
	cfg := testConfig()
	cfg.BatchSize = 1
	p := NewProcessor(src, cfg)
	defer p.Shutdown(context.Background())

	run := p.Submit(context.Background(), tickers)
	time.Sleep(10 * time.Millisecond)
	run.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := run.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type countingObserver struct {
	tickers, failures, runs int
}

func (o *countingObserver) ObserveTicker(_ time.Duration, err error) {
	o.tickers++
	if err != nil {
		o.failures++
	}
}
func (o *countingObserver) ObserveRun(int, int, time.Duration, error) { o.runs++ }
func (o *countingObserver) SetBusyWorkers(int)                        {}

func TestProcess_Observer(t *testing.T) {
	src := newFakeSource()
	src.seed([]string{"A", "B"}, 5)
	obs := &countingObserver{}
	cfg := testConfig()
	cfg.Concurrency = 1
	p := NewProcessor(src, cfg, WithObserver(obs))
	defer p.Shutdown(context.Background())

	if _, err := p.Process(context.Background(), []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if obs.tickers != 3 || obs.failures != 1 || obs.runs != 1 {
		t.Errorf("observer = %+v", *obs)
	}
}
