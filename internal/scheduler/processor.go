package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tickermetrics/internal/indicator"
	"tickermetrics/internal/logger"
	"tickermetrics/internal/model"
)

// Config tunes a Processor.
type Config struct {
	BatchSize      int
	Concurrency    int
	AcquireTimeout time.Duration
	FetchLimit     int
	SMAWindow      int
	RSIPeriod      int // 0 or less disables RSI
}

func (c *Config) applyDefaults() {
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.FetchLimit < 1 {
		c.FetchLimit = 100
	}
	if c.SMAWindow < 1 {
		c.SMAWindow = 20
	}
}

// Results maps each processed ticker to its metric.
type Results map[string]model.TickerMetric

// Values flattens results to ticker → SMA, with 0.0 for tickers that could
// not be computed.
func (r Results) Values() map[string]float64 {
	out := make(map[string]float64, len(r))
	for t, m := range r {
		out[t] = m.Value()
	}
	return out
}

// Failed returns the tickers whose fetch failed, sorted.
func (r Results) Failed() []string {
	var out []string
	for t, m := range r {
		if m.Failed() {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Sorted returns the metrics ordered by ticker.
func (r Results) Sorted() []model.TickerMetric {
	out := make([]model.TickerMetric, 0, len(r))
	for _, m := range r {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Processor computes per-ticker metrics from a PriceSource.
type Processor struct {
	source model.PriceSource
	cfg    Config
	pool   *Pool
	obs    Observer
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithObserver sets the measurement sink.
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.obs = o }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// WithClock overrides the time source used for AsOf stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a processor with a shared pool of cfg.Concurrency workers.
func NewProcessor(source model.PriceSource, cfg Config, opts ...Option) *Processor {
	cfg.applyDefaults()
	p := &Processor{
		source: source,
		cfg:    cfg,
		obs:    nopObserver{},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pool = p.newPool(cfg.Concurrency)
	return p
}

func (p *Processor) newPool(size int) *Pool {
	pool := NewPool(size, p.cfg.AcquireTimeout)
	pool.OnBusy(p.obs.SetBusyWorkers)
	return pool
}

// Pool returns the shared worker pool.
func (p *Processor) Pool() *Pool { return p.pool }

// ProcessTickers computes the SMA of every ticker on the shared pool and
// returns ticker → value, 0.0 marking tickers that could not be computed.
func (p *Processor) ProcessTickers(ctx context.Context, tickers []string) (map[string]float64, error) {
	res, err := p.Process(ctx, tickers)
	return res.Values(), err
}

// Process is ProcessTickers returning full metrics.
func (p *Processor) Process(ctx context.Context, tickers []string) (Results, error) {
	return p.run(ctx, p.pool, tickers, p.cfg.BatchSize)
}

// ProcessBatches processes tickers in batches of batchSize on a dedicated pool
// of concurrency workers, torn down before returning.
func (p *Processor) ProcessBatches(ctx context.Context, tickers []string, batchSize, concurrency int) (Results, error) {
	if concurrency < 1 {
		concurrency = p.cfg.Concurrency
	}
	pool := p.newPool(concurrency)
	defer pool.Shutdown(context.Background())
	return p.run(ctx, pool, tickers, batchSize)
}

// Shutdown drains the shared pool, cancelling in-flight work once ctx ends.
func (p *Processor) Shutdown(ctx context.Context) error {
	return p.pool.Shutdown(ctx)
}

func (p *Processor) run(ctx context.Context, pool *Pool, tickers []string, batchSize int) (Results, error) {
	start := time.Now()
	tickers = dedupe(tickers)
	batches := Partition(tickers, batchSize)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(Results, len(tickers))

		// Workers this run holds and batches it has finished.
		held, finished atomic.Int64
	)

	var submitErr error
	for i, batch := range batches {
		p.log.Debug("submitting batch", append(logger.Attrs(ctx),
			"batch", i+1, "of", len(batches), "size", len(batch))...)

		wg.Add(1)
		err := p.submit(runCtx, pool, &held, &finished, func(wctx context.Context) {
			held.Add(1)
			defer func() {
				finished.Add(1)
				held.Add(-1)
				wg.Done()
			}()
			for _, ticker := range batch {
				if wctx.Err() != nil {
					return
				}
				m, ok := p.processTicker(wctx, ticker)
				if !ok {
					return
				}
				mu.Lock()
				results[ticker] = m
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			submitErr = err
			cancel()
			break
		}
	}
	wg.Wait()

	err := p.runErr(ctx, submitErr, len(tickers), results)
	failed := len(results.Failed())
	p.obs.ObserveRun(len(tickers), failed, time.Since(start), err)

	attrs := append(logger.Attrs(ctx),
		"tickers", len(tickers), "processed", len(results), "failed", failed,
		"batches", len(batches), "workers", pool.Size(), "elapsed", time.Since(start))
	if err != nil {
		p.log.Error("run ended with error", append(attrs, "error", err)...)
	} else {
		p.log.Info("run complete", attrs...)
	}
	return results, err
}

// submit hands fn to the pool. A timed-out acquire is retried while the run
// still holds a worker or finished a batch during the wait: only a pool that
// gave the run nothing within the timeout counts as exhausted.
func (p *Processor) submit(ctx context.Context, pool *Pool, held, finished *atomic.Int64, fn func(context.Context)) error {
	for {
		before := finished.Load()
		err := pool.Go(ctx, fn)
		if !errors.Is(err, model.ErrPoolExhausted) {
			return err
		}
		if held.Load() == 0 && finished.Load() == before {
			return err
		}
		p.log.Debug("waiting behind own batches", logger.Attrs(ctx)...)
	}
}

func (p *Processor) runErr(ctx context.Context, submitErr error, n int, results Results) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if submitErr != nil {
		return fmt.Errorf("submit batch: %w", submitErr)
	}
	if n == 0 {
		return nil
	}
	// Only a forced pool shutdown drops tickers while ctx is live
	if len(results) < n {
		return fmt.Errorf("%d of %d tickers not processed: %w", n-len(results), n, model.ErrPoolClosed)
	}
	for _, m := range results {
		if !errors.Is(m.Err, model.ErrSourceUnavailable) {
			return nil
		}
	}
	return fmt.Errorf("%d tickers: %w", n, model.ErrStoreUnreachable)
}

// processTicker fetches and computes one ticker. ok is false when ctx was
// cancelled mid-fetch and nothing should be recorded.
func (p *Processor) processTicker(ctx context.Context, ticker string) (model.TickerMetric, bool) {
	start := time.Now()
	m := model.TickerMetric{Ticker: ticker, AsOf: p.now()}

	prices, err := p.source.FetchRecentCloses(ctx, ticker, p.cfg.FetchLimit)
	if err != nil {
		if ctx.Err() != nil {
			return m, false
		}
		m.Err = err
		p.log.Warn("price fetch failed", append(logger.Attrs(ctx), "ticker", ticker, "error", err)...)
		p.obs.ObserveTicker(time.Since(start), err)
		return m, true
	}

	m.Samples = len(prices)
	window := min(p.cfg.SMAWindow, len(prices))
	m.SMA, m.SMAReady = indicator.SMA(prices, window)
	if m.SMAReady {
		m.Variance = indicator.Variance(prices[:window])
	}

	if p.cfg.RSIPeriod > 0 {
		if rsi := indicator.ComputeRSI(prices.Chronological(), p.cfg.RSIPeriod); len(rsi) > 0 {
			m.RSI = rsi
			m.RSIReady = true
		}
	}

	p.obs.ObserveTicker(time.Since(start), nil)
	return m, true
}
