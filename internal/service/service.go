// Package service wires the price store, scheduler, result sinks and HTTP
// surface into the metrics engine process.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"tickermetrics/config"
	"tickermetrics/internal/gateway"
	"tickermetrics/internal/markethours"
	"tickermetrics/internal/metrics"
	"tickermetrics/internal/model"
	"tickermetrics/internal/notification"
	"tickermetrics/internal/scheduler"
	pgstore "tickermetrics/internal/store/postgres"
	redisstore "tickermetrics/internal/store/redis"
	sqlitestore "tickermetrics/internal/store/sqlite"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("a run is already in progress")

const livenessInterval = 15 * time.Second

// Service is the top-level orchestrator for the metrics engine.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	source    model.PriceSource
	storePing func(context.Context) error
	history   *sqlitestore.Writer

	redisWriter *redisstore.Writer
	breaker     *redisstore.Breaker
	buffered    *redisstore.BufferedWriter

	hub    *gateway.Hub
	proc   *scheduler.Processor
	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	server *metrics.Server
	cron   *cron.Cron

	session  *markethours.Session
	notifier notification.Notifier

	sinks []namedSink
	runMu sync.Mutex
}

type namedSink struct {
	name string
	sink model.MetricSink
}

// New opens the configured stores and builds every component. Redis failures
// are logged and leave Redis disabled; store failures are fatal.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	svc := &Service{
		cfg:  cfg,
		log:  slog.Default(),
		reg:  prometheus.NewRegistry(),
		hub:  gateway.NewHub(0),
		cron: cron.New(cron.WithSeconds()),
	}
	svc.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.prom = metrics.NewMetrics(svc.reg)

	if cfg.Alerts.WebhookURL != "" {
		svc.notifier = notification.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout)
	} else {
		svc.notifier = notification.NewLogNotifier(svc.log)
	}
	if cfg.Session.Enabled {
		holidays := cfg.Session.Holidays
		if len(holidays) == 0 && cfg.Session.Timezone == config.DefaultTimezone {
			holidays = markethours.NYSEHolidays2026
		}
		sess, err := markethours.New(cfg.Session.Timezone, cfg.Session.Open, cfg.Session.Close, holidays)
		if err != nil {
			return nil, fmt.Errorf("trading session: %w", err)
		}
		svc.session = sess
	}

	if err := svc.openStore(ctx); err != nil {
		return nil, err
	}
	svc.openRedis(ctx)
	svc.health = metrics.NewHealthStatus(cfg.Store.Driver, svc.redisWriter != nil)

	sc := cfg.Scheduler
	svc.proc = scheduler.NewProcessor(svc.source, scheduler.Config{
		BatchSize:      sc.BatchSize,
		Concurrency:    sc.Concurrency,
		AcquireTimeout: sc.AcquireTimeout,
		FetchLimit:     sc.FetchLimit,
		SMAWindow:      sc.SMAWindow,
		RSIPeriod:      max(sc.RSIPeriod, 0),
	}, scheduler.WithObserver(svc.prom), scheduler.WithLogger(svc.log))

	svc.hub.OnClientCount = func(n int) { svc.prom.WSClients.Set(float64(n)) }
	svc.hub.OnDrop = svc.prom.WSBroadcastsDropped.Inc

	if svc.history != nil {
		svc.sinks = append(svc.sinks, namedSink{"sqlite", svc.history})
	}
	if svc.buffered != nil {
		svc.sinks = append(svc.sinks, namedSink{"redis", svc.buffered})
	}
	svc.sinks = append(svc.sinks, namedSink{"websocket", svc.hub})

	svc.server = metrics.NewServer(cfg.HTTPAddr, svc.reg, svc.health)
	svc.registerRoutes()

	return svc, nil
}

func (svc *Service) openStore(ctx context.Context) error {
	cfg := svc.cfg.Store
	switch cfg.Driver {
	case "postgres":
		src, err := pgstore.Connect(ctx, cfg.Postgres, cfg.MaxConns)
		if err != nil {
			return fmt.Errorf("postgres source: %w", err)
		}
		svc.source = src
		svc.storePing = src.Ping
		return nil

	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		// The writer owns the schema, so open it first
		w, err := sqlitestore.NewWriter(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite writer: %w", err)
		}
		r, err := sqlitestore.NewReader(cfg.SQLitePath, cfg.MaxConns)
		if err != nil {
			w.Close()
			return fmt.Errorf("sqlite reader: %w", err)
		}
		svc.history = w
		svc.source = r
		svc.storePing = r.DB().PingContext
		return nil
	}
}

func (svc *Service) openRedis(ctx context.Context) {
	rc := svc.cfg.Redis
	if !rc.Enabled {
		return
	}
	w, err := redisstore.New(ctx, redisstore.Config{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		TTL:      rc.TTL,
	})
	if err != nil {
		svc.log.Warn("redis unavailable, continuing without cache", "addr", rc.Addr, "error", err)
		return
	}
	svc.redisWriter = w
	svc.breaker = redisstore.NewBreaker(5, 10*time.Second)
	svc.breaker.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisBreakerTrips.Inc()
			go svc.alert(context.Background(), notification.AlertWarning, "redis circuit open",
				"metric cache writes are buffered until redis recovers", "")
		}
		if svc.health != nil {
			svc.health.SetBreakerState(to.String())
		}
	}
	svc.buffered = redisstore.NewBufferedWriter(context.Background(), w, svc.breaker, 0)
	svc.buffered.OnBuffer = svc.prom.RedisBufferedRuns.Inc
	svc.buffered.OnDrop = svc.prom.RedisDroppedRuns.Inc
}

// Processor returns the scheduler processor.
func (svc *Service) Processor() *scheduler.Processor { return svc.proc }

// RunOnce processes the configured tickers and delivers the results to every sink.
func (svc *Service) RunOnce(ctx context.Context) (scheduler.Results, error) {
	_, res, err := svc.runTickers(ctx, svc.cfg.Tickers)
	return res, err
}

func (svc *Service) runTickers(ctx context.Context, tickers []string) (string, scheduler.Results, error) {
	if !svc.runMu.TryLock() {
		return "", nil, ErrRunInProgress
	}
	defer svc.runMu.Unlock()

	start := time.Now()
	run := svc.proc.Submit(ctx, tickers)
	res, err := run.Wait(ctx)
	if ctx.Err() != nil {
		run.Cancel()
		<-run.Done()
		res, err = run.Wait(context.Background())
	}

	summary := metrics.RunSummary{
		ID:       run.ID,
		At:       start.UTC(),
		Tickers:  len(res),
		Failed:   len(res.Failed()),
		Duration: time.Since(start),
	}
	if err != nil {
		summary.Error = err.Error()
		if !errors.Is(err, context.Canceled) {
			svc.alert(context.WithoutCancel(ctx), notification.AlertCritical, "metric run failed", err.Error(), run.ID)
		}
	}
	svc.health.SetLastRun(summary)

	if len(res) > 0 {
		svc.publish(ctx, run.ID, res.Sorted())
	}
	return run.ID, res, err
}

// publish writes a run to every sink concurrently. Sink failures are logged
// and counted but never fail the run.
func (svc *Service) publish(ctx context.Context, runID string, ms []model.TickerMetric) {
	// Fill error text once so sinks only read the slice
	for i := range ms {
		if ms[i].Err != nil {
			ms[i].ErrText = ms[i].Err.Error()
		}
	}

	var g errgroup.Group
	for _, s := range svc.sinks {
		g.Go(func() error {
			start := time.Now()
			err := s.sink.WriteMetrics(ctx, runID, ms)
			svc.prom.ObserveSink(s.name, time.Since(start), err)
			if err != nil {
				svc.log.Warn("sink write failed", "sink", s.name, "run_id", runID, "error", err)
				return fmt.Errorf("%s: %w", s.name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run serves HTTP, schedules runs and blocks until ctx is cancelled, then
// shuts everything down.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	svc.log.Info("metrics engine starting",
		"store", cfg.Store.Driver,
		"tickers", len(cfg.Tickers),
		"workers", cfg.Scheduler.Concurrency,
		"batch_size", cfg.Scheduler.BatchSize,
		"schedule", cfg.Schedule,
	)

	g, gctx := errgroup.WithContext(ctx)
	// Runs outlive the signal so shutdown can drain them
	workCtx := context.WithoutCancel(ctx)

	if cfg.Schedule != "" {
		if _, err := svc.cron.AddFunc(cfg.Schedule, func() { svc.scheduledRun(workCtx) }); err != nil {
			svc.Close()
			return fmt.Errorf("register schedule %q: %w", cfg.Schedule, err)
		}
	}

	svc.health.StartLivenessChecker(ctx, svc.storePing, svc.redisClient(), livenessInterval)
	svc.server.Start()

	if svc.redisWriter != nil && cfg.Redis.Relay {
		relay := make(chan model.TickerMetric, 256)
		g.Go(func() error {
			if err := svc.redisWriter.Subscribe(gctx, relay); err != nil {
				svc.log.Warn("redis relay stopped", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			svc.hub.Run(gctx, relay)
			return nil
		})
	}

	if cfg.Schedule != "" {
		svc.cron.Start()
		svc.log.Info("scheduler started", "schedule", cfg.Schedule)
	}

	// Initial run on startup
	g.Go(func() error {
		svc.scheduledRun(workCtx)
		return nil
	})

	<-ctx.Done()
	svc.log.Info("shutdown signal received")
	svc.shutdown()
	g.Wait()
	svc.Close()
	svc.log.Info("shutdown complete")
	return nil
}

func (svc *Service) scheduledRun(ctx context.Context) {
	if len(svc.cfg.Tickers) == 0 {
		svc.log.Warn("no tickers configured, skipping run")
		return
	}
	if svc.session != nil && !svc.session.IsOpen(time.Now()) {
		svc.log.Debug("market closed, skipping run", "status", svc.session.Status(time.Now()))
		return
	}
	if _, err := svc.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		svc.log.Error("scheduled run failed", "error", err)
	}
}

func (svc *Service) alert(ctx context.Context, level notification.AlertLevel, title, msg, runID string) {
	a := notification.Alert{Level: level, Title: title, Message: msg, RunID: runID, At: time.Now().UTC()}
	if err := svc.notifier.Send(ctx, a); err != nil {
		svc.log.Warn("alert delivery failed", "title", title, "error", err)
	}
}

func (svc *Service) redisClient() *goredis.Client {
	if svc.redisWriter == nil {
		return nil
	}
	return svc.redisWriter.Client()
}

// shutdown stops cron and drains the worker pool within the drain timeout,
// then stops the HTTP server and disconnects WebSocket clients.
func (svc *Service) shutdown() {
	drain := svc.cfg.Scheduler.DrainTimeout

	cronDone := svc.cron.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	svc.Drain(drainCtx)
	select {
	case <-cronDone.Done():
	case <-time.After(5 * time.Second):
		svc.log.Warn("scheduled job still active after pool shutdown")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := svc.server.Stop(stopCtx); err != nil {
		svc.log.Warn("http server shutdown", "error", err)
	}
	svc.hub.Close()
}

// Drain stops the worker pool, waiting for in-flight work until ctx ends and
// cancelling it after that. Runs submitted afterwards fail with ErrPoolClosed.
func (svc *Service) Drain(ctx context.Context) error {
	err := svc.proc.Shutdown(ctx)
	if err != nil {
		svc.log.Warn("worker pool forced to stop", "error", err)
	}
	return err
}

// Close releases stores and connections.
func (svc *Service) Close() {
	if svc.buffered != nil && svc.buffered.PendingCount() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		svc.buffered.Flush(ctx)
		cancel()
	}
	if svc.redisWriter != nil {
		svc.redisWriter.Close()
	}
	if svc.source != nil {
		svc.source.Close()
	}
	if svc.history != nil {
		svc.history.Close()
	}
}
