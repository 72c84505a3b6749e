// cmd/metricsengine computes SMA and RSI for a ticker universe on a cron
// schedule and publishes the results to SQLite history, Redis and WebSocket
// clients.
//
// Usage:
//
//	go run ./cmd/metricsengine --config=config.yaml
//	go run ./cmd/metricsengine --tickers=AAPL,MSFT --once
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata" // session time zones on hosts without zoneinfo

	"tickermetrics/config"
	"tickermetrics/internal/logger"
	"tickermetrics/internal/service"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to YAML config (optional)")
	tickers := flag.String("tickers", "", "Comma-separated tickers, overrides config")
	once := flag.Bool("once", false, "Run a single batch, print results and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Init("metricsengine", slog.LevelInfo).Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("metricsengine", logger.ParseLevel(cfg.LogLevel))

	if *tickers != "" {
		cfg.Tickers = config.ParseTickers(*tickers)
	}
	log.Info("config loaded",
		"driver", cfg.Store.Driver,
		"tickers", len(cfg.Tickers),
		"batch_size", cfg.Scheduler.BatchSize,
		"concurrency", cfg.Scheduler.Concurrency,
		"schedule", cfg.Schedule,
		"redis", cfg.Redis.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}

	if *once {
		res, err := svc.RunOnce(ctx)
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Scheduler.DrainTimeout)
		svc.Drain(drainCtx)
		drainCancel()
		svc.Close()
		for _, m := range res.Sorted() {
			if m.Failed() {
				fmt.Printf("%-10s error: %v\n", m.Ticker, m.Err)
				continue
			}
			rsi := "-"
			if v, ok := m.LastRSI(); ok {
				rsi = fmt.Sprintf("%.2f", v)
			}
			fmt.Printf("%-10s sma=%.4f rsi=%s samples=%d\n", m.Ticker, m.Value(), rsi, m.Samples)
		}
		if err != nil {
			log.Error("run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := svc.Run(ctx); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
