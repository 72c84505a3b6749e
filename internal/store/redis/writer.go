// Package redis caches the latest metric per ticker and fans completed runs
// out over Redis Pub/Sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tickermetrics/internal/model"
)

const (
	// LatestRunKey holds the ID of the most recent run.
	LatestRunKey = "metric:run:latest"
	// RunStream records one summary entry per run.
	RunStream = "metric:runs"

	runStreamMaxLen  = 1000
	defaultLatestTTL = 30 * time.Minute
)

// Config configures the Redis writer.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
	TTL      time.Duration // expiry of latest-metric keys
}

// Writer writes run results to Redis.
type Writer struct {
	client *goredis.Client
	ttl    time.Duration
}

// New connects to Redis and pings the server.
func New(ctx context.Context, cfg Config) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return NewWithClient(client, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, ttl time.Duration) *Writer {
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	return &Writer{client: client, ttl: ttl}
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// runSummary is the payload appended to RunStream.
type runSummary struct {
	RunID   string `json:"run_id"`
	Tickers int    `json:"tickers"`
	Failed  int    `json:"failed"`
}

// WriteMetrics stores and publishes every metric of a run in one pipeline:
// SET latest + PUBLISH per ticker, then the run pointer and a stream entry.
func (w *Writer) WriteMetrics(ctx context.Context, runID string, metrics []model.TickerMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	failed := 0
	for i := range metrics {
		m := &metrics[i]
		if m.Failed() {
			failed++
		}
		data := string(m.JSON())
		pipe.Set(ctx, m.LatestKey(), data, w.ttl)
		pipe.Publish(ctx, m.PubSubChannel(), data)
	}

	summary, _ := json.Marshal(runSummary{RunID: runID, Tickers: len(metrics), Failed: failed})
	pipe.Set(ctx, LatestRunKey, runID, w.ttl)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: RunStream,
		MaxLen: runStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(summary)},
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis metrics pipeline (%d metrics): %w", len(metrics), err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
