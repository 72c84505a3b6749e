package model

import "context"

// ── Storage Port Interfaces ──
// These decouple the scheduler from concrete stores (SQLite, PostgreSQL, Redis).

// PriceSource returns recent closing prices for a ticker.
type PriceSource interface {
	// FetchRecentCloses returns up to limit closes, most-recent-first.
	// Fails with ErrNotFound when the ticker has no rows and with
	// ErrSourceUnavailable on connectivity loss.
	FetchRecentCloses(ctx context.Context, ticker string, limit int) (PriceSeries, error)

	// Close releases underlying resources.
	Close() error
}

// MetricSink persists or publishes the metrics of a completed run.
type MetricSink interface {
	WriteMetrics(ctx context.Context, runID string, metrics []TickerMetric) error
}
