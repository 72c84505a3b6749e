package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"tickermetrics/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// dsnParams is appended to every database path.
const dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

// Reader is a read-only PriceSource over the ticker_data_1m table.
// Each fetch checks out its own pooled connection, so one Reader is safe to
// share between workers.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection pool for reading with at most maxConns
// open connections.
func NewReader(dbPath string, maxConns int) (*Reader, error) {
	if maxConns < 1 {
		maxConns = 1
	}
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	slog.Info("sqlite reader opened", "path", dbPath, "max_conns", maxConns)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

// FetchRecentCloses returns up to limit closing prices for ticker,
// most-recent-first.
func (r *Reader) FetchRecentCloses(ctx context.Context, ticker string, limit int) (model.PriceSeries, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT close FROM ticker_data_1m
		WHERE ticker = ?
		ORDER BY datetime DESC
		LIMIT ?
	`, ticker, limit)
	if err != nil {
		return nil, sourceErr(ctx, "query ticker_data_1m", err)
	}
	defer rows.Close()

	prices := make(model.PriceSeries, 0, limit)
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, sourceErr(ctx, "scan close", err)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, sourceErr(ctx, "iterate closes", err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%s: %w", ticker, model.ErrNotFound)
	}
	return prices, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

// sourceErr classifies a driver error. Cancellation is passed through so the
// scheduler can tell it apart from an unreachable store.
func sourceErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("sqlite %s: %w", op, ctx.Err())
	}
	return fmt.Errorf("sqlite %s: %w: %v", op, model.ErrSourceUnavailable, err)
}
