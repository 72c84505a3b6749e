// Package postgres provides a PriceSource backed by a PostgreSQL copy of the
// ticker_data_1m table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"tickermetrics/config"
	"tickermetrics/internal/model"
)

// Source implements model.PriceSource over a pgx connection pool.
// Each fetch acquires and releases its own connection.
type Source struct {
	pool *pgxpool.Pool
}

// Connect creates a pool with at most maxConns connections and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, maxConns int) (*Source, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("postgres source connected", "host", cfg.Host, "db", cfg.Name, "max_conns", poolCfg.MaxConns)
	return &Source{pool: pool}, nil
}

// FetchRecentCloses returns up to limit closing prices for ticker, most-recent-first.
func (s *Source) FetchRecentCloses(ctx context.Context, ticker string, limit int) (model.PriceSeries, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT close FROM ticker_data_1m
		WHERE ticker = $1
		ORDER BY datetime DESC
		LIMIT $2
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

// Ping verifies the pool can reach the server.
func (s *Source) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Source) Close() error {
	s.pool.Close()
	return nil
}

func sourceErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("postgres %s: %w", op, ctx.Err())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return fmt.Errorf("postgres %s: %w: %v", op, model.ErrSourceUnavailable, err)
}
