package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"tickermetrics/internal/model"
)

// MetricPattern matches every per-ticker metric channel.
const MetricPattern = "pub:metric:sma:*"

// ReadLatest returns the cached latest metric for ticker, or ErrNotFound
// when the key is missing or expired.
func (w *Writer) ReadLatest(ctx context.Context, ticker string) (model.TickerMetric, error) {
	key := (&model.TickerMetric{Ticker: ticker}).LatestKey()
	data, err := w.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return model.TickerMetric{}, fmt.Errorf("%s: %w", key, model.ErrNotFound)
		}
		return model.TickerMetric{}, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return decodeMetric(data)
}

// LatestRunID returns the ID of the last run written, or ErrNotFound.
func (w *Writer) LatestRunID(ctx context.Context) (string, error) {
	id, err := w.client.Get(ctx, LatestRunKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", model.ErrNotFound
		}
		return "", fmt.Errorf("redis GET %s: %w", LatestRunKey, err)
	}
	return id, nil
}

// Subscribe relays metrics published by any engine instance to out until ctx
// is cancelled. Malformed payloads are skipped.
func (w *Writer) Subscribe(ctx context.Context, out chan<- model.TickerMetric) error {
	sub := w.client.PSubscribe(ctx, MetricPattern)
	defer sub.Close()

	// Wait for the subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis PSUBSCRIBE %s: %w", MetricPattern, err)
	}
	slog.Info("redis subscribed", "pattern", MetricPattern)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m, err := decodeMetric([]byte(msg.Payload))
			if err != nil {
				slog.Warn("redis skipping metric message", "channel", msg.Channel, "error", err)
				continue
			}
			if m.Ticker == "" {
				m.Ticker, _ = TickerFromChannel(msg.Channel)
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// TickerFromChannel extracts the ticker from a per-ticker metric channel name.
func TickerFromChannel(channel string) (string, bool) {
	const prefix = "pub:metric:sma:"
	if !strings.HasPrefix(channel, prefix) || len(channel) == len(prefix) {
		return "", false
	}
	return channel[len(prefix):], true
}

func decodeMetric(data []byte) (model.TickerMetric, error) {
	var m model.TickerMetric
	if err := json.Unmarshal(data, &m); err != nil {
		return model.TickerMetric{}, fmt.Errorf("decode metric: %w", err)
	}
	if m.ErrText != "" {
		m.Err = errors.New(m.ErrText)
	}
	return m, nil
}
