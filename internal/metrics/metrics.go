package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tickermetrics/internal/model"
)

// Metrics holds all Prometheus metrics for the metrics engine.
type Metrics struct {
	// Scheduler
	RunsTotal        *prometheus.CounterVec // labels: outcome=ok|error
	RunDuration      prometheus.Histogram
	TickersProcessed prometheus.Counter
	TickerFailures   *prometheus.CounterVec // labels: reason=not_found|unavailable|other
	TickerDuration   prometheus.Histogram
	BusyWorkers      prometheus.Gauge
	LastRunTickers   prometheus.Gauge
	LastRunFailed    prometheus.Gauge

	// Sinks
	SinkWriteDur        *prometheus.HistogramVec // labels: sink
	SinkErrors          *prometheus.CounterVec   // labels: sink
	RedisBreakerState   prometheus.Gauge         // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips   prometheus.Counter
	RedisBufferedRuns   prometheus.Counter
	RedisDroppedRuns    prometheus.Counter
	WSClients           prometheus.Gauge
	WSBroadcastsDropped prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickermetrics_runs_total",
			Help: "Processing runs completed, by outcome",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickermetrics_run_duration_seconds",
			Help:    "Wall time of a processing run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		TickersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickermetrics_tickers_processed_total",
			Help: "Tickers processed, including failed fetches",
		}),
		TickerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickermetrics_ticker_failures_total",
			Help: "Per-ticker price fetch failures, by reason",
		}, []string{"reason"}),
		TickerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickermetrics_ticker_duration_seconds",
			Help:    "Fetch plus compute latency per ticker",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickermetrics_busy_workers",
			Help: "Workers currently processing a batch",
		}),
		LastRunTickers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickermetrics_last_run_tickers",
			Help: "Tickers in the most recent run",
		}),
		LastRunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickermetrics_last_run_failed",
			Help: "Failed tickers in the most recent run",
		}),

		SinkWriteDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickermetrics_sink_write_duration_seconds",
			Help:    "Result sink write latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickermetrics_sink_errors_total",
			Help: "Result sink write failures",
		}, []string{"sink"}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickermetrics_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickermetrics_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickermetrics_redis_buffered_runs_total",
			Help: "Runs buffered locally while Redis was unavailable",
		}),
		RedisDroppedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickermetrics_redis_dropped_runs_total",
			Help: "Buffered runs dropped because the buffer was full",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickermetrics_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSBroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickermetrics_ws_broadcasts_dropped_total",
			Help: "Messages dropped for slow WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.TickersProcessed,
		m.TickerFailures,
		m.TickerDuration,
		m.BusyWorkers,
		m.LastRunTickers,
		m.LastRunFailed,
		m.SinkWriteDur,
		m.SinkErrors,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.RedisBufferedRuns,
		m.RedisDroppedRuns,
		m.WSClients,
		m.WSBroadcastsDropped,
	)

	return m
}

// ObserveTicker records one processed ticker.
func (m *Metrics) ObserveTicker(d time.Duration, err error) {
	m.TickersProcessed.Inc()
	m.TickerDuration.Observe(d.Seconds())
	if err != nil {
		m.TickerFailures.WithLabelValues(failureReason(err)).Inc()
	}
}

// ObserveRun records a completed run.
func (m *Metrics) ObserveRun(tickers, failed int, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.LastRunTickers.Set(float64(tickers))
	m.LastRunFailed.Set(float64(failed))
}

// SetBusyWorkers records the number of busy workers.
func (m *Metrics) SetBusyWorkers(n int) {
	m.BusyWorkers.Set(float64(n))
}

// ObserveSink records one sink write.
func (m *Metrics) ObserveSink(sink string, d time.Duration, err error) {
	m.SinkWriteDur.WithLabelValues(sink).Observe(d.Seconds())
	if err != nil {
		m.SinkErrors.WithLabelValues(sink).Inc()
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrSourceUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
