package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RunSummary describes the most recent processing run.
type RunSummary struct {
	ID       string        `json:"id"`
	At       time.Time     `json:"at"`
	Tickers  int           `json:"tickers"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// HealthStatus tracks dependency liveness and the last run.
type HealthStatus struct {
	mu sync.RWMutex

	StoreDriver    string
	StoreOK        bool
	StoreLatencyMs float64

	RedisEnabled   bool
	RedisConnected bool
	RedisLatencyMs float64
	BreakerState   string

	LastRun     *RunSummary
	LastCheckAt time.Time
	StartedAt   time.Time
}

// NewHealthStatus returns a health status for the given store driver.
func NewHealthStatus(storeDriver string, redisEnabled bool) *HealthStatus {
	return &HealthStatus{
		StoreDriver:  storeDriver,
		RedisEnabled: redisEnabled,
		BreakerState: "closed",
		StartedAt:    time.Now(),
	}
}

// SetLastRun records the outcome of a run.
func (h *HealthStatus) SetLastRun(r RunSummary) {
	h.mu.Lock()
	h.LastRun = &r
	h.mu.Unlock()
}

// LastRunSummary returns a copy of the last recorded run, or nil.
func (h *HealthStatus) LastRunSummary() *RunSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.LastRun == nil {
		return nil
	}
	r := *h.LastRun
	return &r
}

// SetBreakerState records the Redis breaker state name.
func (h *HealthStatus) SetBreakerState(s string) {
	h.mu.Lock()
	h.BreakerState = s
	h.mu.Unlock()
}

// CheckStore runs the store's ping and records latency and health.
func (h *HealthStatus) CheckStore(ctx context.Context, ping func(context.Context) error) {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker probes dependencies every interval until ctx ends.
// rdb may be nil when Redis is disabled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, storePing func(context.Context) error, rdb *goredis.Client, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if storePing != nil {
			h.CheckStore(probeCtx, storePing)
		}
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
	}

	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	runFailed := h.LastRun != nil && h.LastRun.Error != ""
	if redisDown || runFailed {
		overallStatus = "degraded"
	}
	if !h.StoreOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	status := struct {
		Status         string      `json:"status"`
		Uptime         string      `json:"uptime"`
		StoreDriver    string      `json:"store_driver"`
		StoreOK        bool        `json:"store_ok"`
		StoreLatencyMs float64     `json:"store_latency_ms"`
		RedisEnabled   bool        `json:"redis_enabled"`
		RedisConnected bool        `json:"redis_connected"`
		RedisLatencyMs float64     `json:"redis_latency_ms"`
		BreakerState   string      `json:"redis_breaker_state"`
		LastRun        *RunSummary `json:"last_run,omitempty"`
		LastCheckAt    string      `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		StoreDriver:    h.StoreDriver,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		BreakerState:   h.BreakerState,
		LastRun:        h.LastRun,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
