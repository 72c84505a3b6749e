package model

import (
	"encoding/json"
	"time"
)

// TickerMetric is the outcome of processing one ticker in a run.
//
// SMAReady distinguishes a computed 0.0 from "no data": Value flattens both
// to 0.0 for callers that only want the scalar mapping.
type TickerMetric struct {
	Ticker   string    `json:"ticker"`
	SMA      float64   `json:"sma"`
	SMAReady bool      `json:"sma_ready"`
	Variance float64   `json:"variance"` // population variance of the closes under the SMA
	RSI      []float64 `json:"rsi,omitempty"`
	RSIReady bool      `json:"rsi_ready"`
	Samples  int       `json:"samples"`
	AsOf     time.Time `json:"as_of"`
	Err      error     `json:"-"`
	ErrText  string    `json:"error,omitempty"`
}

// Value returns the SMA, or the 0.0 sentinel when it could not be computed.
func (m *TickerMetric) Value() float64 {
	if !m.SMAReady {
		return 0
	}
	return m.SMA
}

// LastRSI returns the most recent RSI entry and whether one was computed.
func (m *TickerMetric) LastRSI() (float64, bool) {
	if !m.RSIReady || len(m.RSI) == 0 {
		return 0, false
	}
	return m.RSI[len(m.RSI)-1], true
}

// Failed reports whether the price fetch for this ticker failed.
func (m *TickerMetric) Failed() bool { return m.Err != nil }

// JSON returns the JSON-encoded metric (ignoring errors, as the fields are plain values).
func (m *TickerMetric) JSON() []byte {
	if m.Err != nil && m.ErrText == "" {
		m.ErrText = m.Err.Error()
	}
	b, _ := json.Marshal(m)
	return b
}

// LatestKey returns the Redis key holding the latest metric: "metric:sma:latest:{ticker}".
func (m *TickerMetric) LatestKey() string {
	return "metric:sma:latest:" + m.Ticker
}

// PubSubChannel returns the Redis PubSub channel for the metric: "pub:metric:sma:{ticker}".
func (m *TickerMetric) PubSubChannel() string {
	return "pub:metric:sma:" + m.Ticker
}
