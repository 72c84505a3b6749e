// Package gateway pushes metric runs to dashboard clients over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickermetrics/internal/model"
)

const (
	sendBuffer     = 64
	defaultReplay  = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// RunEnvelope is the message sent for every completed run.
type RunEnvelope struct {
	Type    string               `json:"type"` // "run"
	Seq     int64                `json:"seq"`
	RunID   string               `json:"run_id"`
	At      time.Time            `json:"at"`
	Metrics []model.TickerMetric `json:"metrics"`
}

// MetricEnvelope carries one ticker update relayed from another engine instance.
type MetricEnvelope struct {
	Type   string             `json:"type"` // "metric"
	Seq    int64              `json:"seq"`
	Ticker string             `json:"ticker"`
	Data   model.TickerMetric `json:"data"`
}

// Hub manages WebSocket clients and fans run results out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	seq     int64
	lastRun []byte

	replay *ReplayBuffer

	// Optional hooks, set before serving.
	OnClientCount func(n int)
	OnDrop        func()
}

// NewHub creates a hub keeping the last replaySize envelopes for reconnects.
func NewHub(replaySize int) *Hub {
	if replaySize <= 0 {
		replaySize = defaultReplay
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		replay:  NewReplayBuffer(replaySize),
	}
}

// WriteMetrics implements model.MetricSink by broadcasting the run.
func (h *Hub) WriteMetrics(_ context.Context, runID string, metrics []model.TickerMetric) error {
	h.BroadcastRun(runID, time.Now().UTC(), metrics)
	return nil
}

// BroadcastRun sends a run envelope to every client and keeps it as the
// state for new connections.
func (h *Hub) BroadcastRun(runID string, at time.Time, metrics []model.TickerMetric) {
	for i := range metrics {
		if metrics[i].Err != nil && metrics[i].ErrText == "" {
			metrics[i].ErrText = metrics[i].Err.Error()
		}
	}

	h.mu.Lock()
	h.seq++
	env := RunEnvelope{Type: "run", Seq: h.seq, RunID: runID, At: at, Metrics: metrics}
	data, err := json.Marshal(env)
	if err != nil {
		h.mu.Unlock()
		slog.Error("gateway marshal run", "run_id", runID, "error", err)
		return
	}
	h.lastRun = data
	h.replay.Push(env.Seq, data)
	h.mu.Unlock()

	h.fanOut(data, "")
}

// BroadcastMetric sends a single ticker update to clients subscribed to it.
func (h *Hub) BroadcastMetric(m model.TickerMetric) {
	h.mu.Lock()
	h.seq++
	data, err := json.Marshal(MetricEnvelope{Type: "metric", Seq: h.seq, Ticker: m.Ticker, Data: m})
	if err != nil {
		h.mu.Unlock()
		return
	}
	h.replay.Push(h.seq, data)
	h.mu.Unlock()

	h.fanOut(data, m.Ticker)
}

// Run forwards relayed metrics until ctx is cancelled or in is closed.
func (h *Hub) Run(ctx context.Context, in <-chan model.TickerMetric) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			h.BroadcastMetric(m)
		}
	}
}

// fanOut queues data on every matching client. Slow clients drop the message.
func (h *Hub) fanOut(data []byte, ticker string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if ticker != "" && !c.wants(ticker) {
			continue
		}
		select {
		case c.send <- data:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket. A "since" query parameter
// replays envelopes after that sequence number; otherwise the client gets the
// latest run.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)

	h.mu.Lock()
	var initial [][]byte
	if s := r.URL.Query().Get("since"); s != "" {
		if since, err := strconv.ParseInt(s, 10, 64); err == nil {
			initial = h.replay.After(since)
		}
	} else if h.lastRun != nil {
		initial = [][]byte{h.lastRun}
	}
	for _, msg := range initial {
		select {
		case c.send <- msg:
		default:
		}
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("gateway client connected", "clients", count, "remote", r.RemoteAddr)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	go c.writePump()
	go c.readPump()
}

// removeClient unregisters c and closes its send queue.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("gateway client disconnected", "clients", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.removeClient(c)
	}
}
