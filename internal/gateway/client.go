package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Tickers this client wants single-ticker updates for; empty means all.
	subMu   sync.RWMutex
	tickers map[string]struct{}
}

// clientMsg is the inbound message shape.
type clientMsg struct {
	Type    string   `json:"type"` // SUBSCRIBE, UNSUBSCRIBE
	Tickers []string `json:"tickers"`
	Ping    int64    `json:"ping"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
}

// wants reports whether the client subscribed to ticker.
func (c *Client) wants(ticker string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.tickers) == 0 {
		return true
	}
	_, ok := c.tickers[ticker]
	return ok
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}

		switch strings.ToUpper(msg.Type) {
		case "SUBSCRIBE":
			c.setTickers(msg.Tickers)
			c.reply(map[string]any{"type": "subscribed", "tickers": msg.Tickers})
		case "UNSUBSCRIBE":
			c.setTickers(nil)
			c.reply(map[string]any{"type": "unsubscribed"})
		default:
			if msg.Ping > 0 {
				c.reply(map[string]any{
					"type":      "pong",
					"ping":      msg.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
			}
		}
	}
}

func (c *Client) setTickers(tickers []string) {
	set := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			set[t] = struct{}{}
		}
	}
	c.subMu.Lock()
	c.tickers = set
	c.subMu.Unlock()
}

// reply queues a control message. Holding the hub read lock keeps the send
// channel open for the duration.
func (c *Client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
