package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/internal/metrics"
	"orderflow/logger"
	"orderflow/models"
)

const (
	hubSendBuffer = 64
	hubReplay     = 32
	writeWait     = 5 * time.Second
	pongWait      = time.Minute
	pingPeriod    = pongWait * 9 / 10
)

// hubMessage is the frame pushed to dashboard clients.
type hubMessage struct {
	Type   string      `json:"type"`
	Symbol string      `json:"symbol"`
	Data   interface{} `json:"data"`
}

type hubClient struct {
	conn   *websocket.Conn
	send   chan []byte
	symbol string
}

// Hub pushes every bar close to connected websocket clients. A client may
// filter by ?symbol=. Slow clients are disconnected rather than waited for.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*hubClient]struct{}
	recent   []hubFrame
	upgrader websocket.Upgrader
	log      *logger.Log

	sent    atomic.Int64
	dropped atomic.Int64
}

type hubFrame struct {
	symbol  string
	payload []byte
}

func NewHub(log *logger.Log) *Hub {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// HandleBarClose never blocks the caller.
func (h *Hub) HandleBarClose(ctx context.Context, bc models.BarClose) error {
	payload, err := json.Marshal(hubMessage{Type: "bar_close", Symbol: bc.Symbol, Data: bc})
	if err != nil {
		return err
	}
	h.broadcast(bc.Symbol, payload)
	return nil
}

func (h *Hub) broadcast(symbol string, payload []byte) {
	h.mu.Lock()
	h.recent = append(h.recent, hubFrame{symbol: symbol, payload: payload})
	if len(h.recent) > hubReplay {
		h.recent = append([]hubFrame(nil), h.recent[len(h.recent)-hubReplay:]...)
	}
	var slow []*hubClient
	for c := range h.clients {
		if c.symbol != "" && c.symbol != symbol {
			continue
		}
		select {
		case c.send <- payload:
			h.sent.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.removeLocked(c)
		h.dropped.Add(1)
		metrics.EmitDropMetric(h.log, metrics.DropMetricSink, symbol, "", "dashboard_hub")
	}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and replays the most recent bar closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("dashboard_hub").WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &hubClient{
		conn:   conn,
		send:   make(chan []byte, hubSendBuffer),
		symbol: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol"))),
	}

	h.mu.Lock()
	for _, f := range h.recent {
		if c.symbol != "" && c.symbol != f.symbol {
			continue
		}
		select {
		case c.send <- f.payload:
		default:
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
