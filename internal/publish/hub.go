package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/auth"
	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/metrics"
	"github.com/teerpro/result-engine/internal/model"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBuffer  = 64
	deliverSize = 256
)

// Hub manages WebSocket subscribers on this instance. Result updates go to
// every client (optionally filtered by game); wins go only to clients
// authenticated as the winning user.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	deliver    chan Message
	quit       chan struct{}
	mu         sync.RWMutex

	verifier *auth.Verifier
	log      *zap.Logger
	upgrader websocket.Upgrader
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	game   draw.Game
}

// NewHub creates a hub. A nil verifier allows anonymous subscribers only.
func NewHub(verifier *auth.Verifier, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		deliver:    make(chan Message, deliverSize),
		quit:       make(chan struct{}),
		verifier:   verifier,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.quit)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		metrics.WebSocketClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Debug("ws client connected", zap.String("user_id", c.userID), zap.Int("total", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.deliver:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) fanOut(msg Message) {
	data, err := json.Marshal(msg.Envelope)
	if err != nil {
		h.log.Warn("ws marshal failed", zap.String("event", msg.Envelope.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow subscriber: this message is lost for it, the connection stays.
			metrics.EventsDropped.WithLabelValues("ws", msg.Envelope.Event).Inc()
		}
	}
}

func (c *client) wants(msg Message) bool {
	if msg.UserID != "" {
		return c.userID == msg.UserID
	}
	return c.game == "" || c.game == msg.Game
}

// Deliver queues a routed message for local fan-out without blocking.
func (h *Hub) Deliver(msg Message) {
	select {
	case h.deliver <- msg:
		metrics.EventsPublished.WithLabelValues("ws", msg.Envelope.Event).Inc()
	default:
		metrics.EventsDropped.WithLabelValues("ws", msg.Envelope.Event).Inc()
		h.log.Warn("ws deliver queue full, dropping event", zap.String("event", msg.Envelope.Event))
	}
}

func (h *Hub) PublishResultDeclared(_ context.Context, ev model.ResultDeclared) {
	msg, err := resultMessage(ev)
	if err != nil {
		h.log.Warn("build result message", zap.Error(err))
		return
	}
	h.Deliver(msg)
}

func (h *Hub) PublishWagerWon(_ context.Context, ev model.WagerWon) {
	msg, err := wonMessage(ev)
	if err != nil {
		h.log.Warn("build win message", zap.Error(err))
		return
	}
	h.Deliver(msg)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS handles GET /api/v1/ws?token=&game=. A valid token subscribes the
// connection to that user's wins; without one only result updates arrive.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var userID string
	if token := r.URL.Query().Get("token"); token != "" {
		if h.verifier == nil {
			http.Error(w, "authentication unavailable", http.StatusUnauthorized)
			return
		}
		claims, err := h.verifier.Verify(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		userID = claims.User()
	}

	var game draw.Game
	if g := r.URL.Query().Get("game"); g != "" {
		parsed, err := draw.ParseGame(g)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		game = parsed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		game:   game,
	}
	select {
	case h.register <- c:
	case <-h.quit:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump keeps the connection alive and detects disconnects. Clients
// have nothing to say; inbound frames are discarded.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
