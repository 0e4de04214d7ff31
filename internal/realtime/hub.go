// Package realtime serves the telemetry WebSocket.
//
// Each connection carries behavior reports and session inits upstream and
// risk updates downstream. Upstream frames are handled one at a time in
// arrival order; each report produces exactly one update, written in the
// same order. Connections share nothing except the ingestion path's
// session store.
package realtime

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbd888/sentinel/internal/ingest"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/protocol"
	"github.com/mbd888/sentinel/internal/validation"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxUserAgentLength = 512
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Ingestor handles one upstream frame and returns the downstream update, if any.
type Ingestor interface {
	Handle(ctx context.Context, conn ingest.ConnInfo, frame []byte) *protocol.RiskUpdate
}

// Config tunes the hub.
type Config struct {
	MaxClients     int
	SendQueueSize  int
	MaxFrameBytes  int64
	AllowedOrigins []string // empty allows same-host and non-browser clients
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxClients:    10000,
		SendQueueSize: 256,
		MaxFrameBytes: 64 * 1024,
	}
}

// Client is one telemetry connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	info   ingest.ConnInfo
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub manages all telemetry connections
type Hub struct {
	cfg        Config
	ingestor   Ingestor
	upgrader   websocket.Upgrader
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race

	// Stats
	totalFrames  atomic.Int64
	totalUpdates atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub feeding every frame to ingestor.
func NewHub(ingestor Ingestor, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		ingestor:   ingestor,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Allow non-browser clients
	}
	if len(h.cfg.AllowedOrigins) > 0 {
		for _, allowed := range h.cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	// Allow same-host connections
	host := r.Host
	return origin == "http://"+host || origin == "https://"+host
}

// Run starts the hub's main loop. Cancelling ctx closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				client.cancel() // writePump sends CloseMessage on cancel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			// Concurrent upgrades can all pass ServeClient's check.
			if len(h.clients) >= h.cfg.MaxClients {
				h.mu.Unlock()
				client.cancel()
				metrics.UpgradesRejectedTotal.WithLabelValues("capacity").Inc()
				h.logger.Warn("client rejected at capacity", "conn_id", client.info.ID)
				continue
			}
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "conn_id", client.info.ID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.cancel()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "conn_id", client.info.ID, "total", n)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalFrames":      h.totalFrames.Load(),
		"totalUpdates":     h.totalUpdates.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades HTTP to WebSocket, taking the source address
// from the request's remote address.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h.ServeClient(w, r, addr)
}

// ServeClient upgrades the request and runs the connection with the given
// source address recorded for session correlation.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request, sourceAddr string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		metrics.UpgradesRejectedTotal.WithLabelValues("shutdown").Inc()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Fast path; Run re-checks at registration.
	if h.ClientCount() >= h.cfg.MaxClients {
		metrics.UpgradesRejectedTotal.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	info := ingest.ConnInfo{
		ID:         uuid.NewString(),
		RemoteAddr: sourceAddr,
		UserAgent:  validation.SanitizeString(r.UserAgent(), maxUserAgentLength),
	}
	ctx := logging.WithLogger(logging.WithConnID(context.Background(), info.ID), h.logger)
	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		hub:    h,
		conn:   conn,
		info:   info,
		send:   make(chan []byte, h.cfg.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles upstream frames strictly in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) && c.ctx.Err() == nil {
				logging.L(c.ctx).Warn("websocket read error", "error", err)
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.totalFrames.Add(1)

		update := c.hub.ingestor.Handle(c.ctx, c.info, message)
		if update == nil {
			continue
		}

		data, err := protocol.EncodeRiskUpdate(*update)
		if err != nil {
			logging.L(c.ctx).Error("failed to encode risk update", "error", err)
			continue
		}

		// Block rather than drop so every report gets its update, in order.
		select {
		case c.send <- data:
			c.hub.totalUpdates.Add(1)
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump writes downstream frames in send order.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.L(c.ctx).Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logging.L(c.ctx).Debug("websocket ping failed", "error", err)
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
