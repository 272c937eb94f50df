// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package fanout streams incident change notifications to WebSocket
// subscribers. Delivery is best effort: a slow subscriber whose buffer
// fills up is disconnected rather than allowed to stall the rest.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"corrsight/metrics"
	"corrsight/storage"
)

const (
	pingInterval  = 54 * time.Second
	pongWait      = 60 * time.Second
	writeWait     = 10 * time.Second
	cleanupPeriod = 30 * time.Second
	readLimit     = 512
)

// Config configures the fan-out hub.
type Config struct {
	MaxConnections    int
	ConnectionTimeout time.Duration
	BufferSize        int
	AuthToken         string // empty disables auth
}

// DefaultConfig returns the fan-out defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    100,
		ConnectionTimeout: 90 * time.Second,
		BufferSize:        64,
	}
}

// Connection is one WebSocket subscriber.
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan storage.Notification
	LastPing time.Time
}

// Hub manages subscriber connections and broadcasts notifications to them.
type Hub struct {
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewHub creates a hub. metrics may be nil.
func NewHub(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Hub{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*Connection),
	}
}

// Broadcast queues a notification on every subscriber. Subscribers whose
// buffer is full are dropped.
func (h *Hub) Broadcast(n storage.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections {
		select {
		case conn.Send <- n:
		default:
			go h.removeConnection(conn.ID)
		}
	}

	if h.metrics != nil {
		h.metrics.Notifications.Inc()
	}
}

// ConnectionCount reports the number of open subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Serve runs the WebSocket endpoint on /stream until the context is
// cancelled.
func (h *Hub) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", h.handleWebSocket)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go h.cleanupLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	h.logger.Info("fanout server listening", zap.Int("port", port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the WebSocket upgrade handler, for tests.
func (h *Hub) Handler() http.HandlerFunc {
	return h.handleWebSocket
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AuthToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+h.cfg.AuthToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	h.mu.RLock()
	count := len(h.connections)
	h.mu.RUnlock()
	if h.cfg.MaxConnections > 0 && count >= h.cfg.MaxConnections {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Connection{
		ID:       uuid.NewString(),
		Conn:     ws,
		Send:     make(chan storage.Notification, h.cfg.BufferSize),
		LastPing: time.Now(),
	}

	h.mu.Lock()
	h.connections[conn.ID] = conn
	total := len(h.connections)
	h.mu.Unlock()

	h.setGauge()
	h.logger.Info("subscriber connected",
		zap.String("conn_id", conn.ID), zap.Int("total", total))

	go h.readLoop(conn)
	go h.writeLoop(conn)
}

// readLoop consumes pongs and client frames until the connection breaks.
func (h *Hub) readLoop(conn *Connection) {
	defer func() {
		h.removeConnection(conn.ID)
		_ = conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(readLimit)
	_ = conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.LastPing = time.Now()
		return conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop pushes notifications and periodic pings to the subscriber.
func (h *Hub) writeLoop(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Conn.Close()
	}()

	for {
		select {
		case n, ok := <-conn.Send:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Error("notification marshal failed", zap.Error(err))
				continue
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeConnection(id string) {
	h.mu.Lock()
	conn, exists := h.connections[id]
	if exists {
		close(conn.Send)
		delete(h.connections, id)
	}
	remaining := len(h.connections)
	h.mu.Unlock()

	if exists {
		h.setGauge()
		h.logger.Info("subscriber disconnected",
			zap.String("conn_id", id), zap.Int("remaining", remaining))
	}
}

// cleanupLoop drops connections that have not ponged within the timeout.
func (h *Hub) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			var stale []string
			for id, conn := range h.connections {
				if time.Since(conn.LastPing) > h.cfg.ConnectionTimeout {
					stale = append(stale, id)
				}
			}
			h.mu.Unlock()
			for _, id := range stale {
				h.logger.Info("dropping stale subscriber", zap.String("conn_id", id))
				h.removeConnection(id)
			}
		}
	}
}

func (h *Hub) setGauge() {
	if h.metrics != nil {
		h.metrics.WSConnections.Set(float64(h.ConnectionCount()))
	}
}
