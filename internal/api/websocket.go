package api

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/eventbus"
	"github.com/mescon/Requestarr/internal/logger"
)

// broadcastBuffer bounds the hub queue. Publishers never block on slow
// clients; messages beyond the buffer are dropped.
const broadcastBuffer = 256

// getWebSocketUpgrader returns an upgrader with origin validation
// based on the CORS_ORIGIN environment variable
func getWebSocketUpgrader() websocket.Upgrader {
	corsOrigins := os.Getenv(config.EnvPrefix + "CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigins == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			if corsOrigins == "" {
				// No origin header = same-origin request
				if origin == "" {
					return true
				}
				return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
			}
			return allowedOrigins[origin]
		},
	}
}

var upgrader = getWebSocketUpgrader()

// hubEvents are forwarded to clients besides the lifecycle events.
var hubEvents = []domain.EventType{
	domain.SyncCompleted,
	domain.NotificationFailed,
}

type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan interface{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.Mutex
	logCh      chan logger.LogEntry
	dropped    atomic.Int64
}

func NewWebSocketHub(eventBus eventbus.Publisher) *WebSocketHub {
	h := &WebSocketHub{
		broadcast:  make(chan interface{}, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}

	forward := func(e domain.Event) {
		h.send(map[string]interface{}{
			"type": "event",
			"data": e,
		})
	}
	eventbus.SubscribeLifecycle(eventBus, forward)
	for _, et := range hubEvents {
		eventBus.Subscribe(et, forward)
	}

	h.logCh = logger.Subscribe()
	go func() {
		for entry := range h.logCh {
			h.send(map[string]interface{}{
				"type": "log",
				"data": entry,
			})
		}
	}()

	go h.run()
	return h
}

// send queues a message without blocking.
func (h *WebSocketHub) send(msg interface{}) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if err := client.Close(); err != nil {
					logger.Debugf("WebSocket close error: %v", err)
				}
				logger.Debugf("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					logger.Debugf("WebSocket write error: %v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the hub. Safe to call twice.
func (h *WebSocketHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		logger.Unsubscribe(h.logCh)
	})
}

func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	select {
	case h.register <- ws:
	case <-h.done:
		_ = ws.Close()
		return
	}

	h.mu.Lock()
	if err := ws.WriteJSON(gin.H{"type": "ping", "timestamp": time.Now()}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			h.mu.Lock()
			if _, exists := h.clients[ws]; !exists {
				h.mu.Unlock()
				return
			}
			// Writes share the mutex with broadcast.
			err := ws.WriteMessage(websocket.PingMessage, nil)
			h.mu.Unlock()
			if err != nil {
				logger.Debugf("WebSocket ping error: %v", err)
				h.drop(ws)
				return
			}
		}
	}()

	defer h.drop(ws)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WebSocketHub) drop(ws *websocket.Conn) {
	select {
	case h.unregister <- ws:
	case <-h.done:
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded because the queue was full.
func (h *WebSocketHub) Dropped() int64 {
	return h.dropped.Load()
}
