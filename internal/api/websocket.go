package api

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// getWebSocketUpgrader returns an upgrader with origin validation
// based on MANGAFIXER_CORS_ORIGIN environment variable
func getWebSocketUpgrader() websocket.Upgrader {
	corsOrigins := os.Getenv("MANGAFIXER_CORS_ORIGIN")
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
				return strings.Contains(origin, r.Host)
			}
			return allowedOrigins[origin]
		},
	}
}

var upgrader = getWebSocketUpgrader()

// WebSocketHub streams pass events and log lines to every connected client as
// {"type": "event"|"log", "data": ...} messages.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan interface{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	logCh      chan logger.LogEntry
	stopChan   chan struct{}
	stopOnce   sync.Once
}

func NewWebSocketHub(eventBus eventbus.Publisher) *WebSocketHub {
	h := &WebSocketHub{
		broadcast:  make(chan interface{}, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		stopChan:   make(chan struct{}),
	}

	if eventBus != nil {
		for _, t := range domain.AllEventTypes {
			eventBus.Subscribe(t, func(e domain.Event) {
				h.send(map[string]interface{}{
					"type": "event",
					"data": e,
				})
			})
		}
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

// send queues message for broadcast, dropping it when the hub is stopped or
// clients are not keeping up.
func (h *WebSocketHub) send(message interface{}) {
	select {
	case h.broadcast <- message:
	case <-h.stopChan:
	default:
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stopChan:
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
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
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

func (h *WebSocketHub) doRegister(ws *websocket.Conn) bool {
	select {
	case h.register <- ws:
		return true
	case <-h.stopChan:
		return false
	}
}

func (h *WebSocketHub) doUnregister(ws *websocket.Conn) {
	select {
	case h.unregister <- ws:
	case <-h.stopChan:
	}
}

func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	if !h.doRegister(ws) {
		_ = ws.Close()
		return
	}

	// Send initial ping to verify connection (safe before ping goroutine starts)
	h.mu.Lock()
	if err := ws.WriteJSON(gin.H{"type": "ping", "timestamp": time.Now()}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

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
			// written under the hub lock so pings never interleave with broadcasts
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.mu.Unlock()
			if err != nil {
				logger.Debugf("WebSocket ping error: %v", err)
				h.doUnregister(ws)
				return
			}
		}
	}()

	defer h.doUnregister(ws)

	// Clients only send control frames; reading keeps the pong handler running.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub.
func (h *WebSocketHub) Close() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		logger.Unsubscribe(h.logCh)
	})
}
