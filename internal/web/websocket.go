// internal/web/websocket.go
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/audit"
	"cpetscm/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	MessageRunCompleted = "run_completed"

	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
	pongWait   = 60 * time.Second
)

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// RunSummary is the websocket payload for a finished run. The full report
// is available from the compliance endpoint.
type RunSummary struct {
	RunID           string        `json:"run_id"`
	DeviceID        string        `json:"device_id"`
	BusinessService string        `json:"business_service"`
	IsCompliant     bool          `json:"is_compliant"`
	Snapshots       int           `json:"snapshots"`
	Failed          int           `json:"failed_snapshots"`
	Duration        time.Duration `json:"duration"`
	StartedAt       time.Time     `json:"started_at"`
}

type WSClient struct {
	conn *websocket.Conn
	send chan WSMessage
	hub  *hub
}

type hub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	metrics *metrics.Collector
}

func newHub(m *metrics.Collector) *hub {
	return &hub{
		clients: make(map[*WSClient]struct{}),
		metrics: m,
	}
}

func (h *hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.RecordWebSocketConnection(1)
}

// remove is safe to call twice; the send channel is closed once.
func (h *hub) remove(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.RecordWebSocketConnection(-1)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast drops the message for clients whose buffer is full.
func (h *hub) broadcast(msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			logrus.Warn("Websocket client too slow, dropping message")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  s.hub,
	}
	s.hub.add(client)

	go client.writePump()
	go client.readPump()
}

func (s *Server) broadcastRun(report *audit.RunReport) {
	s.hub.broadcast(WSMessage{
		Type: MessageRunCompleted,
		Data: RunSummary{
			RunID:           report.RunID,
			DeviceID:        report.DeviceID,
			BusinessService: report.BusinessService,
			IsCompliant:     report.IsCompliant,
			Snapshots:       report.Snapshots,
			Failed:          len(report.SnapshotErrors),
			Duration:        report.Duration,
			StartedAt:       report.StartedAt,
		},
	})
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.remove(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.remove(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).Error("Websocket error")
			}
			break
		}
	}
}
