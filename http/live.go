package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveMessageType tags messages sent to live clients.
type LiveMessageType string

const (
	LivePrediction  LiveMessageType = "prediction"
	LiveError       LiveMessageType = "error"
	LiveModelStatus LiveMessageType = "model_status"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// LiveMessage is the envelope of every server-to-client message. ID echoes the request id.
type LiveMessage struct {
	Type      LiveMessageType `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type liveClient struct {
	conn     *websocket.Conn
	send     chan []byte
	quit     chan struct{}
	once     sync.Once
	clientID string
}

func (c *liveClient) close() {
	c.once.Do(func() { close(c.quit) })
}

// LiveHub serves single-sample predictions over websocket: each text frame from a client is
// a prediction request and gets exactly one reply. Model status changes are broadcast.
type LiveHub struct {
	api        *API
	clients    map[*liveClient]bool
	count      atomic.Int64
	broadcast  chan []byte
	register   chan *liveClient
	unregister chan *liveClient
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewLiveHub(api *API, allowedOrigins []string) *LiveHub {
	ctx, cancel := context.WithCancel(context.Background())

	return &LiveHub{
		api:        api,
		clients:    make(map[*liveClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *liveClient),
		unregister: make(chan *liveClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(allowedOrigins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Run owns the client set until Stop is called.
func (h *LiveHub) Run() {
	defer close(h.done)
	logger := h.api.logger()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Add(1)
			logger.Debug("live client connected", zap.String("client_id", client.clientID), zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.count.Add(-1)
				client.close()
			}
			logger.Debug("live client disconnected", zap.String("client_id", client.clientID), zap.Int("total", len(h.clients)))

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					delete(h.clients, client)
					h.count.Add(-1)
					client.close()
				}
			}

		case <-h.ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.count.Store(0)
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *LiveHub) Stop() {
	h.cancel()
}

// ClientCount reports connected clients.
func (h *LiveHub) ClientCount() int {
	return int(h.count.Load())
}

// BroadcastModelStatus tells every client whether a model is loaded. It matches the
// predictor load hook signature.
func (h *LiveHub) BroadcastModelStatus(err error) {
	status := map[string]interface{}{"loaded": h.api.Predictor.IsModelLoaded()}
	if err != nil {
		status["error"] = err.Error()
	}
	message, mErr := newLiveMessage(LiveModelStatus, "", status)
	if mErr != nil {
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.api.logger().Warn("live broadcast queue is full, dropping model status")
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *LiveHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.api.logger().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &liveClient{
		conn:     conn,
		send:     make(chan []byte, 16),
		quit:     make(chan struct{}),
		clientID: uuid.NewString(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *liveClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *liveClient) readPump(h *LiveHub) {
	logger := h.api.logger()
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("live client read failed", zap.String("client_id", c.clientID), zap.Error(err))
			}
			return
		}

		reply := h.handleMessage(data)
		select {
		case c.send <- reply:
		case <-c.quit:
			return
		}
	}
}

func (h *LiveHub) handleMessage(data []byte) []byte {
	var req predictRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return h.errorMessage("", statusFor(err), err)
	}

	result, err := h.api.predictOne(req)
	if err != nil {
		return h.errorMessage(req.ID, statusFor(err), err)
	}

	message, err := newLiveMessage(LivePrediction, req.ID, result)
	if err != nil {
		return h.errorMessage(req.ID, http.StatusInternalServerError, err)
	}
	return message
}

func (h *LiveHub) errorMessage(id string, status int, err error) []byte {
	message, mErr := newLiveMessage(LiveError, id, map[string]interface{}{
		"error":  err.Error(),
		"status": status,
	})
	if mErr != nil {
		return []byte(`{"type":"error","data":{"error":"internal error","status":500}}`)
	}
	return message
}

func newLiveMessage(kind LiveMessageType, id string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(LiveMessage{Type: kind, ID: id, Timestamp: time.Now(), Data: data})
}
