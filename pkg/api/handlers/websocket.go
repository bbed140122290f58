package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partnerflow/partnerflow/pkg/logger"
)

const (
	wsDefaultMaxConnections = 100
	wsDefaultPingInterval   = 30 * time.Second
	wsDefaultPongTimeout    = 10 * time.Second
	wsWriteTimeout          = 10 * time.Second
	wsSendBuffer            = 32
	wsMaxMessageBytes       = 1 << 20
)

// WebSocketConfig configures the saga event stream endpoint.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// EventMessage is the frame sent to websocket clients.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Clients steer their stream with subscribe/unsubscribe control frames. A
// connection with no subscriptions receives every saga's events.
type controlFrame struct {
	Type    string         `json:"type"`
	SagaID  string         `json:"saga_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (f controlFrame) sagaID() string {
	if id := strings.TrimSpace(f.SagaID); id != "" {
		return id
	}
	if f.Payload != nil {
		if value, ok := f.Payload["saga_id"].(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter sagaFilter

	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// means the client cannot keep up; the caller evicts it.
func (c *wsClient) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// sagaFilter is the per-client subscription set. Empty means unfiltered.
type sagaFilter struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func (f *sagaFilter) add(sagaID string) {
	if sagaID == "" {
		return
	}
	f.mu.Lock()
	if f.ids == nil {
		f.ids = make(map[string]struct{})
	}
	f.ids[sagaID] = struct{}{}
	f.mu.Unlock()
}

func (f *sagaFilter) remove(sagaID string) {
	f.mu.Lock()
	delete(f.ids, sagaID)
	f.mu.Unlock()
}

func (f *sagaFilter) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

func (f *sagaFilter) matches(sagaID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.ids) == 0 {
		return true
	}
	if sagaID == "" {
		return false
	}
	_, ok := f.ids[sagaID]
	return ok
}

// ConnectionManager tracks live websocket clients and fans frames out to
// them.
type ConnectionManager struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	limit   int
}

// NewConnectionManager creates a manager capped at maxConnections.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = wsDefaultMaxConnections
	}
	return &ConnectionManager{
		clients: make(map[*wsClient]struct{}),
		limit:   maxConnections,
	}
}

// Register adds a client, failing at the connection cap.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.limit {
		return errors.New("websocket connection limit reached")
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister removes and closes a client. Safe to call twice.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	_, registered := m.clients[client]
	delete(m.clients, client)
	m.mu.Unlock()
	if registered {
		client.close()
	}
}

// Count returns the number of live clients.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether one more connection fits under the cap.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.limit
}

// Broadcast delivers the event to every client whose filter matches its
// saga. Clients that cannot keep up are evicted rather than blocked on.
func (m *ConnectionManager) Broadcast(event EventMessage) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return err
	}
	sagaID := sagaIDFromPayload(event.Payload)

	m.mu.RLock()
	recipients := make([]*wsClient, 0, len(m.clients))
	for client := range m.clients {
		if client.filter.matches(sagaID) {
			recipients = append(recipients, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range recipients {
		if !client.enqueue(frame) {
			m.Unregister(client)
		}
	}
	return nil
}

// Close disconnects every client.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
}

// WebSocketHandler serves the /ws/sagas live state stream.
type WebSocketHandler struct {
	log          logger.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWebSocketHandler creates the stream handler.
func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = wsDefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = wsDefaultPongTimeout
	}

	origins := append([]string(nil), cfg.AllowedOrigins...)
	return &WebSocketHandler{
		log:          log,
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return wsOriginAllowed(r, origins)
			},
		},
	}
}

// ServeHTTP upgrades the connection and runs the client's read loop until it
// disconnects.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	if err := h.manager.Register(client); err != nil {
		// Lost the race for the last slot between CanAccept and here.
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections"),
			time.Now().Add(wsWriteTimeout),
		)
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *wsClient) {
	defer h.manager.Unregister(client)

	deadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(wsMaxMessageBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(deadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.warn("websocket read error", "error", err)
			}
			return
		}
		h.handleControlFrame(client, data)
	}
}

func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) handleControlFrame(client *wsClient, raw []byte) {
	var frame controlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	sagaID := frame.sagaID()
	switch strings.ToLower(strings.TrimSpace(frame.Type)) {
	case "subscribe":
		client.filter.add(sagaID)
		h.ack(client, "subscribed", sagaID)
	case "unsubscribe":
		client.filter.remove(sagaID)
		h.ack(client, "unsubscribed", sagaID)
	}
}

// ack confirms a control frame so clients can sequence their subscriptions.
func (h *WebSocketHandler) ack(client *wsClient, kind, sagaID string) {
	frame, err := json.Marshal(EventMessage{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"saga_id": sagaID},
	})
	if err != nil {
		return
	}
	client.enqueue(frame)
}

// Broadcast sends an event to every matching client.
func (h *WebSocketHandler) Broadcast(event EventMessage) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return h.manager.Broadcast(event)
}

// Close disconnects all clients.
func (h *WebSocketHandler) Close() {
	h.manager.Close()
}

func (h *WebSocketHandler) warn(msg string, args ...any) {
	if h.log != nil {
		h.log.Warn(msg, args...)
	}
}

func sagaIDFromPayload(payload any) string {
	switch value := payload.(type) {
	case map[string]any:
		if sagaID, ok := value["saga_id"].(string); ok {
			return sagaID
		}
	case map[string]string:
		return value["saga_id"]
	}
	return ""
}

func wsOriginAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(strings.TrimSpace(candidate), origin) {
			return true
		}
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
