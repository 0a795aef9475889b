package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sadewadee/katexd/internal/protocol"
)

const writeWait = 10 * time.Second

// Responder answers one request payload. *handler.Handler satisfies it.
type Responder interface {
	Handle(ctx context.Context, payload string) protocol.Response
}

// ConnObserver is told when websocket connections open and close.
type ConnObserver interface {
	ConnOpened(transport string)
	ConnClosed(transport string)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID         string
	Conn       *websocket.Conn
	RemoteAddr string
	mu         sync.Mutex
}

// Send sends a message to this WebSocket client.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Manager tracks websocket connections and answers their render requests.
type Manager struct {
	clients   map[string]*Client
	mu        sync.RWMutex
	logger    *slog.Logger
	responder Responder
	observer  ConnObserver
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a new WebSocket connection manager.
func NewManager(responder Responder, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		clients:   make(map[string]*Client),
		logger:    logger,
		responder: responder,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetObserver registers o to receive connection open and close events.
func (m *Manager) SetObserver(o ConnObserver) {
	m.observer = o
}

// AddConnection registers a new WebSocket connection.
func (m *Manager) AddConnection(conn *websocket.Conn, r *http.Request) *Client {
	client := &Client{
		ID:         uuid.NewString(),
		Conn:       conn,
		RemoteAddr: r.RemoteAddr,
	}

	m.mu.Lock()
	m.clients[client.ID] = client
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.ConnOpened("websocket")
	}
	return client
}

// RemoveConnection unregisters a WebSocket connection.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	_, exists := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()

	if exists && m.observer != nil {
		m.observer.ConnClosed("websocket")
	}
}

// HandleMessage treats message as one request payload and sends the
// response back as one text message.
func (m *Manager) HandleMessage(client *Client, message []byte) error {
	resp := m.responder.Handle(m.ctx, string(message))
	data, err := resp.Marshal()
	if err != nil {
		m.logger.Error("encoding response", "conn_id", client.ID, "error", err)
		return err
	}
	return client.Send(data)
}

// CloseAll sends a going-away close frame to every client, closes the
// connections, and cancels renders still running for them.
func (m *Manager) CloseAll() {
	m.cancel()

	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		c.mu.Lock()
		c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.mu.Unlock()
		c.Conn.Close()
	}
}

// Stats returns current WebSocket statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.clients),
	}
}

// ManagerStats holds WebSocket manager metrics.
type ManagerStats struct {
	TotalConnections int `json:"total_connections"`
}
