package websocket

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler handles WebSocket upgrade requests and runs one read loop per
// connection. Messages on a connection are answered strictly in order.
type Handler struct {
	manager        *Manager
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

// NewHandler creates a new WebSocket handler. Messages larger than
// maxMessageSize bytes close the connection; 0 means no limit.
func NewHandler(manager *Manager, maxMessageSize int64, logger *slog.Logger) *Handler {
	return &Handler{
		manager:        manager,
		logger:         logger,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // TODO: configurable origin check
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	if h.maxMessageSize > 0 {
		conn.SetReadLimit(h.maxMessageSize)
	}

	client := h.manager.AddConnection(conn, r)
	h.logger.Debug("websocket connected", "conn_id", client.ID, "remote_addr", client.RemoteAddr)

	go h.readPump(client)
}

func (h *Handler) readPump(client *Client) {
	defer func() {
		h.manager.RemoveConnection(client.ID)
		client.Conn.Close()
		h.logger.Debug("websocket disconnected", "conn_id", client.ID)
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "conn_id", client.ID, "error", err)
			}
			return
		}

		if err := h.manager.HandleMessage(client, message); err != nil {
			h.logger.Debug("websocket write failed", "conn_id", client.ID, "error", err)
			return
		}
	}
}
