package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message after connecting
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from other origins on the bench network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what a client may send: the auth handshake and,
// afterwards, anything else is only logged.
type clientMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	id         uuid.UUID
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	logger     *zap.Logger
	registered bool
}

// readPump handles reading messages from the WebSocket connection. It owns
// c.send until the client is registered; after that the hub closes it.
func (c *Client) readPump() {
	defer func() {
		if c.registered {
			c.hub.remove(c)
		} else {
			close(c.send)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if c.hub.requiresAuth() {
		if !c.authenticate() {
			return
		}
	} else if !c.join() {
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", c.id.String()))
			}
			return
		}

		c.logger.Debug("Received client message",
			zap.String("client_id", c.id.String()),
			zap.String("type", string(msg.Type)))
	}
}

// authenticate expects the first message to carry a token.
func (c *Client) authenticate() bool {
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	var msg clientMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.sendControl(MessageTypeAuthFailed, authData{Reason: "First message must be authentication"})
		return false
	}
	if msg.Type != MessageTypeAuth {
		c.sendControl(MessageTypeAuthFailed, authData{Reason: "First message must be authentication"})
		return false
	}
	if msg.Token == "" {
		c.sendControl(MessageTypeAuthFailed, authData{Reason: "Missing token in auth message"})
		return false
	}

	permissions, _, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		c.sendControl(MessageTypeAuthFailed, authData{Reason: "Invalid or expired token"})
		return false
	}

	names := make([]string, len(permissions))
	for i, p := range permissions {
		names[i] = string(p)
	}
	c.sendControl(MessageTypeAuthSuccess, authData{Permissions: names})

	return c.join()
}

func (c *Client) join() bool {
	c.registered = c.hub.add(c)
	return c.registered
}

func (c *Client) sendControl(msgType MessageType, data authData) {
	payload, err := json.Marshal(NewMessage(msgType, data))
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
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
				// Hub or handshake closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:     uuid.New(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.writePump()
	go client.readPump()
}
