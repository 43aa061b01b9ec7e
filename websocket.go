package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Outbound frames buffered per connection before new ones are dropped.
	sendBuffer = 256
)

// Client adapts a websocket connection to session.Conn.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn, send: make(chan []byte, sendBuffer)}
}

// Send queues data for the write pump. It never blocks; a full buffer or a
// closed client drops the frame.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the websocket connection to the manager.
func (c *Client) readPump(ctx context.Context, mgr *session.Manager, connID string, logger zerolog.Logger) {
	defer func() {
		mgr.HandleDisconnect(connID)
		c.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug().Err(err).Str("conn_id", connID).Msg("websocket closed unexpectedly")
			}
			return
		}
		mgr.HandleMessage(ctx, connID, message)
	}
}

// writePump pumps messages from the send buffer to the websocket connection.
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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

type wsHandler struct {
	ctx      context.Context
	mgr      *session.Manager
	verifier *Verifier
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func newWSHandler(ctx context.Context, mgr *session.Manager, verifier *Verifier, allowedOrigin string, logger zerolog.Logger) *wsHandler {
	return &wsHandler{
		ctx:      ctx,
		mgr:      mgr,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP upgrades the request and binds the token's identity to the new
// connection.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected websocket connection")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"))
		conn.Close()
		return
	}

	client := newClient(conn)
	connID := h.mgr.Register(client)
	go client.writePump()

	if err := h.mgr.Authenticate(connID, claims.UserID, claims.Name); err != nil {
		h.logger.Error().Err(err).Str("conn_id", connID).Msg("failed to authenticate connection")
		h.mgr.HandleDisconnect(connID)
		client.Close()
		return
	}
	h.logger.Info().Str("conn_id", connID).Str("identity", claims.UserID).Msg("player connected")

	go client.readPump(h.ctx, h.mgr, connID, h.logger)
}
