package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 16 * 1024           // Maximum inbound frame size.
	sendBufferSize = 256
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("conn_id", id)),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues an event without blocking. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) Send(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("encode event", zap.String("event", string(ev.Kind)), zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.Close()
		return false
	}
}

// Close stops the write pump, which closes the socket and so ends the
// read pump.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// readPump pumps frames from the websocket connection to the hub. Frames of
// one connection are handled in order, one at a time.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Disconnect(context.Background(), c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.hub.HandleRaw(ctx, c, message)
	}
}

// writePump pumps events from the hub to the websocket connection.
func (c *Client) writePump() {
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
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
