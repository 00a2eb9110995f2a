package push

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltrade/relayer/internal/log"
)

const (
	clientSendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Client is one follower WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	pubkey     string
	sealSecret string

	send chan []byte

	log log.Logger
}

// trySend queues a frame without blocking; slow consumers lose frames rather
// than stalling the hub.
func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Debugw("", "push", "client send buffer full", "pubkey", c.pubkey)
	}
}

// readPump discards inbound frames and detects the close.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
