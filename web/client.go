package web

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/jnesss/procwatch/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn, remote string) *client {
	return &client{
		hub:    hub,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, 64),
	}
}

// writePump owns every write to conn. It exits when the hub closes send.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump forwards method calls to the hub until the connection fails.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
		c.hub.logger.Debug("websocket client disconnected", "remote", c.remote)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg types.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "remote", c.remote, "error", err)
			}
			return
		}
		if msg.Channel != "" && msg.Channel != types.Channel {
			c.hub.logger.Debug("ignoring message for another channel", "channel", msg.Channel)
			continue
		}
		if !c.hub.submit(c, msg) {
			return
		}
	}
}
