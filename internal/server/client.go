package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	maxPingInterval = (pongWait * 9) / 10
	maxMessageSize  = 1024
)

// Client streams one subscription over a websocket connection. The feed is
// read only: anything the peer sends besides control frames is discarded.
type Client struct {
	conn         *websocket.Conn
	log          *logrus.Entry
	sub          *Subscription
	backlog      []types.Message
	pingInterval time.Duration
}

// NewClient pings the peer every pingInterval, capped so that a pong always
// arrives before the read deadline. The interval has to stay below the
// broker's idle timeout for a quiet connection to be kept.
func NewClient(conn *websocket.Conn, sub *Subscription, backlog []types.Message, pingInterval time.Duration, l *logrus.Logger) *Client {
	if pingInterval <= 0 || pingInterval > maxPingInterval {
		pingInterval = maxPingInterval
	}
	return &Client{
		conn:         conn,
		sub:          sub,
		backlog:      backlog,
		pingInterval: pingInterval,
		log: l.WithFields(logrus.Fields{
			"room_id":         sub.RoomId(),
			"subscription_id": sub.Id(),
		}),
	}
}

// Serve runs the read and write pumps and returns once the connection is
// finished with.
func (c *Client) Serve() {
	go c.Read()
	c.Write()
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for _, msg := range c.backlog {
		if !c.sendJson(msg) {
			return
		}
	}
	c.backlog = nil

	for {
		select {
		case msg, ok := <-c.sub.Messages():
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, closeMessage(c.sub.Reason()), time.Now().Add(writeWait))
				return
			}
			if !c.sendJson(msg) {
				return
			}
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.sub.Close()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.sub.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Errorf("ws: read: %v", err)
			}
			return
		}
		c.sub.Touch()
	}
}

func (c *Client) sendJson(msg types.Message) bool {
	bytes, err := encodeMessage(msg)
	if err != nil {
		c.log.Errorf("failed to serialize message: %v", err)
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Errorf("write message: %s", err)
		}
		return false
	}

	c.sub.Touch()
	return true
}
