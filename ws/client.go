package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"number-duel-server/notify"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	out      chan []byte
	playerID string

	// subscribed is owned by the hub goroutine.
	subscribed map[string]bool
}

// ReadPump pumps messages from the websocket connection to the hub.
// It runs in its own goroutine per connection.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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
				slog.Warn("websocket read error", "tag", "ws", "player", c.playerID, "err", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump pumps messages from the send channel to the websocket connection.
// It runs in its own goroutine per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
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

func (c *Client) handleMessage(data []byte) {
	var msg InboundMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("Invalid message format.")
		return
	}

	switch msg.Type {
	case "subscribe", "unsubscribe":
		if !c.mayListen(msg.Channel) {
			c.sendError("Cannot subscribe to channel: " + msg.Channel)
			return
		}
		select {
		case c.hub.subscribe <- subscription{client: c, channel: msg.Channel, add: msg.Type == "subscribe"}:
		case <-c.hub.done:
		}
	default:
		c.sendError("Unknown message type: " + msg.Type)
	}
}

// mayListen allows any match channel and the client's own player channel.
func (c *Client) mayListen(channel string) bool {
	if id, ok := strings.CutPrefix(channel, "match-"); ok {
		return id != ""
	}
	return channel == notify.PlayerChannel(c.playerID)
}

func (c *Client) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	safeSend(c.out, data)
}

func (c *Client) sendError(message string) {
	c.send(ErrorMsg{Type: "error", Message: message})
}

// safeSend sends data to a channel without panicking if the channel is closed.
// If the channel is full or closed, the send is skipped and false returned.
func safeSend(ch chan []byte, data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("send on closed client channel", "tag", "ws", "panic", r)
			sent = false
		}
	}()
	select {
	case ch <- data:
		return true
	default:
		return false
	}
}
