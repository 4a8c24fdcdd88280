package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"number-duel-server/config"
	"number-duel-server/matcherrors"
	"number-duel-server/notify"
)

// ErrClosed is returned by Publish once the hub has stopped.
var ErrClosed = errors.New("ws: hub closed")

type subscription struct {
	client  *Client
	channel string
	add     bool
}

type delivery struct {
	channel string
	data    []byte
}

// Hub maintains the set of connected clients and the channels they listen
// to. It implements notify.Notifier.
type Hub struct {
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	broadcast   chan delivery
	done        chan struct{}
	connected   atomic.Int64
	upgrader    websocket.Upgrader
	maxIDLength int
}

// NewHub creates a new Hub. Origins are checked against cfg.AllowedOrigins.
func NewHub(cfg *config.Config) *Hub {
	h := &Hub{
		clients:     make(map[*Client]bool),
		channels:    make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		broadcast:   make(chan delivery, 256),
		done:        make(chan struct{}),
		maxIDLength: cfg.MaxPlayerIDLength,
	}
	origins := cfg.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
	return h
}

// Run starts the hub's main loop. Should be run as a goroutine.
// When ctx is cancelled, every client is disconnected and Publish fails.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, stopping", "tag", "ws")
			for c := range h.clients {
				h.remove(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.connected.Store(int64(len(h.clients)))
			h.join(c, notify.PlayerChannel(c.playerID))
			slog.Debug("client connected", "tag", "ws", "player", c.playerID, "clients", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c)
				slog.Debug("client disconnected", "tag", "ws", "player", c.playerID, "clients", len(h.clients))
			}

		case s := <-h.subscribe:
			if !h.clients[s.client] {
				continue
			}
			if s.add {
				h.join(s.client, s.channel)
				continue
			}
			h.leave(s.client, s.channel)
			s.client.send(AckMsg{Type: "unsubscribed", Channel: s.channel})

		case d := <-h.broadcast:
			for c := range h.channels[d.channel] {
				// Slow clients miss events; they recover by polling the match.
				if !safeSend(c.out, d.data) {
					slog.Warn("dropped event for slow client", "tag", "ws", "player", c.playerID, "channel", d.channel)
				}
			}
		}
	}
}

func (h *Hub) join(c *Client, channel string) {
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[*Client]bool)
		h.channels[channel] = subs
	}
	subs[c] = true
	c.subscribed[channel] = true
	c.send(AckMsg{Type: "subscribed", Channel: channel})
}

func (h *Hub) leave(c *Client, channel string) {
	delete(c.subscribed, channel)
	if subs := h.channels[channel]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) remove(c *Client) {
	for channel := range c.subscribed {
		h.leave(c, channel)
	}
	delete(h.clients, c)
	h.connected.Store(int64(len(h.clients)))
	close(c.out)
}

// Publish implements notify.Notifier.
func (h *Hub) Publish(ctx context.Context, channel string, ev notify.Event) error {
	data, err := json.Marshal(EventMsg{Type: "event", Channel: channel, Event: ev.Name, Data: ev.Data})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- delivery{channel: channel, data: data}:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected returns the number of connected clients.
func (h *Hub) Connected() int {
	return int(h.connected.Load())
}

// ServeWS handles WebSocket upgrade requests for /ws?playerId=<id>. The new
// client listens on its player channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	playerID, err := matcherrors.PlayerID(r.URL.Query().Get("playerId"), h.maxIDLength)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": matcherrors.Message(err)})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade error", "tag", "ws", "err", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		out:        make(chan []byte, 256),
		playerID:   playerID,
		subscribed: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
