package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces channels on a shared Redis.
const DefaultRedisPrefix = "numberduel:"

// RedisPublisher publishes envelopes with Redis PUBLISH so that every server
// instance can forward them to its own websocket clients.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher returns a publisher on client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Publish implements Notifier.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, ev Event) error {
	data, err := json.Marshal(Envelope{Channel: channel, Event: ev.Name, Data: ev.Data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Name, err)
	}
	if err := p.client.Publish(ctx, p.prefix+channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// RedisRelay subscribes to every prefixed channel and republishes incoming
// envelopes on a local Notifier.
type RedisRelay struct {
	client *redis.Client
	prefix string
	local  Notifier
}

// NewRedisRelay returns a relay forwarding to local.
func NewRedisRelay(client *redis.Client, prefix string, local Notifier) *RedisRelay {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRelay{client: client, prefix: prefix, local: local}
}

// Run blocks until ctx is cancelled or the subscription fails to start.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	slog.Info("relaying Redis events", "tag", "notify", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, msg *redis.Message) {
	var env struct {
		Channel string          `json:"channel"`
		Event   string          `json:"event"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		slog.Error("invalid event payload", "tag", "notify", "channel", msg.Channel, "err", err)
		return
	}
	if env.Channel == "" {
		env.Channel = strings.TrimPrefix(msg.Channel, r.prefix)
	}
	if err := r.local.Publish(ctx, env.Channel, Event{Name: env.Event, Data: env.Data}); err != nil {
		slog.Error("relay delivery failed", "tag", "notify", "channel", env.Channel, "err", err)
	}
}
