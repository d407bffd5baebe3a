package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over redis pub/sub. Each event is published on
// prefix+key; subscribers pattern-match prefix+* so one subscription covers
// every user channel and the broadcast channel.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, prefix string, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "bus"),
	}, nil
}

// Publish sends the event on the channel for its key.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+ev.Key, data).Err(); err != nil {
		return fmt.Errorf("publish bus event: %w", err)
	}
	return nil
}

// Subscribe pattern-subscribes to all event channels and pumps messages to
// the handler until ctx is canceled.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	sub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = sub.Close() }()

	// Force the subscription onto the wire before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("dropping malformed bus event", "channel", msg.Channel, "error", err)
				continue
			}
			h(ev)
		}
	}
}

// Close releases the redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
