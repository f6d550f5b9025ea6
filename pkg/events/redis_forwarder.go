package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisForwarder publishes events on a Redis channel for other API instances.
type RedisForwarder struct {
	client  *redis.Client
	channel string
}

// NewRedisForwarder constructs a forwarder.
func NewRedisForwarder(client *redis.Client, channel string) *RedisForwarder {
	return &RedisForwarder{client: client, channel: channel}
}

// Forward publishes e as JSON.
func (f *RedisForwarder) Forward(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", f.channel, err)
	}
	return nil
}
