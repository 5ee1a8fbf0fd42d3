package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the list the email worker consumes.
const DefaultQueueKey = "sentinel:alerts"

// Pusher is the subset of the Redis client the queue transport needs.
type Pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisQueueDispatcher hands alerts to the email worker by pushing JSON onto
// a Redis list. The worker owns delivery and its own retries.
type RedisQueueDispatcher struct {
	client Pusher
	key    string
}

// NewRedisQueueDispatcher creates a queue transport pushing to key.
func NewRedisQueueDispatcher(client Pusher, key string) *RedisQueueDispatcher {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueueDispatcher{client: client, key: key}
}

// OpenRedis parses a redis:// URL and returns a client.
func OpenRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (d *RedisQueueDispatcher) Name() string { return "redis" }

func (d *RedisQueueDispatcher) SendAlert(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := d.client.LPush(ctx, d.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue alert: %w", err)
	}
	return nil
}
