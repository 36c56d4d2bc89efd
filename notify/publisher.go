package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

// RedisPublisher fans inserted rows out on per-recipient channels.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher over the given client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends the row on the recipient's channel.
func (p *RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Channel(n.RecipientID), payload).Err()
}
