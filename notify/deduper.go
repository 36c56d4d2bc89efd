package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper prevents a (event, recipient) pair from being dispatched twice.
type Deduper interface {
	// Add records the pair and returns true if it was newly added.
	Add(ctx context.Context, eventID, recipientID string) (bool, error)
	// Remove deletes a previously added pair, used when the insert fails.
	Remove(ctx context.Context, eventID, recipientID string) error
}

// RedisDeduper stores dispatched (event, recipient) pairs in Redis so all
// instances skip duplicates.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(eventID, recipientID string) string {
	return "dispatch:" + eventID + ":" + recipientID
}

// Add records the pair if it does not already exist. It returns true when
// the pair was newly added.
func (r *RedisDeduper) Add(ctx context.Context, eventID, recipientID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(eventID, recipientID), 1, r.ttl).Result()
}

// Remove deletes a previously recorded pair so a later retry of the same
// event can insert the row.
func (r *RedisDeduper) Remove(ctx context.Context, eventID, recipientID string) error {
	return r.client.Del(ctx, r.key(eventID, recipientID)).Err()
}
