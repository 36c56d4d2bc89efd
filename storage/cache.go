package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

type backend interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// Cache wraps a Storage instance with Redis-backed caching for the
// notification read paths. Writes go straight through and evict.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

type cachedList struct {
	Limit         int                   `json:"limit"`
	Notifications []domain.Notification `json:"notifications"`
}

func (c *Cache) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if entry, ok := c.loadListFromCache(ctx, userID); ok {
		if limit <= 0 && entry.Limit <= 0 {
			return entry.Notifications, nil
		}
		if limit > 0 && (entry.Limit <= 0 || entry.Limit >= limit) {
			if len(entry.Notifications) > limit {
				return entry.Notifications[:limit], nil
			}
			return entry.Notifications, nil
		}
	}

	notifications, err := c.base.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	c.storeList(ctx, userID, cachedList{Limit: limit, Notifications: notifications})
	return notifications, nil
}

func (c *Cache) UnreadCount(ctx context.Context, userID string) (int, error) {
	if count, ok := c.loadCountFromCache(ctx, userID); ok {
		return count, nil
	}

	count, err := c.base.UnreadCount(ctx, userID)
	if err != nil {
		return 0, err
	}

	c.storeCount(ctx, userID, count)
	return count, nil
}

func (c *Cache) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	stored, err := c.base.InsertNotification(ctx, n)
	if err != nil {
		return domain.Notification{}, err
	}
	c.evict(ctx, stored.RecipientID)
	return stored, nil
}

func (c *Cache) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := c.base.MarkRead(ctx, userID, notificationID); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) MarkAllRead(ctx context.Context, userID string) (int, error) {
	marked, err := c.base.MarkAllRead(ctx, userID)
	if err != nil {
		return marked, err
	}
	c.evict(ctx, userID)
	return marked, nil
}

func (c *Cache) loadListFromCache(ctx context.Context, userID string) (cachedList, bool) {
	if c.redis == nil {
		return cachedList{}, false
	}
	data, err := c.redis.Get(ctx, listCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, listCacheKey(userID)).Err()
		}
		return cachedList{}, false
	}
	var entry cachedList
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = c.redis.Del(ctx, listCacheKey(userID)).Err()
		return cachedList{}, false
	}
	return entry, true
}

func (c *Cache) loadCountFromCache(ctx context.Context, userID string) (int, bool) {
	if c.redis == nil {
		return 0, false
	}
	count, err := c.redis.Get(ctx, countCacheKey(userID)).Int()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, countCacheKey(userID)).Err()
		}
		return 0, false
	}
	return count, true
}

func (c *Cache) storeList(ctx context.Context, userID string, entry cachedList) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, listCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) storeCount(ctx context.Context, userID string, count int) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	_ = c.redis.Set(ctx, countCacheKey(userID), count, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, listCacheKey(userID), countCacheKey(userID)).Result()
}

func listCacheKey(userID string) string {
	return "notifications:" + userID
}

func countCacheKey(userID string) string {
	return "unread:" + userID
}
