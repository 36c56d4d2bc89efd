package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

type fakeBackend struct {
	mu    sync.Mutex
	rows  map[string][]domain.Notification
	lists int
	count int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string][]domain.Notification)}
}

func (f *fakeBackend) ListNotifications(_ context.Context, userID string, limit int) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	rows := append([]domain.Notification(nil), f.rows[userID]...)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeBackend) UnreadCount(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	n := 0
	for _, row := range f.rows[userID] {
		if !row.Read {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) InsertNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[n.RecipientID] = append([]domain.Notification{n}, f.rows[n.RecipientID]...)
	return n, nil
}

func (f *fakeBackend) MarkRead(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.rows[userID] {
		if row.ID == id {
			f.rows[userID][i].Read = true
		}
	}
	return nil
}

func (f *fakeBackend) MarkAllRead(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	marked := 0
	for i, row := range f.rows[userID] {
		if !row.Read {
			f.rows[userID][i].Read = true
			marked++
		}
	}
	return marked, nil
}

func newCacheForTest(t *testing.T, base backend) (*Cache, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewCache(base, client, time.Minute), client
}

func TestCacheListServedFromRedisOnSecondRead(t *testing.T) {
	base := newFakeBackend()
	base.rows["user"] = []domain.Notification{
		{ID: "n2", RecipientID: "user", CreatedAt: 2},
		{ID: "n1", RecipientID: "user", CreatedAt: 1},
	}
	cache, _ := newCacheForTest(t, base)
	ctx := context.Background()

	first, err := cache.ListNotifications(ctx, "user", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(first))
	}

	second, err := cache.ListNotifications(ctx, "user", 0)
	if err != nil {
		t.Fatalf("second list: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(second))
	}
	if base.lists != 1 {
		t.Fatalf("expected one backend list, got %d", base.lists)
	}
}

func TestCacheNarrowerLimitServedFromCachedList(t *testing.T) {
	base := newFakeBackend()
	base.rows["user"] = []domain.Notification{
		{ID: "n3", RecipientID: "user", CreatedAt: 3},
		{ID: "n2", RecipientID: "user", CreatedAt: 2},
		{ID: "n1", RecipientID: "user", CreatedAt: 1},
	}
	cache, _ := newCacheForTest(t, base)
	ctx := context.Background()

	if _, err := cache.ListNotifications(ctx, "user", 0); err != nil {
		t.Fatalf("list: %v", err)
	}
	narrowed, err := cache.ListNotifications(ctx, "user", 2)
	if err != nil {
		t.Fatalf("narrowed list: %v", err)
	}
	if len(narrowed) != 2 || narrowed[0].ID != "n3" {
		t.Fatalf("unexpected narrowed rows: %+v", narrowed)
	}
	if base.lists != 1 {
		t.Fatalf("expected one backend list, got %d", base.lists)
	}
}

func TestCacheWiderLimitRefetches(t *testing.T) {
	base := newFakeBackend()
	base.rows["user"] = []domain.Notification{
		{ID: "n2", RecipientID: "user", CreatedAt: 2},
		{ID: "n1", RecipientID: "user", CreatedAt: 1},
	}
	cache, _ := newCacheForTest(t, base)
	ctx := context.Background()

	if _, err := cache.ListNotifications(ctx, "user", 1); err != nil {
		t.Fatalf("list: %v", err)
	}
	wider, err := cache.ListNotifications(ctx, "user", 0)
	if err != nil {
		t.Fatalf("wider list: %v", err)
	}
	if len(wider) != 2 {
		t.Fatalf("expected refetched full list, got %+v", wider)
	}
	if base.lists != 2 {
		t.Fatalf("expected two backend lists, got %d", base.lists)
	}
}

func TestCacheInsertEvicts(t *testing.T) {
	base := newFakeBackend()
	cache, client := newCacheForTest(t, base)
	ctx := context.Background()

	if _, err := cache.ListNotifications(ctx, "user", 0); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := cache.InsertNotification(ctx, domain.Notification{ID: "n1", RecipientID: "user"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if exists := client.Exists(ctx, listCacheKey("user")).Val(); exists != 0 {
		t.Fatalf("expected list cache evicted")
	}

	rows, err := cache.ListNotifications(ctx, "user", 0)
	if err != nil {
		t.Fatalf("list after insert: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "n1" {
		t.Fatalf("unexpected rows after insert: %+v", rows)
	}
}

func TestCacheMarkAllReadIdempotent(t *testing.T) {
	base := newFakeBackend()
	base.rows["user"] = []domain.Notification{
		{ID: "n1", RecipientID: "user"},
		{ID: "n2", RecipientID: "user"},
		{ID: "n3", RecipientID: "user"},
	}
	cache, _ := newCacheForTest(t, base)
	ctx := context.Background()

	if count, err := cache.UnreadCount(ctx, "user"); err != nil || count != 3 {
		t.Fatalf("unread before: count=%d err=%v", count, err)
	}

	if _, err := cache.MarkAllRead(ctx, "user"); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if count, err := cache.UnreadCount(ctx, "user"); err != nil || count != 0 {
		t.Fatalf("unread after first: count=%d err=%v", count, err)
	}

	marked, err := cache.MarkAllRead(ctx, "user")
	if err != nil {
		t.Fatalf("second mark all read: %v", err)
	}
	if marked != 0 {
		t.Fatalf("expected second call to mark nothing, marked %d", marked)
	}
	if count, err := cache.UnreadCount(ctx, "user"); err != nil || count != 0 {
		t.Fatalf("unread after second: count=%d err=%v", count, err)
	}
}

func TestCacheMarkReadDecrementsUnread(t *testing.T) {
	base := newFakeBackend()
	base.rows["user"] = []domain.Notification{
		{ID: "n1", RecipientID: "user"},
		{ID: "n2", RecipientID: "user"},
		{ID: "n3", RecipientID: "user"},
	}
	cache, _ := newCacheForTest(t, base)
	ctx := context.Background()

	if count, _ := cache.UnreadCount(ctx, "user"); count != 3 {
		t.Fatalf("expected 3 unread, got %d", count)
	}
	if err := cache.MarkRead(ctx, "user", "n2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if count, _ := cache.UnreadCount(ctx, "user"); count != 2 {
		t.Fatalf("expected 2 unread, got %d", count)
	}
	rows, _ := cache.ListNotifications(ctx, "user", 0)
	for _, row := range rows {
		if row.ID == "n2" && !row.Read {
			t.Fatalf("expected n2 read, got %+v", row)
		}
		if row.ID != "n2" && row.Read {
			t.Fatalf("expected %s unchanged, got %+v", row.ID, row)
		}
	}
}

func TestCacheNilRedisPassesThrough(t *testing.T) {
	base := newFakeBackend()
	base.rows["user"] = []domain.Notification{{ID: "n1", RecipientID: "user"}}
	cache := NewCache(base, nil, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rows, err := cache.ListNotifications(ctx, "user", 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("unexpected rows: %+v", rows)
		}
	}
	if base.lists != 2 {
		t.Fatalf("expected passthrough on every read, got %d backend lists", base.lists)
	}
}
