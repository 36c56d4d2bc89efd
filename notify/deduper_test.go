package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newDeduperForTest(t *testing.T) (*RedisDeduper, *redis.Client) {
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
	return NewRedisDeduper(client, time.Minute), client
}

func TestRedisDeduperAdd(t *testing.T) {
	deduper, _ := newDeduperForTest(t)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "ev1", "bob")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Fatal("expected pair to be newly added")
	}

	again, err := deduper.Add(ctx, "ev1", "bob")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if again {
		t.Fatal("expected duplicate on second add")
	}

	other, err := deduper.Add(ctx, "ev1", "carol")
	if err != nil {
		t.Fatalf("other recipient add: %v", err)
	}
	if !other {
		t.Fatal("expected different recipient to be independent")
	}
}

func TestRedisDeduperRemoveAllowsReAdd(t *testing.T) {
	deduper, _ := newDeduperForTest(t)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "ev1", "bob"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := deduper.Remove(ctx, "ev1", "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err := deduper.Add(ctx, "ev1", "bob")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if !added {
		t.Fatal("expected pair to be addable after remove")
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	deduper, client := newDeduperForTest(t)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "ev1", "bob"); err != nil {
		t.Fatalf("add: %v", err)
	}
	exists, err := client.Exists(ctx, "dispatch:ev1:bob").Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists != 1 {
		t.Fatal("expected namespaced redis key to exist")
	}
}
