//go:build nanoclaw_redis

package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

// These tests talk to a real Redis instance and are skipped unless
// NANOCLAW_TEST_REDIS_ADDR points at one (e.g. "localhost:6379" in CI).
func testRedisAddr(t *testing.T) string {
	addr := os.Getenv("NANOCLAW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NANOCLAW_TEST_REDIS_ADDR not set; skipping redis-backed test")
	}
	return addr
}

func TestRedisStoreAcquireIsExclusiveWithinWindow(t *testing.T) {
	addr := testRedisAddr(t)
	store := NewRedisStore(addr, "nanoclaw-test")
	defer store.Close()

	ctx := context.Background()
	key := "chat-1\x00corr-1"

	ok, err := store.Acquire(ctx, key, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first Acquire to succeed")
	}

	ok, err = store.Acquire(ctx, key, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second Acquire within the window to be denied")
	}

	time.Sleep(250 * time.Millisecond)
	ok, err = store.Acquire(ctx, key, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after window expiry: %v", err)
	}
	if !ok {
		t.Fatal("expected Acquire to succeed again once the window expired")
	}
}

func TestRedisStoreAcquireIsIndependentPerKey(t *testing.T) {
	addr := testRedisAddr(t)
	store := NewRedisStore(addr, "nanoclaw-test")
	defer store.Close()

	ctx := context.Background()
	ok1, err := store.Acquire(ctx, "chat-a\x00corr-1", time.Second)
	if err != nil {
		t.Fatalf("acquire chat-a: %v", err)
	}
	ok2, err := store.Acquire(ctx, "chat-b\x00corr-1", time.Second)
	if err != nil {
		t.Fatalf("acquire chat-b: %v", err)
	}
	if !ok1 || !ok2 {
		t.Fatalf("expected distinct keys to acquire independently, got %v %v", ok1, ok2)
	}
}
