package redis

import (
	"context"
	"testing"
	"time"

	"github.com/BuddyLim/smartfi/pkg/cache"
)

func setupTestRedis(t *testing.T) *RedisCache {
	t.Helper()

	config := DefaultRedisCacheConfig()
	config.Name = "TestRedis"
	config.KeyPrefix = "test:smartfi:"
	config.DialTimeout = time.Second

	r, err := NewRedisCache(config)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		r.DeletePrefix(context.Background(), "")
		r.Close()
	})

	r.DeletePrefix(context.Background(), "")
	return r
}

func TestNewRedisCacheNoAddress(t *testing.T) {
	if _, err := NewRedisCache(RedisCacheConfig{}); err == nil {
		t.Error("Expected an error without addresses")
	}
}

func TestDefaultRedisCacheConfig(t *testing.T) {
	config := DefaultRedisCacheConfig()
	if config.Addr != "localhost:6379" {
		t.Errorf("Expected localhost:6379, got %s", config.Addr)
	}
	if config.KeyPrefix != "smartfi:" {
		t.Errorf("Expected smartfi: prefix, got %s", config.KeyPrefix)
	}
	if config.DefaultTTL != time.Hour {
		t.Errorf("Expected 1h default TTL, got %v", config.DefaultTTL)
	}
}

func TestRedisCache_SetGet(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()

	if err := r.Set(ctx, "stream", []byte(`[{"id":1}]`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := r.Get(ctx, "stream")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `[{"id":1}]` {
		t.Errorf("Unexpected value %s", value)
	}

	if _, err := r.Get(ctx, "missing"); !cache.IsNotFound(err) {
		t.Errorf("Expected cache miss, got %v", err)
	}
}

func TestRedisCache_ZeroTTLUsesDefault(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()

	if err := r.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set with zero TTL failed: %v", err)
	}
}

func TestRedisCache_DeletePrefix(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()

	for _, key := range []string{"1:transaction", "1:transaction:5", "1:transactions", "1:account"} {
		if err := r.Set(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set(%s) failed: %v", key, err)
		}
	}

	removed, err := r.DeletePrefix(ctx, "1:transaction")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 keys removed, got %d", removed)
	}

	if _, err := r.Get(ctx, "1:transactions"); err != nil {
		t.Errorf("Expected 1:transactions to survive, got %v", err)
	}

	if err := r.Delete(ctx, "1:account"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	keys, _ := r.Keys(ctx, "1")
	if len(keys) != 1 {
		t.Errorf("Expected one key left for user 1, got %v", keys)
	}
}
