package cache

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// 仅在设置 IMAGECACHE_REDIS_ADDR 时运行，例如 IMAGECACHE_REDIS_ADDR=127.0.0.1:6379。
func TestRedisStorageContract(t *testing.T) {
	addr := os.Getenv("IMAGECACHE_REDIS_ADDR")
	if addr == "" {
		t.Skip("IMAGECACHE_REDIS_ADDR not set")
	}

	storage, err := NewRedisStorage(context.Background(), RedisOptions{
		Addr:      addr,
		KeyPrefix: "imagecache-test-" + uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("redis storage error: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		names, _ := storage.Names(ctx)
		for _, name := range names {
			_, _ = storage.Delete(ctx, name)
		}
		_ = storage.Close()
	})

	runStorageContract(t, storage)
}
