package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions 描述 Redis 后端的连接参数。
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStorage 将每个缓存代际保存为一个 hash（field 为 Key.String()），
// 并在 <prefix>:caches 集合中登记代际名称。
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage 建立连接并通过 PING 校验可用性。
func NewRedisStorage(ctx context.Context, opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisStorageFromClient(client, opts.KeyPrefix), nil
}

// NewRedisStorageFromClient 复用已有客户端，prefix 为空时使用 imagecache。
func NewRedisStorageFromClient(client redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "imagecache"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

// Close 释放底层连接池。
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := s.client.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("register cache %s: %w", name, err)
	}
	return &redisCache{client: s.client, name: name, hashKey: s.cacheKey(name)}, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.cacheKey(name))
		removed = pipe.SRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + ":caches"
}

func (s *RedisStorage) cacheKey(name string) string {
	return s.prefix + ":cache:" + name
}

type redisCache struct {
	client  redis.UniversalClient
	name    string
	hashKey string
}

func (c *redisCache) Name() string {
	return c.name
}

func (c *redisCache) Match(ctx context.Context, key Key) (*Entry, error) {
	raw, err := c.client.HGet(ctx, c.hashKey, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

func (c *redisCache) Put(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return errors.New("nil cache entry")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.client.HSet(ctx, c.hashKey, key.String(), raw).Err()
}

func (c *redisCache) Delete(ctx context.Context, key Key) (bool, error) {
	removed, err := c.client.HDel(ctx, c.hashKey, key.String()).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]Key, error) {
	fields, err := c.client.HKeys(ctx, c.hashKey).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		if key, ok := ParseKey(field); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
