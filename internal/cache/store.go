package cache

import (
	"context"
	"errors"
)

// Storage 管理按名称区分的缓存代际，同一时刻只有一个名称是“当前”版本。
type Storage interface {
	// Open 返回指定名称的缓存，不存在时惰性创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Names 枚举现存的全部缓存名称。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存代际，返回其是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache 是单个缓存代际内 Key → Entry 的映射。
type Cache interface {
	Name() string

	// Match 返回已缓存的响应，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 覆盖写入条目。实现需保证单 key 写入的原子性。
	Put(ctx context.Context, key Key, entry *Entry) error

	// Delete 删除条目，返回删除前是否存在；条目缺失不是错误。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 枚举当前缓存中的全部请求标识。
	Keys(ctx context.Context) ([]Key, error)
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidName 表示缓存名称包含路径分隔符等非法字符。
var ErrInvalidName = errors.New("invalid cache name")
