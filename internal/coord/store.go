package coord

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound 键不存在
var ErrKeyNotFound = errors.New("键不存在")

// Store 协调存储接口
//
// 抽象进程间协调所需的原子键值操作。生产环境由Redis实现，
// 测试环境由内存实现替代。所有条目均视为可能随时过期或丢失的
// 缓存，消费方必须容忍键缺失。
type Store interface {
	// Get 读取键值，键不存在时返回ErrKeyNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set 写入键值，ttl为0表示不过期
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX 仅在键不存在时写入，返回是否写入成功
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del 删除键
	Del(ctx context.Context, keys ...string) error

	// CompareAndDelete 仅在键值等于expected时删除，返回是否删除
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExpire 仅在键值等于expected时刷新TTL，返回是否刷新
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// IncrWindow 固定窗口计数：自增并在窗口首次计数时设置过期
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Keys 按模式列出键（模式仅支持'*'通配符）
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping 检查存储连通性
	Ping(ctx context.Context) error

	// Close 关闭连接
	Close() error
}
