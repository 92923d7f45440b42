package coord

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryStore 内存协调存储（用于测试）
//
// 语义与RedisStore保持一致：TTL到期后键视为不存在，
// SetNX/CompareAndDelete/CompareAndExpire在单把锁内完成，保证原子性。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value    string
	expireAt time.Time // 零值表示不过期
}

// NewMemoryStore 创建内存协调存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock 替换时钟（测试用，便于模拟TTL过期）
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// get 读取未过期的条目（需持有锁）
func (s *MemoryStore) get(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expireAt.IsZero() && !s.now().Before(entry.expireAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// Get 读取键值
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.get(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return entry.value, nil
}

// Set 写入键值
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{
		value:    value,
		expireAt: s.expiry(ttl),
	}
	return nil
}

// SetNX 仅在键不存在时写入
func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.get(key); ok {
		return false, nil
	}

	s.entries[key] = memoryEntry{
		value:    value,
		expireAt: s.expiry(ttl),
	}
	return true, nil
}

// Del 删除键
func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// CompareAndDelete 仅在键值匹配时删除
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.get(key)
	if !ok || entry.value != expected {
		return false, nil
	}

	delete(s.entries, key)
	return true, nil
}

// CompareAndExpire 仅在键值匹配时刷新TTL
func (s *MemoryStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.get(key)
	if !ok || entry.value != expected {
		return false, nil
	}

	entry.expireAt = s.expiry(ttl)
	s.entries[key] = entry
	return true, nil
}

// IncrWindow 固定窗口计数
func (s *MemoryStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.get(key)
	if !ok {
		s.entries[key] = memoryEntry{
			value:    "1",
			expireAt: s.expiry(window),
		}
		return 1, nil
	}

	count, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, err
	}
	count++

	entry.value = strconv.FormatInt(count, 10)
	s.entries[key] = entry
	return count, nil
}

// Keys 按模式列出键
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.entries {
		if _, ok := s.get(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping 检查连通性
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close 关闭
func (s *MemoryStore) Close() error {
	return nil
}

// expiry 计算过期时间（需持有锁）
func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
