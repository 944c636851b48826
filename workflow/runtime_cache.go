package workflow

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ReadOnlyRuntimeCache 只读的运行时缓存视图
type ReadOnlyRuntimeCache interface {
	// Get 读取原始值, 不存在时返回 false
	Get(key string) (any, bool)
	Keys() []string
	Len() int
	// CopyTo 将全部条目拷贝到另外一个可写缓存, 目标是自己或者只读时返回错误
	CopyTo(target ReadOnlyRuntimeCache) error
}

// RuntimeCache 单个 workflow 内部 activity 之间传递数据的缓存, 相同 key 后写覆盖
type RuntimeCache interface {
	ReadOnlyRuntimeCache
	Set(key string, value any)
	Delete(key string)
	Clear()
}

// MemoryRuntimeCache 基于 map 的 RuntimeCache
// 订阅者在 owner goroutine 上读取 payload 里的 context, 所以这里需要加锁
type MemoryRuntimeCache struct {
	mu   sync.RWMutex
	data map[string]any
}

var _ RuntimeCache = (*MemoryRuntimeCache)(nil)

func NewRuntimeCache() *MemoryRuntimeCache {
	return &MemoryRuntimeCache{data: make(map[string]any)}
}

// NewRuntimeCacheFromMap 从 map 创建缓存, map 会被浅拷贝
func NewRuntimeCacheFromMap(m map[string]any) *MemoryRuntimeCache {
	c := NewRuntimeCache()
	for k, v := range m {
		c.data[k] = v
	}
	return c
}

// NewRuntimeCacheFromJSON 从 JSON 对象创建缓存, 非法 JSON 返回错误
func NewRuntimeCacheFromJSON(b []byte) (*MemoryRuntimeCache, error) {
	c := NewRuntimeCache()
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c.data); err != nil {
		return nil, errors.WithMessage(err, "NewRuntimeCacheFromJSON failed")
	}
	if c.data == nil {
		c.data = make(map[string]any)
	}
	return c, nil
}

func (c *MemoryRuntimeCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *MemoryRuntimeCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MemoryRuntimeCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func (c *MemoryRuntimeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]any)
}

func (c *MemoryRuntimeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Keys 按字典序返回全部 key
func (c *MemoryRuntimeCache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (c *MemoryRuntimeCache) CopyTo(target ReadOnlyRuntimeCache) error {
	if target == nil {
		return invalidOperation("copy target cache is nil")
	}
	if same, ok := target.(*MemoryRuntimeCache); ok && same == c {
		return invalidOperation("cannot copy runtime cache to itself")
	}
	writable, ok := target.(RuntimeCache)
	if !ok {
		return invalidOperation("copy target cache is read only")
	}
	// 先拍快照再写入, 避免两个缓存互相拷贝时死锁
	c.mu.RLock()
	snapshot := make(map[string]any, len(c.data))
	for k, v := range c.data {
		snapshot[k] = v
	}
	c.mu.RUnlock()
	for k, v := range snapshot {
		writable.Set(k, v)
	}
	return nil
}

// MarshalJSON 缓存快照, 不能序列化的值会导致返回错误
func (c *MemoryRuntimeCache) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.data)
}

// ReadCache 读取指定类型的值, key 不存在或者类型不匹配时返回零值
func ReadCache[T any](cache ReadOnlyRuntimeCache, key string) T {
	var zero T
	if cache == nil {
		return zero
	}
	v, ok := cache.Get(key)
	if !ok {
		return zero
	}
	typed, ok := v.(T)
	if !ok {
		return zero
	}
	return typed
}

// TryReadCache 和 ReadCache 一样, 额外返回是否命中
func TryReadCache[T any](cache ReadOnlyRuntimeCache, key string) (T, bool) {
	var zero T
	if cache == nil {
		return zero, false
	}
	v, ok := cache.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// GetString 获取字符串值
func (c *MemoryRuntimeCache) GetString(key string) (string, bool) {
	return TryReadCache[string](c, key)
}

// GetInt64 获取 int64 值, 兼容 JSON 反序列化出来的 float64
func (c *MemoryRuntimeCache) GetInt64(key string) (int64, bool) {
	val, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetBool 获取布尔值
func (c *MemoryRuntimeCache) GetBool(key string) (bool, bool) {
	return TryReadCache[bool](c, key)
}

// AsReadOnly 返回缓存的只读视图, 视图不能作为 CopyTo 的目标
func AsReadOnly(cache RuntimeCache) ReadOnlyRuntimeCache {
	return &readOnlyRuntimeCache{inner: cache}
}

type readOnlyRuntimeCache struct {
	inner RuntimeCache
}

func (r *readOnlyRuntimeCache) Get(key string) (any, bool) {
	return r.inner.Get(key)
}

func (r *readOnlyRuntimeCache) Keys() []string {
	return r.inner.Keys()
}

func (r *readOnlyRuntimeCache) Len() int {
	return r.inner.Len()
}

func (r *readOnlyRuntimeCache) CopyTo(target ReadOnlyRuntimeCache) error {
	if ro, ok := target.(*readOnlyRuntimeCache); ok && ro.inner == r.inner {
		return invalidOperation("cannot copy runtime cache to itself")
	}
	return r.inner.CopyTo(target)
}
