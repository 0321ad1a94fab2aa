package property

import (
	"context"
	"encoding/xml"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 5 * time.Minute
)

// CachedStore 为属性读取增加 LRU 缓存，写操作使对应路径失效
//
// 每次失效都会递增 gen；读取未命中时只有在读底层期间 gen 未变化才回填，
// 避免并发写入之后缓存住旧值。
type CachedStore struct {
	Store
	cache *lru.LRU[string, []types.DeadProperty]

	mu  sync.Mutex
	gen uint64
}

// NewCachedStore 包装属性存储
func NewCachedStore(impl Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedStore{
		Store: impl,
		cache: lru.NewLRU[string, []types.DeadProperty](size, nil, ttl),
	}
}

func copyProperties(props []types.DeadProperty) []types.DeadProperty {
	return append([]types.DeadProperty(nil), props...)
}

func (c *CachedStore) GetProperties(ctx context.Context, path string) ([]types.DeadProperty, error) {
	path = utils.CleanPath(path)
	if v, ok := c.cache.Get(path); ok {
		return copyProperties(v), nil
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	props, err := c.Store.GetProperties(ctx, path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.cache.Add(path, copyProperties(props))
	}
	c.mu.Unlock()
	return props, nil
}

// invalidate 使 path 失效，path 为空时清空整个缓存
func (c *CachedStore) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if path == "" {
		c.cache.Purge()
		return
	}
	c.cache.Remove(path)
}

func (c *CachedStore) SetProperties(ctx context.Context, path string, props []types.DeadProperty) ([]*types.PropertyError, error) {
	path = utils.CleanPath(path)
	defer c.invalidate(path)
	return c.Store.SetProperties(ctx, path, props)
}

func (c *CachedStore) RemoveProperties(ctx context.Context, path string, names []xml.Name) error {
	path = utils.CleanPath(path)
	defer c.invalidate(path)
	return c.Store.RemoveProperties(ctx, path, names)
}

func (c *CachedStore) RemoveAll(ctx context.Context, path string) error {
	defer c.invalidate("")
	return c.Store.RemoveAll(ctx, path)
}

func (c *CachedStore) IgnoreEntry(e *storage.Entry) bool {
	return c.Store.IgnoreEntry(e)
}
