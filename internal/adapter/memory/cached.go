package memory

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatengine/internal/domain"
)

// CachedMemory wraps a MemoryProvider with a TTL query cache. Any successful
// write drops the whole cache.
type CachedMemory struct {
	inner domain.MemoryProvider
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedResult
}

type cachedResult struct {
	entries   []domain.MemoryEntry
	expiresAt time.Time
}

// NewCachedMemory wraps inner. A ttl of zero or less returns inner unchanged.
func NewCachedMemory(inner domain.MemoryProvider, ttl time.Duration) domain.MemoryProvider {
	if ttl <= 0 {
		return inner
	}
	return &CachedMemory{
		inner: inner,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedResult),
	}
}

func (c *CachedMemory) Store(ctx context.Context, entry domain.MemoryEntry) error {
	err := c.inner.Store(ctx, entry)
	if err == nil {
		c.invalidate()
	}
	return err
}

func (c *CachedMemory) Query(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	key := cacheKey(query, limit)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && c.now().Before(cached.expiresAt) {
		return slices.Clone(cached.entries), nil
	}

	entries, err := c.inner.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = cachedResult{entries: slices.Clone(entries), expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return entries, nil
}

func (c *CachedMemory) Delete(ctx context.Context, id string) error {
	err := c.inner.Delete(ctx, id)
	if err == nil {
		c.invalidate()
	}
	return err
}

func (c *CachedMemory) Name() string      { return c.inner.Name() }
func (c *CachedMemory) IsAvailable() bool { return c.inner.IsAvailable() }

func (c *CachedMemory) invalidate() {
	c.mu.Lock()
	clear(c.cache)
	c.mu.Unlock()
}

func (c *CachedMemory) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Queries differing only in case or spacing share an entry.
func cacheKey(query string, limit int) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ") + "|" + strconv.Itoa(limit)
}
