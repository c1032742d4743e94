package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Cache memoizes loaded inputs by source and version.
//
// Each slot names a data source (a file, a remote layer) and holds at most one
// value, tagged with the source's version key. Asking for a slot with a new
// key evicts the old value. Concurrent loads of the same slot and key share
// one call, including its error. Failed loads are not kept, so the next
// request after a failure loads again.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	key   string
	value any
	err   error
	ready chan struct{}
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Len returns the number of cached slots
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate drops a slot
func (c *Cache) Invalidate(slot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, slot)
}

func (c *Cache) get(ctx context.Context, slot, key string, load func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[slot]; ok && e.key == key {
		c.mu.Unlock()
		select {
		case <-e.ready:
			return e.value, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e := &cacheEntry{key: key, ready: make(chan struct{})}
	c.entries[slot] = e
	c.mu.Unlock()

	e.value, e.err = load(ctx)
	if e.err != nil {
		c.mu.Lock()
		if c.entries[slot] == e {
			delete(c.entries, slot)
		}
		c.mu.Unlock()
	}
	close(e.ready)
	return e.value, e.err
}

// Memo returns the cached value for slot at version key, loading it on a miss.
// A nil cache always loads.
func Memo[T any](ctx context.Context, c *Cache, slot, key string, load func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	v, err := c.get(ctx, slot, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// FileKey is the version key of a local file: absolute path, size and modification time
func FileKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return fmt.Sprintf("%s|%d|%d", abs, info.Size(), info.ModTime().UnixNano()), nil
}
