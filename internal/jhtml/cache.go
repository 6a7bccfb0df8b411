package jhtml

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Source compiles a template file into script source.
type Source interface {
	Compile(path string) (string, error)
}

// CacheObserver is notified of cache lookups.
type CacheObserver interface {
	TemplateCacheHit()
	TemplateCacheMiss()
}

type cacheEntry struct {
	source  string
	modTime time.Time
	size    int64
}

// Cache memoizes compiled templates. An entry is reused only while the
// file's modification time and size are unchanged.
type Cache struct {
	next     Source
	mu       sync.RWMutex
	entries  map[string]cacheEntry
	observer CacheObserver
	logger   *slog.Logger
}

// NewCache wraps next with a compiled-source cache. observer may be nil.
func NewCache(next Source, observer CacheObserver, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		next:     next,
		entries:  make(map[string]cacheEntry),
		observer: observer,
		logger:   logger,
	}
}

// Compile returns the cached source for path, compiling it on a miss.
// Compile errors are not cached.
func (c *Cache) Compile(path string) (string, error) {
	key := cacheKey(path)
	info, err := os.Stat(key)
	if err != nil {
		return "", fmt.Errorf("reading template %s: %w", path, err)
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
		if c.observer != nil {
			c.observer.TemplateCacheHit()
		}
		return entry.source, nil
	}

	if c.observer != nil {
		c.observer.TemplateCacheMiss()
	}
	source, err := c.next.Compile(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{source: source, modTime: info.ModTime(), size: info.Size()}
	c.mu.Unlock()

	c.logger.Debug("template compiled",
		slog.String("path", key),
		slog.Int("source_bytes", len(source)),
	)
	return source, nil
}

// Invalidate drops the entry for path, if any.
func (c *Cache) Invalidate(path string) {
	key := cacheKey(path)
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.logger.Debug("template cache entry invalidated", slog.String("path", key))
	}
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cacheKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
