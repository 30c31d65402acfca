// Package cache provides caching for rendered figures and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	FigureCacheSizeMB int
	FigureTTL         time.Duration
	MaxFigureSizeKB   int
	QueryCacheSize    int
}

// Manager manages figure and query caches.
type Manager struct {
	figureCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.FigureTTL <= 0 {
		cfg.FigureTTL = 10 * time.Minute
	}
	if cfg.MaxFigureSizeKB <= 0 {
		cfg.MaxFigureSizeKB = 2048
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	// Configure figure cache
	figureCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.FigureTTL,
		CleanWindow:        cfg.FigureTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       cfg.MaxFigureSizeKB * 1024,
		HardMaxCacheSize:   cfg.FigureCacheSizeMB,
		Verbose:            false,
	}

	figureCache, err := bigcache.New(context.Background(), figureCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create figure cache: %w", err)
	}

	// Create query cache
	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		figureCache: figureCache,
		queryCache:  queryCache,
	}, nil
}

// GetFigure retrieves rendered figure bytes from cache.
func (m *Manager) GetFigure(key string) ([]byte, bool) {
	data, err := m.figureCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFigure stores rendered figure bytes in cache.
func (m *Manager) SetFigure(key string, data []byte) error {
	return m.figureCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// FigureKey generates a cache key for a figure. The request is hashed in its
// JSON form; struct fields marshal in declaration order and map keys sorted,
// so equal requests give equal keys.
func FigureKey(dataset, format string, request interface{}) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode figure request: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(dataset))
	h.Write([]byte{0})
	h.Write([]byte(format))
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf("fig:%s:%s:%s", dataset, format, hex.EncodeToString(h.Sum(nil))[:32]), nil
}

// QueryKey generates a cache key for a metadata query.
func QueryKey(dataset, kind, name string) string {
	return fmt.Sprintf("query:%s:%s:%s", dataset, kind, name)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.figureCache.Stats()
	return map[string]interface{}{
		"figure_cache_len":    m.figureCache.Len(),
		"figure_cache_cap":    m.figureCache.Capacity(),
		"figure_cache_hits":   stats.Hits,
		"figure_cache_misses": stats.Misses,
		"query_cache_len":     m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.figureCache.Close()
}
