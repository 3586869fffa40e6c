// Package cache provides caching for encoded analysis outputs and small JSON results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	SummaryCacheSize  int
}

// Manager manages the result and summary caches.
type Manager struct {
	resultCache  *bigcache.BigCache
	summaryCache *lru.Cache[string, []byte]
}

// resultShards is small so that one shard, HardMaxCacheSize/Shards, can still
// hold a multi-megabyte encoded image.
const resultShards = 16

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	// Configure result cache
	resultCacheConfig := bigcache.Config{
		Shards:             resultShards,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 256,
		MaxEntrySize:       64 << 10,
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	// Create summary cache
	summaryCache, err := lru.New[string, []byte](cfg.SummaryCacheSize)
	if err != nil {
		resultCache.Close()
		return nil, fmt.Errorf("failed to create summary cache: %w", err)
	}

	return &Manager{
		resultCache:  resultCache,
		summaryCache: summaryCache,
	}, nil
}

// GetResult retrieves an encoded output from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.resultCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores an encoded output in cache. Entries larger than a shard
// are rejected with an error; callers treat that as a cache miss.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.resultCache.Set(key, data)
}

// GetSummary retrieves a JSON result from cache.
func (m *Manager) GetSummary(key string) ([]byte, bool) {
	return m.summaryCache.Get(key)
}

// SetSummary stores a JSON result in cache.
func (m *Manager) SetSummary(key string, data []byte) {
	m.summaryCache.Add(key, data)
}

// ForgetImage drops the summary entries of an image. Result entries carry the
// image version in their key and simply age out.
func (m *Manager) ForgetImage(imageID string) {
	prefix := imageID + ":"
	for _, k := range m.summaryCache.Keys() {
		if strings.HasPrefix(k, "stats:"+prefix) || strings.HasPrefix(k, "meta:"+prefix) {
			m.summaryCache.Remove(k)
		}
	}
}

func version(updatedAt time.Time) string {
	return fmt.Sprintf("%d", updatedAt.UnixNano())
}

// StatsKey generates a cache key for the statistics of an image version.
func StatsKey(imageID string, updatedAt time.Time) string {
	return fmt.Sprintf("stats:%s:%s", imageID, version(updatedAt))
}

// MetadataKey generates a cache key for the metadata of an image version.
func MetadataKey(imageID string, updatedAt time.Time) string {
	return fmt.Sprintf("meta:%s:%s", imageID, version(updatedAt))
}

// ReductionKey generates a cache key for a channel reduction.
func ReductionKey(imageID string, updatedAt time.Time, components int, decomposer string) string {
	return fmt.Sprintf("pca:%s:%s:k=%d:%s", imageID, version(updatedAt), components, decomposer)
}

// PreviewKey generates a cache key for a rendered preview.
func PreviewKey(imageID string, updatedAt time.Time, params map[string]interface{}) string {
	base := fmt.Sprintf("preview:%s:%s", imageID, version(updatedAt))
	if len(params) == 0 {
		return base
	}

	// Hash params for cache key, in a stable order
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%v;", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len":  m.resultCache.Len(),
		"result_cache_cap":  m.resultCache.Capacity(),
		"summary_cache_len": m.summaryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.resultCache.Close()
}
