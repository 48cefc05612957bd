package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blueberrycongee/memvault/internal/metrics"
)

const defaultCacheSize = 1000

// cachedProvider decorates a Provider with a bounded LRU of previously
// computed vectors keyed by the text hash. Entries are immutable once
// inserted, so readers never need to copy.
type cachedProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports result-cache effectiveness.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

func newCachedProvider(inner Provider, size int) (*cachedProvider, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &cachedProvider{inner: inner, cache: cache}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached vector for text without invoking the backend.
func (c *cachedProvider) Lookup(text string) ([]float32, bool) {
	return c.cache.Get(cacheKey(text))
}

func (c *cachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		metrics.EmbeddingCacheHits.Inc()
		return v, nil
	}
	c.misses.Add(1)
	metrics.EmbeddingCacheMisses.Inc()

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

func (c *cachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))

	for i, t := range texts {
		if v, ok := c.cache.Get(cacheKey(t)); ok {
			c.hits.Add(1)
			metrics.EmbeddingCacheHits.Inc()
			out[i] = v
			continue
		}
		c.misses.Add(1)
		metrics.EmbeddingCacheMisses.Inc()
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vecs, err := c.inner.EmbedBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			out[missingIdx[j]] = v
			c.cache.Add(cacheKey(missing[j]), v)
		}
	}
	return out, nil
}

func (c *cachedProvider) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.Len(),
	}
}

func (c *cachedProvider) Dimension() int    { return c.inner.Dimension() }
func (c *cachedProvider) ModelName() string { return c.inner.ModelName() }
func (c *cachedProvider) Close() error      { return c.inner.Close() }
