package embedding

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/memvault/internal/metrics"
)

// countingProvider records backend invocations so cache behaviour is observable.
type countingProvider struct {
	calls atomic.Int64
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	return []float32{float32(len(text)), 1, 0}, nil
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := p.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (p *countingProvider) Dimension() int    { return 3 }
func (p *countingProvider) ModelName() string { return "counting" }
func (p *countingProvider) Close() error      { return nil }

func TestCachedProviderHit(t *testing.T) {
	inner := &countingProvider{}
	c, err := newCachedProvider(inner, 10)
	require.NoError(t, err)

	ctx := context.Background()

	v1, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	v2, err := c.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), inner.calls.Load(), "second call must be served from cache")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestCachedProviderLookup(t *testing.T) {
	inner := &countingProvider{}
	c, err := newCachedProvider(inner, 10)
	require.NoError(t, err)

	_, ok := c.Lookup("hello")
	assert.False(t, ok)

	_, err = c.Embed(context.Background(), "hello")
	require.NoError(t, err)

	_, ok = c.Lookup("hello")
	assert.True(t, ok)
}

func TestCachedProviderBatchPartialHit(t *testing.T) {
	inner := &countingProvider{}
	c, err := newCachedProvider(inner, 10)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Embed(ctx, "a")
	require.NoError(t, err)
	inner.calls.Store(0)

	out, err := c.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, int64(2), inner.calls.Load(), "only the misses reach the backend")
}

func TestCachedProviderReportsMetrics(t *testing.T) {
	inner := &countingProvider{}
	c, err := newCachedProvider(inner, 10)
	require.NoError(t, err)

	// The counters are process globals, so measure deltas.
	hits0 := testutil.ToFloat64(metrics.EmbeddingCacheHits)
	misses0 := testutil.ToFloat64(metrics.EmbeddingCacheMisses)

	ctx := context.Background()
	_, err = c.Embed(ctx, "hello")
	require.NoError(t, err)
	_, err = c.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EmbeddingCacheHits)-hits0)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EmbeddingCacheMisses)-misses0)

	_, err = c.EmbedBatch(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EmbeddingCacheHits)-hits0)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EmbeddingCacheMisses)-misses0)
}

func TestCachedProviderEviction(t *testing.T) {
	inner := &countingProvider{}
	c, err := newCachedProvider(inner, 2)
	require.NoError(t, err)

	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		_, err := c.Embed(ctx, s)
		require.NoError(t, err)
	}

	// "a" is the least recently used entry and must be gone.
	_, ok := c.Lookup("a")
	assert.False(t, ok)
	_, ok = c.Lookup("c")
	assert.True(t, ok)
}
