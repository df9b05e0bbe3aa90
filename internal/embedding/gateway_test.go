package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	vectors [][]float32
	err     error
	calls   int
}

func (f *fakeProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors, nil
}

type fakeCache struct {
	data map[string]string
	sets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]string{}}
}

func (f *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.sets++
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func TestEmbedReturnsProviderVectorAndCaches(t *testing.T) {
	provider := &fakeProvider{vectors: [][]float32{{1, 0, 0, 0}}}
	cache := newFakeCache()
	g := NewGateway(provider, cache, time.Minute, 4, zap.NewNop())

	vec := g.Embed(context.Background(), "2 bedroom apartment Kyrenia")
	assert.Equal(t, []float32{1, 0, 0, 0}, vec)
	assert.Equal(t, 1, cache.sets)

	// Second call is served from cache.
	vec2 := g.Embed(context.Background(), "2 bedroom apartment Kyrenia")
	assert.Equal(t, vec, vec2)
	assert.Equal(t, 1, provider.calls)
}

func TestEmbedFallsBackOnProviderError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connection refused")}
	g := NewGateway(provider, nil, 0, 16, zap.NewNop())

	vec := g.Embed(context.Background(), "hello")
	require.Len(t, vec, 16)
	assert.Equal(t, FallbackVector("hello", 16), vec)
}

func TestEmbedFallsBackWhenProviderMissing(t *testing.T) {
	g := NewGateway(nil, nil, 0, 8, zap.NewNop())

	vec := g.Embed(context.Background(), "hello")
	require.Len(t, vec, 8)
}

func TestEmbedFallsBackOnWrongDimension(t *testing.T) {
	provider := &fakeProvider{vectors: [][]float32{{1, 2}}}
	g := NewGateway(provider, nil, 0, 4, zap.NewNop())

	vec := g.Embed(context.Background(), "hello")
	assert.Equal(t, FallbackVector("hello", 4), vec)
}

func TestEmbedIgnoresCorruptCacheEntry(t *testing.T) {
	provider := &fakeProvider{vectors: [][]float32{{0, 1, 0, 0}}}
	cache := newFakeCache()
	cache.data[cacheKey("hello")] = "not json"
	g := NewGateway(provider, cache, time.Minute, 4, zap.NewNop())

	vec := g.Embed(context.Background(), "hello")
	assert.Equal(t, []float32{0, 1, 0, 0}, vec)

	var cached []float32
	require.NoError(t, json.Unmarshal([]byte(cache.data[cacheKey("hello")]), &cached))
	assert.Equal(t, vec, cached)
}

func TestFallbackVectorIsDeterministicAndNormalized(t *testing.T) {
	a := FallbackVector("same text", 32)
	b := FallbackVector("same text", 32)
	c := FallbackVector("other text", 32)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
