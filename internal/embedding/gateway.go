package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// vectorCache is the minimal Redis surface used by the gateway.
// Defined here for testability; *redis.Client satisfies it.
type vectorCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Gateway converts text to a vector of fixed dimension. Embed never returns
// an error; it degrades instead.
type Gateway struct {
	provider Provider
	cache    vectorCache
	cacheTTL time.Duration
	dim      int
	logger   *zap.Logger
}

// NewGateway creates a gateway. provider may be nil (forced degraded mode,
// e.g. no credentials in development) and cache may be nil (no caching).
func NewGateway(provider Provider, cache vectorCache, cacheTTL time.Duration, dim int, logger *zap.Logger) *Gateway {
	return &Gateway{
		provider: provider,
		cache:    cache,
		cacheTTL: cacheTTL,
		dim:      dim,
		logger:   logger,
	}
}

// Dimension returns the fixed vector dimension D.
func (g *Gateway) Dimension() int {
	return g.dim
}

// Embed returns a vector of dimension D for text, from cache when possible.
// On provider failure it returns the deterministic fallback vector and logs
// the failure class so operators can tell a dead dependency from a blip.
func (g *Gateway) Embed(ctx context.Context, text string) []float32 {
	key := cacheKey(text)

	if g.cache != nil {
		if vec, ok := g.cacheGet(ctx, key); ok {
			return vec
		}
	}

	if g.provider == nil {
		g.logger.Warn("embedding provider not configured, using fallback vector",
			zap.String("failure_class", "dependency_unavailable"),
		)
		return FallbackVector(text, g.dim)
	}

	vecs, err := g.provider.Embed(ctx, []string{text})
	if err != nil {
		g.logger.Warn("embedding provider failed, using fallback vector",
			zap.String("failure_class", classifyProviderError(err)),
			zap.Error(err),
		)
		return FallbackVector(text, g.dim)
	}

	vec := vecs[0]
	if len(vec) != g.dim {
		g.logger.Warn("embedding provider returned wrong dimension, using fallback vector",
			zap.Int("want", g.dim),
			zap.Int("got", len(vec)),
		)
		return FallbackVector(text, g.dim)
	}

	if g.cache != nil {
		g.cachePut(ctx, key, vec)
	}
	return vec
}

func (g *Gateway) cacheGet(ctx context.Context, key string) ([]float32, bool) {
	data, err := g.cache.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			g.logger.Debug("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal([]byte(data), &vec); err != nil || len(vec) != g.dim {
		return nil, false
	}
	return vec, true
}

func (g *Gateway) cachePut(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, key, data, g.cacheTTL).Err(); err != nil {
		g.logger.Debug("embedding cache write failed", zap.Error(err))
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// FallbackVector derives a deterministic unit vector of dimension dim from
// the text alone. The same text always yields the same vector, so cached
// decisions stay stable while the provider is down.
func FallbackVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))

	vec := make([]float32, dim)
	var block [sha256.Size]byte
	var norm float64

	for i := 0; i < dim; i++ {
		if i%8 == 0 {
			counter := make([]byte, len(seed)+4)
			copy(counter, seed[:])
			binary.BigEndian.PutUint32(counter[len(seed):], uint32(i/8))
			block = sha256.Sum256(counter)
		}
		raw := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// map to [-1, 1)
		v := float64(raw)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
