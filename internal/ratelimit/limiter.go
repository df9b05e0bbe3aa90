// Package ratelimit implements an atomic per-key sliding-window counter.
//
// The limiter is portable across cache backends that lack a native atomic
// "create with expiry" primitive: the backend adapter declares what it can
// do, and the limiter picks the strongest correct path available. A missing
// store feature never surfaces as an error to the caller.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// counterStore is the minimal counter surface used by the limiter.
// Defined here for testability; *redis.Client satisfies it.
type counterStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Capabilities declares which expiry primitives the backend supports.
type Capabilities struct {
	// AtomicExpireNX: the backend can attach a TTL only-if-absent in one
	// atomic call (Redis >= 7 EXPIRE NX).
	AtomicExpireNX bool
	// Expire: the backend supports a plain TTL touch on an existing key.
	Expire bool
}

// RedisCapabilities is the full-featured profile for a modern Redis.
func RedisCapabilities() Capabilities {
	return Capabilities{AtomicExpireNX: true, Expire: true}
}

// Limiter counts calls per key within a fixed window.
type Limiter struct {
	store  counterStore
	caps   Capabilities
	logger *zap.Logger
}

// NewLimiter creates a limiter over the given counter store.
func NewLimiter(store counterStore, caps Capabilities, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, caps: caps, logger: logger}
}

// Allow increments the counter for key and reports whether the call is
// within max for the window. Exactly max calls per window are allowed; the
// (max+1)-th is denied. Store failures fail open with a warning: the
// interactive path must answer even when the counter backend is down.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration, max int64) bool {
	// Backends with no expiry primitive at all get the pre-seed path: create
	// the key with its TTL up front, then increment. SETNX-with-TTL makes
	// the window attach exactly once regardless of racing callers.
	if !l.caps.AtomicExpireNX && !l.caps.Expire {
		if err := l.store.SetNX(ctx, key, 0, window).Err(); err != nil {
			l.logger.Warn("rate limiter pre-seed failed, allowing request",
				zap.String("key", key),
				zap.Error(err),
			)
			return true
		}
	}

	count, err := l.store.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limiter increment failed, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	// This call created the key: attach the window expiry.
	if count == 1 && (l.caps.AtomicExpireNX || l.caps.Expire) {
		l.attachExpiry(ctx, key, window)
	}

	return count <= max
}

// attachExpiry attaches the window TTL using the strongest supported
// primitive, degrading to best effort.
func (l *Limiter) attachExpiry(ctx context.Context, key string, window time.Duration) {
	if l.caps.AtomicExpireNX {
		if err := l.store.ExpireNX(ctx, key, window).Err(); err == nil {
			return
		} else {
			l.logger.Debug("atomic expire failed, trying plain expire",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	if l.caps.Expire {
		if err := l.store.Expire(ctx, key, window).Err(); err != nil {
			l.logger.Warn("rate limiter could not attach expiry; counter will be stricter than configured",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}
