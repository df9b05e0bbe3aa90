package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCounterStore struct {
	mu          sync.Mutex
	counts      map[string]int64
	ttls        map[string]time.Duration
	failIncr    bool
	failExpNX   bool
	expireNXUse int
	expireUse   int
	setNXUse    int
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCounterStore) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIncr {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounterStore) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireUse++
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCounterStore) ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireNXUse++
	if f.failExpNX {
		return redis.NewBoolResult(false, errors.New("ERR unsupported option NX"))
	}
	if _, ok := f.ttls[key]; !ok {
		f.ttls[key] = expiration
	}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCounterStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setNXUse++
	if _, ok := f.counts[key]; !ok {
		f.counts[key] = 0
		f.ttls[key] = expiration
	}
	return redis.NewBoolResult(true, nil)
}

func TestAllowExactlyMaxPerWindow(t *testing.T) {
	capsByName := map[string]Capabilities{
		"atomic_expiry": RedisCapabilities(),
		"plain_expire":  {Expire: true},
		"no_expiry_ops": {},
	}

	for name, caps := range capsByName {
		t.Run(name, func(t *testing.T) {
			store := newFakeCounterStore()
			l := NewLimiter(store, caps, zap.NewNop())

			const max = 5
			for i := 0; i < max; i++ {
				assert.True(t, l.Allow(context.Background(), "thread-1", time.Minute, max), "call %d should be allowed", i+1)
			}
			assert.False(t, l.Allow(context.Background(), "thread-1", time.Minute, max), "call max+1 must be denied")

			// Every mode must have attached a window TTL one way or another.
			assert.Equal(t, time.Minute, store.ttls["thread-1"])
		})
	}
}

func TestAllowIsIndependentPerKey(t *testing.T) {
	store := newFakeCounterStore()
	l := NewLimiter(store, RedisCapabilities(), zap.NewNop())

	require.True(t, l.Allow(context.Background(), "a", time.Minute, 1))
	require.False(t, l.Allow(context.Background(), "a", time.Minute, 1))
	assert.True(t, l.Allow(context.Background(), "b", time.Minute, 1))
}

func TestAllowConcurrentCallersShareTheCounter(t *testing.T) {
	store := newFakeCounterStore()
	l := NewLimiter(store, RedisCapabilities(), zap.NewNop())

	const max = 10
	const callers = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(context.Background(), "shared", time.Minute, max) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, max, allowed)
}

func TestAllowDegradesToPlainExpireWhenAtomicFails(t *testing.T) {
	store := newFakeCounterStore()
	store.failExpNX = true
	l := NewLimiter(store, RedisCapabilities(), zap.NewNop())

	assert.True(t, l.Allow(context.Background(), "k", time.Minute, 3))
	assert.Equal(t, 1, store.expireNXUse)
	assert.Equal(t, 1, store.expireUse)
	assert.Equal(t, time.Minute, store.ttls["k"])
}

func TestAllowFailsOpenOnStoreOutage(t *testing.T) {
	store := newFakeCounterStore()
	store.failIncr = true
	l := NewLimiter(store, RedisCapabilities(), zap.NewNop())

	assert.True(t, l.Allow(context.Background(), "k", time.Minute, 1))
}

func TestPreSeedModeUsesSetNXInsteadOfBlindIncrement(t *testing.T) {
	store := newFakeCounterStore()
	l := NewLimiter(store, Capabilities{}, zap.NewNop())

	l.Allow(context.Background(), "k", time.Minute, 2)
	l.Allow(context.Background(), "k", time.Minute, 2)

	assert.Equal(t, 2, store.setNXUse)
	assert.Equal(t, 0, store.expireNXUse)
	assert.Equal(t, 0, store.expireUse)
	assert.Equal(t, time.Minute, store.ttls["k"])
}
