package checkpoint

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

type fakeRedis struct {
	data    map[string]string
	expiry  map[string]time.Duration
	failing bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, expiry: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.failing {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.failing {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	f.data[key] = string(value.([]byte))
	f.expiry[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// expire simulates TTL expiry for a conversation.
func (f *fakeRedis) expire(conversationID string) {
	delete(f.data, key(conversationID))
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, 30*time.Minute, zap.NewNop())

	state := json.RawMessage(`{"step":"awaiting_budget","slots":{"region":"kyrenia"}}`)
	require.NoError(t, s.Save(context.Background(), "conv-1", state))

	cp, found, err := s.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "conv-1", cp.ConversationID)
	assert.JSONEq(t, string(state), string(cp.State))
	assert.Equal(t, 30*time.Minute, cp.TTL)
	assert.Equal(t, 30*time.Minute, rdb.expiry[key("conv-1")])
}

func TestSaveIsLastWriterWins(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, time.Minute, zap.NewNop())

	require.NoError(t, s.Save(context.Background(), "conv-1", json.RawMessage(`{"turn":1}`)))
	require.NoError(t, s.Save(context.Background(), "conv-1", json.RawMessage(`{"turn":2}`)))

	cp, found, err := s.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"turn":2}`, string(cp.State))
}

func TestLoadAfterExpiryReportsNotFound(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, time.Minute, zap.NewNop())

	require.NoError(t, s.Save(context.Background(), "conv-1", json.RawMessage(`{}`)))
	rdb.expire("conv-1")

	cp, found, err := s.Load(context.Background(), "conv-1")
	require.NoError(t, err, "not-found is not an error")
	assert.False(t, found)
	assert.Nil(t, cp)
}

func TestSaveFailureIsTypedError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.failing = true
	s := NewStore(rdb, time.Minute, zap.NewNop())

	err := s.Save(context.Background(), "conv-1", json.RawMessage(`{}`))
	require.Error(t, err)

	var saveErr *SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.Equal(t, "conv-1", saveErr.ConversationID)
	assert.Contains(t, saveErr.Error(), "connection refused")
	assert.Error(t, saveErr.Unwrap())
}

func TestDeleteRemovesCheckpoint(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, time.Minute, zap.NewNop())

	require.NoError(t, s.Save(context.Background(), "conv-1", json.RawMessage(`{}`)))
	require.NoError(t, s.Delete(context.Background(), "conv-1"))

	_, found, err := s.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.False(t, found)
}
