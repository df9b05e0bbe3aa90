// Package checkpoint persists per-conversation execution state with a TTL.
//
// The store is storage only: writes are last-writer-wins upserts and
// serializing concurrent writers for one conversation is the caller's
// responsibility. Save failures are always a *SaveError carrying the root
// cause, never a bare boolean; a missing checkpoint on Load is not an error.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// checkpointStore is the minimal Redis surface used by Store.
// Defined here for testability; *redis.Client satisfies it.
type checkpointStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Checkpoint is one persisted snapshot of conversation state.
type Checkpoint struct {
	ConversationID string          `json:"conversation_id"`
	State          json.RawMessage `json:"state"`
	SavedAt        time.Time       `json:"saved_at"`
	TTL            time.Duration   `json:"ttl"`
}

// SaveError is the explicit checkpoint failure: it always carries the
// conversation and the root cause.
type SaveError struct {
	ConversationID string
	Err            error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("checkpoint save failed for conversation %s: %v", e.ConversationID, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// Store persists conversation checkpoints in Redis with auto-expiry.
type Store struct {
	rdb    checkpointStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a store whose checkpoints expire after ttl of inactivity.
func NewStore(rdb checkpointStore, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

func key(conversationID string) string {
	return "conv:checkpoint:" + conversationID
}

// Save upserts the checkpoint for conversationID (last-writer-wins) and
// resets its TTL. Any failure is returned as a *SaveError.
func (s *Store) Save(ctx context.Context, conversationID string, state json.RawMessage) error {
	if conversationID == "" {
		return &SaveError{ConversationID: conversationID, Err: fmt.Errorf("conversation id is required")}
	}

	cp := Checkpoint{
		ConversationID: conversationID,
		State:          state,
		SavedAt:        time.Now().UTC(),
		TTL:            s.ttl,
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return &SaveError{ConversationID: conversationID, Err: fmt.Errorf("marshal state: %w", err)}
	}

	if err := s.rdb.Set(ctx, key(conversationID), data, s.ttl).Err(); err != nil {
		return &SaveError{ConversationID: conversationID, Err: err}
	}

	s.logger.Debug("checkpoint saved",
		zap.String("conversation_id", conversationID),
		zap.Duration("ttl", s.ttl),
	)
	return nil
}

// Load returns the latest checkpoint for conversationID. A conversation with
// no checkpoint (never saved, or expired) returns (nil, false, nil).
func (s *Store) Load(ctx context.Context, conversationID string) (*Checkpoint, bool, error) {
	data, err := s.rdb.Get(ctx, key(conversationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load checkpoint for conversation %s: %w", conversationID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, false, fmt.Errorf("unmarshal checkpoint for conversation %s: %w", conversationID, err)
	}
	return &cp, true, nil
}

// Delete removes a conversation's checkpoint, for explicit conversation
// resets ahead of TTL expiry.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.rdb.Del(ctx, key(conversationID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint for conversation %s: %w", conversationID, err)
	}
	return nil
}
