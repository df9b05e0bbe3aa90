package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyVersionSeq = "calib:version_seq"
	keyActive     = "calib:active"
	keyShadow     = "calib:shadow"
	keyConfig     = "calib:config:%d"
)

// configStore is the minimal Redis surface used by Store.
// Defined here for testability; *redis.Client satisfies it.
type configStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Store persists versioned calibration configs and serves the active one to
// the router as an atomic in-memory snapshot.
type Store struct {
	rdb    configStore
	logger *zap.Logger

	current  atomic.Pointer[Config]
	shadow   atomic.Pointer[Config]
	lastGood atomic.Pointer[Config]
}

// NewStore creates a store. The in-memory snapshot starts conservative until
// the first successful Refresh.
func NewStore(rdb configStore, logger *zap.Logger) *Store {
	s := &Store{rdb: rdb, logger: logger}
	s.current.Store(Conservative())
	return s
}

// Put persists cfg under the next version number and returns the stored
// config. It never activates what it stores.
func (s *Store) Put(ctx context.Context, cfg Config) (*Config, error) {
	version, err := s.rdb.Incr(ctx, keyVersionSeq).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate calibration version: %w", err)
	}
	cfg.Version = int(version)

	data, err := json.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal calibration config: %w", err)
	}

	if err := s.rdb.Set(ctx, fmt.Sprintf(keyConfig, cfg.Version), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("persist calibration config v%d: %w", cfg.Version, err)
	}

	s.logger.Info("calibration config stored",
		zap.Int("version", cfg.Version),
		zap.String("corpus_version", cfg.CorpusVersion),
		zap.Int("routes", len(cfg.Thresholds)),
	)
	return &cfg, nil
}

// Activate marks version as the active config. This is the explicit deploy
// action; the router picks it up on the next refresh.
func (s *Store) Activate(ctx context.Context, version int) error {
	if err := s.rdb.Set(ctx, keyActive, version, 0).Err(); err != nil {
		return fmt.Errorf("activate calibration v%d: %w", version, err)
	}
	s.logger.Info("calibration config activated", zap.Int("version", version))
	return nil
}

// ActivateShadow marks version as the shadow config used for side-by-side
// comparison. Pass 0 to clear shadow mode.
func (s *Store) ActivateShadow(ctx context.Context, version int) error {
	if err := s.rdb.Set(ctx, keyShadow, version, 0).Err(); err != nil {
		return fmt.Errorf("activate shadow calibration v%d: %w", version, err)
	}
	return nil
}

// Current returns the active calibration snapshot. Never nil and never
// blocks: callers on the interactive path read whatever the last refresh
// produced.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Shadow returns the shadow snapshot, or nil when shadow mode is off.
func (s *Store) Shadow() *Config {
	return s.shadow.Load()
}

// Refresh reloads the active (and shadow) configs from Redis and atomically
// swaps the snapshots. On load failure the last known-good config stays in
// place; if there has never been one, the conservative builtin is used.
func (s *Store) Refresh(ctx context.Context) {
	cfg, err := s.loadPointer(ctx, keyActive)
	switch {
	case err == nil && cfg != nil:
		s.current.Store(cfg)
		s.lastGood.Store(cfg)
	case err != nil:
		if lastGood := s.lastGood.Load(); lastGood != nil {
			s.logger.Warn("calibration refresh failed, keeping last known-good",
				zap.Int("version", lastGood.Version),
				zap.Error(err),
			)
			s.current.Store(lastGood)
		} else {
			s.logger.Warn("calibration refresh failed with no known-good config, using conservative thresholds",
				zap.Error(err),
			)
			s.current.Store(Conservative())
		}
	}

	shadowCfg, err := s.loadPointer(ctx, keyShadow)
	if err != nil {
		s.logger.Debug("shadow calibration load failed", zap.Error(err))
		return
	}
	s.shadow.Store(shadowCfg)
}

// StartRefresh refreshes once immediately and then periodically until ctx is
// cancelled. The router never waits on this loop.
func (s *Store) StartRefresh(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
}

// loadPointer resolves a version pointer key to its config. A missing
// pointer yields (nil, nil): not an error, just nothing deployed yet.
func (s *Store) loadPointer(ctx context.Context, pointerKey string) (*Config, error) {
	raw, err := s.rdb.Get(ctx, pointerKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", pointerKey, err)
	}

	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return nil, fmt.Errorf("parse %s=%q: %w", pointerKey, raw, err)
	}
	if version == 0 {
		return nil, nil
	}

	data, err := s.rdb.Get(ctx, fmt.Sprintf(keyConfig, version)).Result()
	if err != nil {
		return nil, fmt.Errorf("load calibration config v%d: %w", version, err)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal calibration config v%d: %w", version, err)
	}
	return &cfg, nil
}
