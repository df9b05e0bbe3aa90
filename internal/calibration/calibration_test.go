package calibration

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConfigStore struct {
	data    map[string]string
	seq     int64
	failing bool
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{data: map[string]string{}}
}

func (f *fakeConfigStore) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.failing {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeConfigStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.failing {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	case int:
		f.data[key] = strconv.Itoa(v)
	default:
		f.data[key] = ""
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeConfigStore) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.failing {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.seq++
	return redis.NewIntResult(f.seq, nil)
}

func TestConfidenceMapping(t *testing.T) {
	cfg := &Config{Thresholds: map[string]float64{
		"property_search": 0.5,
		"booking":         0.8,
	}}

	// Threshold 0.5 leaves scores unchanged.
	assert.InDelta(t, 0.92, cfg.Confidence("property_search", 0.92), 1e-9)
	assert.InDelta(t, 0.10, cfg.Confidence("property_search", 0.10), 1e-9)

	// A score exactly at threshold maps to 0.5.
	assert.InDelta(t, 0.5, cfg.Confidence("booking", 0.8), 1e-9)
	assert.Less(t, cfg.Confidence("booking", 0.7), 0.5)
	assert.Greater(t, cfg.Confidence("booking", 0.9), 0.5)

	// Uncalibrated routes use the conservative threshold.
	assert.Less(t, cfg.Confidence("unknown_route", 0.85), 0.5)

	assert.Equal(t, float64(0), cfg.Confidence("booking", -0.2))
	assert.Equal(t, float64(1), cfg.Confidence("booking", 1.5))
}

func TestStorePutAssignsMonotonicVersions(t *testing.T) {
	rdb := newFakeConfigStore()
	s := NewStore(rdb, zap.NewNop())

	first, err := s.Put(context.Background(), Config{CorpusVersion: "c1", Thresholds: map[string]float64{"a": 0.7}})
	require.NoError(t, err)
	second, err := s.Put(context.Background(), Config{CorpusVersion: "c2", Thresholds: map[string]float64{"a": 0.6}})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
}

func TestStoreRefreshLoadsActiveConfig(t *testing.T) {
	rdb := newFakeConfigStore()
	s := NewStore(rdb, zap.NewNop())

	stored, err := s.Put(context.Background(), Config{CorpusVersion: "c1", Thresholds: map[string]float64{"a": 0.7}})
	require.NoError(t, err)

	// Nothing activated yet: still conservative.
	s.Refresh(context.Background())
	assert.Equal(t, 0, s.Current().Version)

	require.NoError(t, s.Activate(context.Background(), stored.Version))
	s.Refresh(context.Background())
	assert.Equal(t, stored.Version, s.Current().Version)
	assert.InDelta(t, 0.7, s.Current().Threshold("a"), 1e-9)
}

func TestStoreRefreshKeepsLastKnownGoodOnFailure(t *testing.T) {
	rdb := newFakeConfigStore()
	s := NewStore(rdb, zap.NewNop())

	stored, err := s.Put(context.Background(), Config{CorpusVersion: "c1", Thresholds: map[string]float64{"a": 0.7}})
	require.NoError(t, err)
	require.NoError(t, s.Activate(context.Background(), stored.Version))
	s.Refresh(context.Background())
	require.Equal(t, stored.Version, s.Current().Version)

	rdb.failing = true
	s.Refresh(context.Background())
	assert.Equal(t, stored.Version, s.Current().Version, "last known-good survives a failed refresh")
}

func TestStoreRefreshFallsBackToConservativeOnCorruptConfig(t *testing.T) {
	rdb := newFakeConfigStore()
	s := NewStore(rdb, zap.NewNop())

	rdb.data[keyActive] = "7"
	rdb.data["calib:config:7"] = "{corrupt"
	s.Refresh(context.Background())

	cfg := s.Current()
	assert.Equal(t, 0, cfg.Version)
	assert.Equal(t, "builtin-conservative", cfg.CorpusVersion)
	// Conservative config refuses weak scores.
	assert.Less(t, cfg.Confidence("anything", 0.8), 0.5)
}

func TestStoreShadowPointer(t *testing.T) {
	rdb := newFakeConfigStore()
	s := NewStore(rdb, zap.NewNop())

	stored, err := s.Put(context.Background(), Config{CorpusVersion: "c1", Thresholds: map[string]float64{"a": 0.4}})
	require.NoError(t, err)
	require.NoError(t, s.ActivateShadow(context.Background(), stored.Version))

	s.Refresh(context.Background())
	require.NotNil(t, s.Shadow())
	assert.Equal(t, stored.Version, s.Shadow().Version)

	require.NoError(t, s.ActivateShadow(context.Background(), 0))
	s.Refresh(context.Background())
	assert.Nil(t, s.Shadow())
}

type tableScorer struct {
	scores map[string]map[string]float64
}

func (t *tableScorer) RawScores(ctx context.Context, text string) map[string]float64 {
	return t.scores[text]
}

func TestCalibratorDerivesThresholdMeetingPrecision(t *testing.T) {
	// Route "rent": positives score high, one negative scores 0.55.
	scorer := &tableScorer{scores: map[string]map[string]float64{
		"flat in kyrenia":   {"rent": 0.90},
		"villa long term":   {"rent": 0.85},
		"studio near ege":   {"rent": 0.80},
		"buy me groceries":  {"rent": 0.55},
		"airport transfer":  {"rent": 0.20},
	}}
	corpus := []Sample{
		{Text: "flat in kyrenia", ExpectedRoute: "rent"},
		{Text: "villa long term", ExpectedRoute: "rent"},
		{Text: "studio near ege", ExpectedRoute: "rent"},
		{Text: "buy me groceries", ExpectedRoute: "errand"},
		{Text: "airport transfer", ExpectedRoute: "transfer"},
	}

	cal := NewCalibrator(scorer, zap.NewNop())
	cfg, err := cal.Calibrate(context.Background(), corpus, "corpus-v1", 0.99)
	require.NoError(t, err)

	threshold, ok := cfg.Thresholds["rent"]
	require.True(t, ok)
	// Must exclude the 0.55 negative, so threshold lands on the lowest
	// positive score that keeps precision at 1.0.
	assert.InDelta(t, 0.80, threshold, 1e-9)
	assert.Equal(t, "corpus-v1", cfg.CorpusVersion)
	assert.False(t, cfg.CreatedAt.IsZero())
	assert.Equal(t, 0, cfg.Version, "calibrate never assigns a version")
}

func TestCalibratorRejectsBadInput(t *testing.T) {
	cal := NewCalibrator(&tableScorer{}, zap.NewNop())

	_, err := cal.Calibrate(context.Background(), nil, "v", 0.9)
	require.Error(t, err)

	_, err = cal.Calibrate(context.Background(), []Sample{{Text: "x", ExpectedRoute: "a"}}, "v", 0)
	require.Error(t, err)
}
