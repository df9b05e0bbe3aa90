package router

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/templeobijnr/easy-islanders-assistant/internal/calibration"
)

// vecEmbedder maps known utterances to fixed vectors.
type vecEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (e *vecEmbedder) Embed(ctx context.Context, text string) []float32 {
	e.calls++
	if v, ok := e.vectors[text]; ok {
		return v
	}
	return []float32{0, 0, 1}
}

type fakeCalib struct {
	current *calibration.Config
	shadow  *calibration.Config
}

func (f *fakeCalib) Current() *calibration.Config { return f.current }
func (f *fakeCalib) Shadow() *calibration.Config  { return f.shadow }

type decisionSink struct {
	decisions []Decision
}

func (s *decisionSink) RecordDecision(d Decision) { s.decisions = append(s.decisions, d) }

// unitVec builds a unit vector whose cosine against axis i equals scores[i].
func unitVec(scores ...float64) []float32 {
	var sum float64
	for _, s := range scores {
		sum += s * s
	}
	rest := math.Sqrt(math.Max(0, 1-sum))
	out := make([]float32, len(scores)+1)
	for i, s := range scores {
		out[i] = float32(s)
	}
	out[len(scores)] = float32(rest)
	return out
}

func axisProfiles() *ProfileSet {
	return &ProfileSet{
		Version: "v1",
		Profiles: []Profile{
			{Route: "property_search", Centroids: [][]float32{{1, 0, 0}}},
			{Route: "lead_capture", Centroids: [][]float32{{0, 1, 0}}},
		},
	}
}

// identityCalib uses threshold 0.5, under which calibrated confidence equals
// the raw score.
func identityCalib() *fakeCalib {
	return &fakeCalib{current: &calibration.Config{
		Version: 3,
		Thresholds: map[string]float64{
			"property_search": 0.5,
			"lead_capture":    0.5,
		},
	}}
}

func defaultOpts() Options {
	return Options{MinConfidence: 0.6, Epsilon: 0.05}
}

func TestRouteDecidesHighConfidenceWinner(t *testing.T) {
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"2 bedroom apartment Kyrenia under 600": unitVec(0.92, 0.10),
	}}
	r, err := New(embedder, identityCalib(), axisProfiles(), nil, defaultOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	dec, err := r.Route(context.Background(), Request{
		Utterance: "2 bedroom apartment Kyrenia under 600",
		ThreadID:  "t-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "property_search", dec.Route)
	assert.InDelta(t, 0.92, dec.Confidence, 1e-3)
	assert.False(t, dec.Ambiguous)
	assert.False(t, dec.Unmatched)
	assert.Equal(t, "semantic", dec.Path)
	assert.Equal(t, "v1+calib-v3", dec.ModelVersion)
}

func TestRouteCloseConfidencesAreAlwaysAmbiguous(t *testing.T) {
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"something in between": unitVec(0.68, 0.65),
	}}
	r, err := New(embedder, identityCalib(), axisProfiles(), nil, defaultOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	dec, err := r.Route(context.Background(), Request{Utterance: "something in between", ThreadID: "t-1"})
	require.NoError(t, err)

	assert.True(t, dec.Ambiguous)
	assert.False(t, dec.Unmatched, "a close tie above the minimum is not a lead trigger")
	assert.Equal(t, []string{"property_search", "lead_capture"}, dec.Candidates)
}

func TestRouteLowConfidenceIsUnmatched(t *testing.T) {
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"completely unrelated": unitVec(0.30, 0.10),
	}}
	r, err := New(embedder, identityCalib(), axisProfiles(), nil, defaultOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	dec, err := r.Route(context.Background(), Request{Utterance: "completely unrelated", ThreadID: "t-1"})
	require.NoError(t, err)

	assert.True(t, dec.Ambiguous)
	assert.True(t, dec.Unmatched)
}

func TestRouteShadowNeverChangesProductionRoute(t *testing.T) {
	calib := identityCalib()
	// Shadow thresholds push lead_capture's confidence above
	// property_search's; the production decision must not move.
	calib.shadow = &calibration.Config{
		Version: 9,
		Thresholds: map[string]float64{
			"property_search": 0.95,
			"lead_capture":    0.05,
		},
	}

	embedder := &vecEmbedder{vectors: map[string][]float32{
		"shadow case": unitVec(0.80, 0.40),
	}}
	opts := defaultOpts()
	opts.ShadowEnabled = true
	sink := &decisionSink{}
	r, err := New(embedder, calib, axisProfiles(), nil, opts, sink, zap.NewNop())
	require.NoError(t, err)

	dec, err := r.Route(context.Background(), Request{Utterance: "shadow case", ThreadID: "t-1"})
	require.NoError(t, err)

	assert.Equal(t, "property_search", dec.Route)
	assert.NotEmpty(t, dec.ShadowRoute)
	assert.NotEqual(t, dec.Route, dec.ShadowRoute)
	require.Len(t, sink.decisions, 1)
	assert.Equal(t, dec.ShadowRoute, sink.decisions[0].ShadowRoute)
}

func TestRouteRolloutHashIsStablePerThread(t *testing.T) {
	candidate := &ProfileSet{
		Version: "v2-candidate",
		Profiles: []Profile{
			{Route: "property_search", Centroids: [][]float32{{1, 0, 0}}},
			{Route: "lead_capture", Centroids: [][]float32{{0, 1, 0}}},
		},
	}
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"q": unitVec(0.92, 0.10),
	}}

	opts := defaultOpts()
	opts.RolloutPercent = 50
	r, err := New(embedder, identityCalib(), axisProfiles(), candidate, opts, nil, zap.NewNop())
	require.NoError(t, err)

	first, err := r.Route(context.Background(), Request{Utterance: "q", ThreadID: "user-42"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Route(context.Background(), Request{Utterance: "q", ThreadID: "user-42"})
		require.NoError(t, err)
		assert.Equal(t, first.ModelVersion, again.ModelVersion, "one user sees one router version")
	}

	// At 100 percent everyone is on the candidate.
	opts.RolloutPercent = 100
	r100, err := New(embedder, identityCalib(), axisProfiles(), candidate, opts, nil, zap.NewNop())
	require.NoError(t, err)
	dec, err := r100.Route(context.Background(), Request{Utterance: "q", ThreadID: "anyone"})
	require.NoError(t, err)
	assert.Equal(t, "v2-candidate+calib-v3", dec.ModelVersion)
}

func TestRouteOverrideRuleSkipsEmbedding(t *testing.T) {
	embedder := &vecEmbedder{}
	opts := defaultOpts()
	opts.Rules = []Rule{
		{Condition: `request.utterance.contains("operator")`, Route: "human_handoff"},
	}
	r, err := New(embedder, identityCalib(), axisProfiles(), nil, opts, nil, zap.NewNop())
	require.NoError(t, err)

	dec, err := r.Route(context.Background(), Request{Utterance: "get me an operator", ThreadID: "t-1"})
	require.NoError(t, err)

	assert.Equal(t, "human_handoff", dec.Route)
	assert.Equal(t, "rule", dec.Path)
	assert.Equal(t, float64(1), dec.Confidence)
	assert.Equal(t, 0, embedder.calls)
}

func TestRouteLogsDecisionExactlyOnce(t *testing.T) {
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"q": unitVec(0.92, 0.10),
	}}
	core, logs := observer.New(zapcore.InfoLevel)
	sink := &decisionSink{}
	r, err := New(embedder, identityCalib(), axisProfiles(), nil, defaultOpts(), sink, zap.New(core))
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{Utterance: "q", ThreadID: "t-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("routing decision").Len())
	assert.Len(t, sink.decisions, 1)
}

func TestNewRejectsEmptyCandidateSet(t *testing.T) {
	candidate := &ProfileSet{Version: "v2-candidate"}
	opts := defaultOpts()
	opts.RolloutPercent = 10
	_, err := New(&vecEmbedder{}, identityCalib(), axisProfiles(), candidate, opts, nil, zap.NewNop())
	require.Error(t, err)
}

func TestNewRejectsInvalidRule(t *testing.T) {
	_, err := New(&vecEmbedder{}, identityCalib(), axisProfiles(), nil, Options{
		MinConfidence: 0.6,
		Epsilon:       0.05,
		Rules:         []Rule{{Condition: "request.utterance ==", Route: "x"}},
	}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestRawScoresUsesStableSet(t *testing.T) {
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"q": unitVec(0.75, 0.20),
	}}
	r, err := New(embedder, identityCalib(), axisProfiles(), nil, defaultOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	scores := r.RawScores(context.Background(), "q")
	assert.InDelta(t, 0.75, scores["property_search"], 1e-3)
	assert.InDelta(t, 0.20, scores["lead_capture"], 1e-3)
}
