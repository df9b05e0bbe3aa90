package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/templeobijnr/easy-islanders-assistant/internal/calibration"
)

// Embedder turns text into a fixed-dimension vector and never fails
// (degrading instead). The embedding gateway satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// CalibrationSource serves the active and shadow calibration snapshots.
// Defined here for testability; *calibration.Store satisfies it.
type CalibrationSource interface {
	Current() *calibration.Config
	Shadow() *calibration.Config
}

// Recorder receives routing decisions for metrics.
type Recorder interface {
	RecordDecision(d Decision)
}

// Profile is one route's exemplar centroid set. Score is the max cosine
// similarity over the centroids.
type Profile struct {
	Route     string
	Centroids [][]float32
}

// ProfileSet is a versioned collection of route profiles: one router "model
// version" for rollout purposes.
type ProfileSet struct {
	Version  string
	Profiles []Profile
}

// Options are the routing tuning parameters. MinConfidence and Epsilon are
// operational inputs, not constants.
type Options struct {
	MinConfidence  float64
	Epsilon        float64
	RolloutPercent int
	ShadowEnabled  bool
	Rules          []Rule
}

// Router performs intent classification.
type Router struct {
	embedder  Embedder
	calib     CalibrationSource
	rules     *RuleEvaluator
	stable    *ProfileSet
	candidate *ProfileSet
	opts      Options
	metrics   Recorder
	logger    *zap.Logger
}

// New creates a router over the stable profile set. candidate may be nil
// when no staged rollout is in progress; metrics may be nil.
func New(embedder Embedder, calib CalibrationSource, stable *ProfileSet, candidate *ProfileSet, opts Options, metrics Recorder, logger *zap.Logger) (*Router, error) {
	if stable == nil || len(stable.Profiles) == 0 {
		return nil, fmt.Errorf("router: stable profile set must not be empty")
	}
	if opts.RolloutPercent > 0 && candidate == nil {
		return nil, fmt.Errorf("router: rollout percent %d set without a candidate profile set", opts.RolloutPercent)
	}
	if candidate != nil && len(candidate.Profiles) == 0 {
		return nil, fmt.Errorf("router: candidate profile set must not be empty")
	}

	rules, err := NewRuleEvaluator()
	if err != nil {
		return nil, err
	}
	for i, rule := range opts.Rules {
		if err := rules.Validate(rule.Condition); err != nil {
			return nil, fmt.Errorf("router: rule %d: %w", i, err)
		}
		if rule.Route == "" {
			return nil, fmt.Errorf("router: rule %d: route is required", i)
		}
	}

	return &Router{
		embedder:  embedder,
		calib:     calib,
		rules:     rules,
		stable:    stable,
		candidate: candidate,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Route classifies req. Ambiguity is a first-class outcome, not an error.
func (r *Router) Route(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()

	r.logger.Debug("routing request",
		zap.String("thread_id", req.ThreadID),
		zap.String("stage", string(StageReceived)),
	)

	set := r.profileSetFor(req.ThreadID)
	cfg := r.calib.Current()
	modelVersion := fmt.Sprintf("%s+calib-v%d", set.Version, cfg.Version)

	// Phase 1: deterministic override rules, no embedding call needed.
	if dec := r.tryRules(ctx, req, modelVersion); dec != nil {
		dec.LatencyMS = time.Since(start).Milliseconds()
		r.finish(req, dec)
		return dec, nil
	}

	// Phase 2: semantic scoring.
	vec := r.embedder.Embed(ctx, req.Utterance)
	r.logger.Debug("utterance embedded",
		zap.String("thread_id", req.ThreadID),
		zap.String("stage", string(StageEmbedded)),
	)

	scores := scoreVector(vec, set)
	r.logger.Debug("routes scored",
		zap.String("thread_id", req.ThreadID),
		zap.String("stage", string(StageScored)),
		zap.Int("routes", len(scores)),
	)

	dec := r.decide(scores, cfg, modelVersion)

	// Shadow evaluation reuses the raw scores: same request, alternate
	// thresholds, zero influence on the production decision.
	if r.opts.ShadowEnabled {
		if shadowCfg := r.calib.Shadow(); shadowCfg != nil {
			shadow := r.decide(scores, shadowCfg, modelVersion)
			dec.ShadowRoute = shadow.Route
			dec.ShadowConfidence = shadow.Confidence
			if shadow.Ambiguous {
				dec.ShadowRoute = "" // shadow declined to decide
			}
		}
	}

	dec.LatencyMS = time.Since(start).Milliseconds()
	r.finish(req, dec)
	return dec, nil
}

// RawScores implements calibration.Scorer against the stable profile set.
func (r *Router) RawScores(ctx context.Context, text string) map[string]float64 {
	return scoreVector(r.embedder.Embed(ctx, text), r.stable)
}

// tryRules evaluates the override rules in order; the first match decides.
// Rule errors are logged and skipped, matching nothing.
func (r *Router) tryRules(ctx context.Context, req Request, modelVersion string) *Decision {
	for i, rule := range r.opts.Rules {
		matched, err := r.rules.Match(ctx, rule.Condition, req)
		if err != nil {
			r.logger.Warn("override rule evaluation failed",
				zap.Int("rule_index", i),
				zap.String("condition", rule.Condition),
				zap.Error(err),
			)
			continue
		}
		if matched {
			return &Decision{
				Route:        rule.Route,
				Confidence:   1,
				ModelVersion: modelVersion,
				Path:         "rule",
			}
		}
	}
	return nil
}

// decide maps raw scores through cfg and applies the ambiguity policy.
func (r *Router) decide(scores map[string]float64, cfg *calibration.Config, modelVersion string) *Decision {
	type scored struct {
		route      string
		confidence float64
	}

	ranked := make([]scored, 0, len(scores))
	for route, raw := range scores {
		ranked = append(ranked, scored{route: route, confidence: cfg.Confidence(route, raw)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].confidence != ranked[j].confidence {
			return ranked[i].confidence > ranked[j].confidence
		}
		return ranked[i].route < ranked[j].route // stable order on exact ties
	})

	top := ranked[0]
	var second scored
	if len(ranked) > 1 {
		second = ranked[1]
	}

	candidates := []string{top.route}
	if second.route != "" {
		candidates = append(candidates, second.route)
	}

	if top.confidence < r.opts.MinConfidence {
		return &Decision{
			Route:        top.route,
			Confidence:   top.confidence,
			Ambiguous:    true,
			Unmatched:    true,
			Candidates:   candidates,
			ModelVersion: modelVersion,
			Path:         "semantic",
		}
	}

	if len(ranked) > 1 && top.confidence-second.confidence < r.opts.Epsilon {
		return &Decision{
			Route:        top.route,
			Confidence:   top.confidence,
			Ambiguous:    true,
			Candidates:   candidates,
			ModelVersion: modelVersion,
			Path:         "semantic",
		}
	}

	return &Decision{
		Route:        top.route,
		Confidence:   top.confidence,
		ModelVersion: modelVersion,
		Path:         "semantic",
	}
}

// profileSetFor selects stable vs candidate with a stable per-user hash, so
// one user keeps one router version across their whole session.
func (r *Router) profileSetFor(threadID string) *ProfileSet {
	if r.candidate == nil || r.opts.RolloutPercent <= 0 {
		return r.stable
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	if int(h.Sum32()%100) < r.opts.RolloutPercent {
		return r.candidate
	}
	return r.stable
}

func (r *Router) finish(req Request, dec *Decision) {
	stage := StageDecided
	if dec.Ambiguous {
		stage = StageAmbiguous
	}

	fields := []zap.Field{
		zap.String("thread_id", req.ThreadID),
		zap.String("stage", string(stage)),
		zap.String("route", dec.Route),
		zap.Float64("confidence", dec.Confidence),
		zap.Bool("ambiguous", dec.Ambiguous),
		zap.String("model_version", dec.ModelVersion),
		zap.String("path", dec.Path),
		zap.Int64("latency_ms", dec.LatencyMS),
	}
	if dec.ShadowRoute != "" || dec.ShadowConfidence != 0 {
		fields = append(fields,
			zap.String("shadow_route", dec.ShadowRoute),
			zap.Float64("shadow_confidence", dec.ShadowConfidence),
		)
	}
	r.logger.Info("routing decision", fields...)

	if r.metrics != nil {
		r.metrics.RecordDecision(*dec)
	}
}

// scoreVector computes the raw per-route score: max cosine similarity of vec
// against each profile's centroids.
func scoreVector(vec []float32, set *ProfileSet) map[string]float64 {
	scores := make(map[string]float64, len(set.Profiles))
	for _, p := range set.Profiles {
		best := 0.0
		for _, c := range p.Centroids {
			if s := cosine(vec, c); s > best {
				best = s
			}
		}
		scores[p.Route] = best
	}
	return scores
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
