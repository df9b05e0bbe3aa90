package calibration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Sample is one labeled corpus entry.
type Sample struct {
	Text          string `json:"text"`
	ExpectedRoute string `json:"expected_route"`
}

// Scorer produces raw per-route similarity scores for an utterance. The
// router's profile scorer satisfies this.
type Scorer interface {
	RawScores(ctx context.Context, text string) map[string]float64
}

// Calibrator derives per-route thresholds from a labeled corpus so that
// accepting scores at or above the threshold meets a target precision.
type Calibrator struct {
	scorer Scorer
	logger *zap.Logger
}

// NewCalibrator creates a calibrator over the given scorer.
func NewCalibrator(scorer Scorer, logger *zap.Logger) *Calibrator {
	return &Calibrator{scorer: scorer, logger: logger}
}

// Calibrate scores the whole corpus and derives, per route, the lowest
// threshold whose false-route rate stays within 1-targetPrecision. Routes
// that cannot meet the target at any threshold are left uncalibrated and
// fall back to the conservative default at lookup time.
//
// The returned config is unversioned (Version 0); Store.Put assigns the
// version, and activation is a separate explicit step.
func (c *Calibrator) Calibrate(ctx context.Context, corpus []Sample, corpusVersion string, targetPrecision float64) (*Config, error) {
	if len(corpus) == 0 {
		return nil, fmt.Errorf("calibrate: empty corpus")
	}
	if targetPrecision <= 0 || targetPrecision > 1 {
		return nil, fmt.Errorf("calibrate: target precision must be in (0,1], got %v", targetPrecision)
	}

	// Score every sample once; scores[route][i] pairs with corpus[i].
	routes := map[string]bool{}
	scored := make([]map[string]float64, len(corpus))
	for i, sample := range corpus {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		scored[i] = c.scorer.RawScores(ctx, sample.Text)
		routes[sample.ExpectedRoute] = true
	}

	thresholds := make(map[string]float64, len(routes))
	for route := range routes {
		t, ok := deriveThreshold(route, corpus, scored, targetPrecision)
		if !ok {
			c.logger.Warn("route cannot meet target precision at any threshold, leaving uncalibrated",
				zap.String("route", route),
				zap.Float64("target_precision", targetPrecision),
			)
			continue
		}
		thresholds[route] = t
	}

	cfg := &Config{
		CorpusVersion: corpusVersion,
		CreatedAt:     time.Now().UTC(),
		Thresholds:    thresholds,
	}

	c.logger.Info("calibration complete",
		zap.String("corpus_version", corpusVersion),
		zap.Int("corpus_size", len(corpus)),
		zap.Int("calibrated_routes", len(thresholds)),
	)
	return cfg, nil
}

// deriveThreshold finds the lowest candidate threshold for route whose
// false-route rate (accepted negatives / all accepted) is within the bound.
func deriveThreshold(route string, corpus []Sample, scored []map[string]float64, targetPrecision float64) (float64, bool) {
	maxFalseRate := 1 - targetPrecision

	candidates := make([]float64, 0, len(corpus))
	for i := range corpus {
		if s, ok := scored[i][route]; ok {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Float64s(candidates)

	for _, t := range candidates {
		var accepted, falseAccepted int
		for i, sample := range corpus {
			s, ok := scored[i][route]
			if !ok || s < t {
				continue
			}
			accepted++
			if sample.ExpectedRoute != route {
				falseAccepted++
			}
		}
		if accepted == 0 {
			continue
		}
		if float64(falseAccepted)/float64(accepted) <= maxFalseRate {
			return t, true
		}
	}
	return 0, false
}
