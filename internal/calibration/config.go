package calibration

import "time"

// conservativeThreshold is used when a route has no calibrated threshold.
// High on purpose: an uncalibrated route should lose to AMBIGUOUS rather
// than win on a weak score.
const conservativeThreshold = 0.9

// Config maps routes to calibrated score thresholds. Configs are immutable
// once created; a new calibration run produces a new Version.
type Config struct {
	Version       int                `json:"version"`
	CorpusVersion string             `json:"corpus_version"`
	CreatedAt     time.Time          `json:"created_at"`
	Thresholds    map[string]float64 `json:"thresholds"`
}

// Threshold returns the calibrated threshold for route, or the conservative
// default when the route was never calibrated.
func (c *Config) Threshold(route string) float64 {
	if c == nil {
		return conservativeThreshold
	}
	if t, ok := c.Thresholds[route]; ok {
		return t
	}
	return conservativeThreshold
}

// Confidence maps a raw similarity score through the route's threshold to a
// calibrated confidence in [0,1]. The map is piecewise linear with the
// threshold anchored at 0.5, so a score exactly at threshold is a coin flip
// and a threshold of 0.5 leaves scores unchanged.
func (c *Config) Confidence(route string, score float64) float64 {
	t := c.Threshold(route)
	switch {
	case score <= 0:
		return 0
	case score >= 1:
		return 1
	case score < t:
		return 0.5 * score / t
	case t >= 1:
		return 0.5
	default:
		return 0.5 + 0.5*(score-t)/(1-t)
	}
}

// Conservative returns the builtin fallback config used when nothing could
// be loaded.
func Conservative() *Config {
	return &Config{
		Version:       0,
		CorpusVersion: "builtin-conservative",
		CreatedAt:     time.Time{},
		Thresholds:    map[string]float64{},
	}
}
