// Package metrics aggregates routing and broadcast counters for the health
// endpoint and the structured decision log.
package metrics

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/templeobijnr/easy-islanders-assistant/internal/router"
)

// Snapshot is the point-in-time view served by the health endpoint.
type Snapshot struct {
	Decisions          int64   `json:"decisions"`
	Ambiguous          int64   `json:"ambiguous"`
	Unmatched          int64   `json:"unmatched"`
	RuleDecisions      int64   `json:"rule_decisions"`
	ShadowComparisons  int64   `json:"shadow_comparisons"`
	ShadowDivergence   int64   `json:"shadow_divergence"`
	ShadowRate         float64 `json:"shadow_rate"`
	RateLimitDenials   int64   `json:"rate_limit_denials"`
	BroadcastBatches   int64   `json:"broadcast_batches"`
	BroadcastAborted   int64   `json:"broadcast_aborted"`
	RecipientsNotified int64   `json:"recipients_notified"`
	RecipientsFailed   int64   `json:"recipients_failed"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
}

// Collector counts decisions and batch outcomes. All methods are safe for
// concurrent use; counters are atomics, events go to the structured log.
type Collector struct {
	decisions         atomic.Int64
	ambiguous         atomic.Int64
	unmatched         atomic.Int64
	ruleDecisions     atomic.Int64
	shadowComparisons atomic.Int64
	shadowDivergence  atomic.Int64
	rateLimitDenials  atomic.Int64
	batches           atomic.Int64
	batchesAborted    atomic.Int64
	notified          atomic.Int64
	failed            atomic.Int64

	startedAt time.Time
	logger    *zap.Logger
}

// NewCollector creates a collector. Uptime is measured from this call.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{
		startedAt: time.Now(),
		logger:    logger,
	}
}

// RecordDecision counts one routing decision. The decision log event itself
// is emitted by the router, which has the request context; the collector
// only aggregates. Divergence means the shadow model chose a different
// route than the one served.
func (c *Collector) RecordDecision(d router.Decision) {
	c.decisions.Add(1)
	if d.Ambiguous {
		c.ambiguous.Add(1)
	}
	if d.Unmatched {
		c.unmatched.Add(1)
	}
	if d.Path == "rule" {
		c.ruleDecisions.Add(1)
	}
	if d.ShadowRoute != "" {
		c.shadowComparisons.Add(1)
		if d.ShadowRoute != d.Route {
			c.shadowDivergence.Add(1)
		}
	}
}

// RecordRateLimitDenial counts one denied routing request.
func (c *Collector) RecordRateLimitDenial(threadID string) {
	c.rateLimitDenials.Add(1)
	c.logger.Warn("request rate limited", zap.String("thread_id", threadID))
}

// RecordBroadcast counts one settled batch.
func (c *Collector) RecordBroadcast(aborted bool, enqueued, failed int) {
	c.batches.Add(1)
	if aborted {
		c.batchesAborted.Add(1)
		return
	}
	c.notified.Add(int64(enqueued - failed))
	c.failed.Add(int64(failed))
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Decisions:          c.decisions.Load(),
		Ambiguous:          c.ambiguous.Load(),
		Unmatched:          c.unmatched.Load(),
		RuleDecisions:      c.ruleDecisions.Load(),
		ShadowComparisons:  c.shadowComparisons.Load(),
		ShadowDivergence:   c.shadowDivergence.Load(),
		RateLimitDenials:   c.rateLimitDenials.Load(),
		BroadcastBatches:   c.batches.Load(),
		BroadcastAborted:   c.batchesAborted.Load(),
		RecipientsNotified: c.notified.Load(),
		RecipientsFailed:   c.failed.Load(),
		UptimeSeconds:      int64(time.Since(c.startedAt).Seconds()),
	}
	if s.ShadowComparisons > 0 {
		s.ShadowRate = float64(s.ShadowDivergence) / float64(s.ShadowComparisons)
	}
	return s
}
