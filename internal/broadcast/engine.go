package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/templeobijnr/easy-islanders-assistant/internal/lead"
	"github.com/templeobijnr/easy-islanders-assistant/internal/notify"
	"github.com/templeobijnr/easy-islanders-assistant/internal/retry"
)

// abortThreshold is the failure-rate gate: a batch failing on more than
// half of its recipients is treated as systemically broken and rolled back.
const abortThreshold = 0.5

// manualReviewStream receives recipients whose delivery failed permanently.
const manualReviewStream = "leads.manual-review"

// DefaultTemplate is the notification body used when a job carries no
// template of its own.
const DefaultTemplate = "New {{uppercase intent}} lead: {{default utterance \"(no details)\"}}"

// AbortError reports a batch abandoned by the failure-rate gate. The audit
// transaction was rolled back, so the batch left no SENT rows behind.
type AbortError struct {
	BatchID     string
	FailureRate float64
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("batch %s aborted: failure rate %.2f exceeds %.2f", e.BatchID, e.FailureRate, abortThreshold)
}

// Summary is the recorded outcome of one broadcast batch.
type Summary struct {
	BatchID          string   `json:"batch_id"`
	LeadID           string   `json:"lead_id"`
	Enqueued         int      `json:"enqueued"`
	Failed           int      `json:"failed"`
	FailureRate      float64  `json:"failure_rate"`
	Aborted          bool     `json:"aborted"`
	FailedRecipients []string `json:"failed_recipients,omitempty"`
}

// escalator is the slice of redis used for manual-review escalation.
type escalator interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Recorder receives batch outcomes for metrics. May be nil.
type Recorder interface {
	RecordBroadcast(aborted bool, enqueued, failed int)
}

// Options tunes the engine's fan-out and per-attempt behavior.
type Options struct {
	Concurrency int
	SendTimeout time.Duration
	Retry       retry.Policy
}

// Engine runs one broadcast batch end to end: fan-out, per-recipient retry,
// failure-rate gate, audit commit, escalation.
type Engine struct {
	notifier  notify.Notifier
	templates *notify.TemplateEngine
	ledger    *lead.Ledger
	escalator escalator
	recorder  Recorder
	opts      Options
	logger    *zap.Logger
}

// NewEngine creates a broadcast engine. recorder may be nil.
func NewEngine(
	notifier notify.Notifier,
	templates *notify.TemplateEngine,
	ledger *lead.Ledger,
	esc escalator,
	recorder Recorder,
	opts Options,
	logger *zap.Logger,
) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}

	return &Engine{
		notifier:  notifier,
		templates: templates,
		ledger:    ledger,
		escalator: esc,
		recorder:  recorder,
		opts:      opts,
		logger:    logger,
	}
}

// attemptResult is the settled outcome for one recipient.
type attemptResult struct {
	recipientID string
	medium      string
	status      string
	attempts    int
	lastErr     string
}

func (r attemptResult) failed() bool {
	return r.status != lead.AttemptSent
}

// Run executes one batch. All recipient attempts resolve before any
// bookkeeping is written; the audit transaction commits a mixed batch or
// rolls the whole thing back, never something in between.
func (e *Engine) Run(ctx context.Context, batchID string, ld lead.Lead, recipients []lead.Recipient, template string) (*Summary, error) {
	if template == "" {
		template = DefaultTemplate
	}

	body, err := e.templates.Render(template, templateData(ld))
	if err != nil {
		return nil, fmt.Errorf("render broadcast message for lead %s: %w", ld.ID, err)
	}

	if err := e.ledger.SetLeadStatus(ctx, ld.ID, lead.StatusBroadcasting, nil); err != nil {
		return nil, err
	}

	e.logger.Info("broadcast batch started",
		zap.String("batch_id", batchID),
		zap.String("lead_id", ld.ID),
		zap.Int("recipients", len(recipients)),
	)

	results := make([]attemptResult, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, rcpt := range recipients {
		i, rcpt := i, rcpt
		g.Go(func() error {
			results[i] = e.attempt(gctx, rcpt, body)
			return nil
		})
	}
	_ = g.Wait() // attempt never returns an error; failures live in results

	summary, err := e.settle(ctx, batchID, ld, results)
	if err != nil {
		return nil, err
	}

	if e.recorder != nil {
		e.recorder.RecordBroadcast(summary.Aborted, summary.Enqueued, summary.Failed)
	}
	if summary.Aborted {
		return summary, &AbortError{BatchID: batchID, FailureRate: summary.FailureRate}
	}
	return summary, nil
}

// attempt resolves, sends, and retries for one recipient. It always returns
// a settled result; errors are classified, never propagated.
func (e *Engine) attempt(ctx context.Context, rcpt lead.Recipient, body string) attemptResult {
	contact, ok := rcpt.ResolveContact()
	if !ok {
		return attemptResult{
			recipientID: rcpt.ID,
			status:      lead.AttemptFailedHard,
			attempts:    0,
			lastErr:     "no contact destination",
		}
	}

	attempts, err := e.opts.Retry.Do(ctx, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
		defer cancel()

		sendErr := e.notifier.Send(sendCtx, contact, body)
		if sendErr == nil {
			return nil
		}
		if notify.IsHard(sendErr) {
			return retry.Permanent(sendErr)
		}
		// Timeouts and provider hiccups are transient and retriable.
		return sendErr
	})

	res := attemptResult{
		recipientID: rcpt.ID,
		medium:      contact.Medium,
		attempts:    attempts,
	}
	switch {
	case err == nil:
		res.status = lead.AttemptSent
	case notify.IsHard(err):
		res.status = lead.AttemptFailedHard
		res.lastErr = err.Error()
	default:
		res.status = lead.AttemptPendingRetry
		res.lastErr = err.Error()
	}
	return res
}

// settle is the single synchronization point: it computes the failure rate,
// then either commits all audit rows or rolls everything back. On a commit
// error the batch did not settle and no summary is produced.
func (e *Engine) settle(ctx context.Context, batchID string, ld lead.Lead, results []attemptResult) (*Summary, error) {
	summary := &Summary{
		BatchID:  batchID,
		LeadID:   ld.ID,
		Enqueued: len(results),
	}

	var contacted []string
	for _, res := range results {
		if res.failed() {
			summary.Failed++
			summary.FailedRecipients = append(summary.FailedRecipients, res.recipientID)
		} else {
			contacted = append(contacted, res.recipientID)
		}
	}
	if summary.Enqueued > 0 {
		summary.FailureRate = float64(summary.Failed) / float64(summary.Enqueued)
	}
	summary.Aborted = summary.FailureRate > abortThreshold

	err := e.ledger.BatchScope(ctx, func(w *lead.BatchWriter) error {
		for _, res := range results {
			attempt := lead.BroadcastAttempt{
				BatchID:      batchID,
				LeadID:       ld.ID,
				RecipientID:  res.recipientID,
				Medium:       res.medium,
				Status:       res.status,
				AttemptCount: res.attempts,
				LastError:    res.lastErr,
			}
			if err := w.AddAttempt(attempt); err != nil {
				return err
			}
		}
		if summary.Aborted {
			return &AbortError{BatchID: batchID, FailureRate: summary.FailureRate}
		}
		return w.SetLeadStatus(ld.ID, lead.StatusNotified, contacted)
	})

	if summary.Aborted {
		// The rollback above erased the batch's rows; only the lead's
		// terminal status survives.
		if err := e.ledger.SetLeadStatus(ctx, ld.ID, lead.StatusFailed, nil); err != nil {
			e.logger.Error("failed to mark aborted lead",
				zap.String("lead_id", ld.ID),
				zap.Error(err),
			)
		}
		e.logger.Warn("broadcast batch aborted",
			zap.String("batch_id", batchID),
			zap.String("lead_id", ld.ID),
			zap.Float64("failure_rate", summary.FailureRate),
		)
		e.escalateFailures(ctx, batchID, ld.ID, results)
		return summary, nil
	}

	if err != nil {
		e.logger.Error("broadcast audit commit failed",
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("commit audit rows for batch %s: %w", batchID, err)
	}

	e.logger.Info("broadcast batch committed",
		zap.String("batch_id", batchID),
		zap.String("lead_id", ld.ID),
		zap.Int("sent", summary.Enqueued-summary.Failed),
		zap.Int("failed", summary.Failed),
	)

	e.escalateFailures(ctx, batchID, ld.ID, results)
	return summary, nil
}

// escalateFailures pushes permanently failed recipients to the
// manual-review stream. Failures are logged and skipped, never dropped
// silently and never fatal to the batch.
func (e *Engine) escalateFailures(ctx context.Context, batchID, leadID string, results []attemptResult) {
	for _, res := range results {
		if !res.failed() {
			continue
		}
		err := e.escalator.XAdd(ctx, &redis.XAddArgs{
			Stream: manualReviewStream,
			Values: map[string]interface{}{
				"batch_id":     batchID,
				"lead_id":      leadID,
				"recipient_id": res.recipientID,
				"medium":       res.medium,
				"status":       res.status,
				"error":        res.lastErr,
			},
		}).Err()
		if err != nil {
			e.logger.Error("failed to escalate recipient",
				zap.String("batch_id", batchID),
				zap.String("recipient_id", res.recipientID),
				zap.Error(err),
			)
		}
	}
}

// templateData flattens the lead into template variables. Criteria keys are
// merged at the top level alongside intent and utterance.
func templateData(ld lead.Lead) map[string]interface{} {
	data := make(map[string]interface{}, len(ld.Criteria)+2)
	for k, v := range ld.Criteria {
		data[k] = v
	}
	data["intent"] = ld.IntentType
	data["utterance"] = ld.Utterance
	return data
}

// marshalSummary encodes a summary for the result store.
func marshalSummary(s *Summary) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal batch summary %s: %w", s.BatchID, err)
	}
	return string(raw), nil
}
