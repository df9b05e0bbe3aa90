// Package worker consumes routing requests from the inbound stream, runs
// them through the intent router, and publishes decisions. Unmatched
// requests become leads and are handed to the broadcast dispatcher.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/templeobijnr/easy-islanders-assistant/internal/checkpoint"
	"github.com/templeobijnr/easy-islanders-assistant/internal/config"
	"github.com/templeobijnr/easy-islanders-assistant/internal/lead"
	"github.com/templeobijnr/easy-islanders-assistant/internal/metrics"
	"github.com/templeobijnr/easy-islanders-assistant/internal/ratelimit"
	"github.com/templeobijnr/easy-islanders-assistant/internal/router"
)

// rateLimitKeyPrefix scopes rate-limit counters per conversation thread.
const rateLimitKeyPrefix = "rate:thread:"

// streamClient is the slice of redis the worker uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Broadcaster queues a lead for asynchronous distribution.
type Broadcaster interface {
	Enqueue(ctx context.Context, ld lead.Lead, recipients []lead.Recipient, template string) (string, error)
}

// routeRequest is the wire form of one inbound routing request. Candidate
// recipients are supplied by the marketplace layer and only used when the
// request goes unmatched.
type routeRequest struct {
	Utterance           string             `json:"utterance"`
	ThreadID            string             `json:"thread_id"`
	Context             router.ContextHint `json:"context_hint"`
	CandidateRecipients []lead.Recipient   `json:"candidate_recipients,omitempty"`
}

// decisionEvent is the published outcome for one request.
type decisionEvent struct {
	ThreadID string          `json:"thread_id"`
	Decision router.Decision `json:"decision"`
	LeadID   string          `json:"lead_id,omitempty"`
	BatchID  string          `json:"batch_id,omitempty"`
}

// Worker is the routing stream consumer.
type Worker struct {
	id          string
	rdb         streamClient
	router      *router.Router
	limiter     *ratelimit.Limiter
	checkpoints *checkpoint.Store
	ledger      *lead.Ledger
	broadcaster Broadcaster
	collector   *metrics.Collector
	logger      *zap.Logger

	routeStream    string
	decisionStream string
	errorStream    string
	consumerGroup  string
	blockTime      time.Duration
	rateWindow     time.Duration
	rateMax        int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the worker from its wired components.
func New(
	cfg *config.Config,
	rdb streamClient,
	rt *router.Router,
	limiter *ratelimit.Limiter,
	checkpoints *checkpoint.Store,
	ledger *lead.Ledger,
	broadcaster Broadcaster,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		id:             cfg.WorkerID,
		rdb:            rdb,
		router:         rt,
		limiter:        limiter,
		checkpoints:    checkpoints,
		ledger:         ledger,
		broadcaster:    broadcaster,
		collector:      collector,
		logger:         logger,
		routeStream:    cfg.RouteStream,
		decisionStream: cfg.DecisionStream,
		errorStream:    cfg.DecisionStream + ".errors",
		consumerGroup:  cfg.ConsumerGroup,
		blockTime:      cfg.BlockTime,
		rateWindow:     cfg.RateLimitWindow,
		rateMax:        cfg.RateLimitMax,
	}
}

// Start creates the consumer group and launches the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.routeStream, w.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create routing consumer group: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consume(ctx)
	}()

	w.logger.Info("routing worker started",
		zap.String("worker_id", w.id),
		zap.String("stream", w.routeStream),
		zap.String("consumer_group", w.consumerGroup),
	)
	return nil
}

// Stop cancels the consume loop and waits for the in-flight message.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("routing worker stopped", zap.String("worker_id", w.id))
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.consumerGroup,
			Consumer: w.id,
			Streams:  []string{w.routeStream, ">"},
			Count:    1,
			Block:    w.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error("failed to read routing stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				w.handleMessage(ctx, message)
			}
		}
	}
}

// handleMessage processes one routing request end to end. The message is
// always acknowledged: malformed or failed requests are reported on the
// error stream, not redelivered forever.
func (w *Worker) handleMessage(ctx context.Context, message redis.XMessage) {
	defer func() {
		if err := w.rdb.XAck(ctx, w.routeStream, w.consumerGroup, message.ID).Err(); err != nil {
			w.logger.Error("failed to ack routing message",
				zap.String("message_id", message.ID),
				zap.Error(err),
			)
		}
	}()

	req, err := parseRequest(message.Values)
	if err != nil {
		w.logger.Error("failed to parse routing request",
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		w.publishError(ctx, "", "malformed_request", err)
		return
	}

	if !w.limiter.Allow(ctx, rateLimitKeyPrefix+req.ThreadID, w.rateWindow, w.rateMax) {
		w.collector.RecordRateLimitDenial(req.ThreadID)
		w.publishError(ctx, req.ThreadID, "rate_limited", nil)
		return
	}

	if err := w.process(ctx, req); err != nil {
		w.logger.Error("failed to process routing request",
			zap.String("message_id", message.ID),
			zap.String("thread_id", req.ThreadID),
			zap.Error(err),
		)
		w.publishError(ctx, req.ThreadID, "processing_failed", err)
	}
}

func (w *Worker) process(ctx context.Context, req *routeRequest) error {
	decision, err := w.router.Route(ctx, router.Request{
		Utterance: req.Utterance,
		ThreadID:  req.ThreadID,
		Context:   req.Context,
	})
	if err != nil {
		return fmt.Errorf("route request: %w", err)
	}

	event := decisionEvent{
		ThreadID: req.ThreadID,
		Decision: *decision,
	}

	if decision.Unmatched {
		leadID, batchID, err := w.captureLead(ctx, req, decision)
		if err != nil {
			// The decision still goes out; lead capture failure is
			// reported separately so the request is not lost silently.
			w.logger.Error("lead capture failed",
				zap.String("thread_id", req.ThreadID),
				zap.Error(err),
			)
			w.publishError(ctx, req.ThreadID, "lead_capture_failed", err)
		} else {
			event.LeadID = leadID
			event.BatchID = batchID
		}
	}

	if err := w.publishDecision(ctx, event); err != nil {
		return err
	}

	w.saveCheckpoint(ctx, req, decision)
	return nil
}

// captureLead persists the unmatched request and queues its broadcast.
// The lead's criteria carry the context hint so recipients can be told
// where and in which language the request originated.
func (w *Worker) captureLead(ctx context.Context, req *routeRequest, decision *router.Decision) (leadID, batchID string, err error) {
	if len(req.CandidateRecipients) == 0 {
		return "", "", fmt.Errorf("unmatched request has no candidate recipients")
	}

	criteria := map[string]string{"intent": decision.Route}
	if req.Context.Locale != "" {
		criteria["locale"] = req.Context.Locale
	}
	if req.Context.GeoRegion != "" {
		criteria["geo_region"] = req.Context.GeoRegion
	}

	ld := lead.Lead{
		ID:         uuid.NewString(),
		IntentType: decision.Route,
		Utterance:  req.Utterance,
		Criteria:   criteria,
	}
	if err := w.ledger.CreateLead(ctx, ld); err != nil {
		return "", "", err
	}

	batchID, err = w.broadcaster.Enqueue(ctx, ld, req.CandidateRecipients, "")
	if err != nil {
		return "", "", fmt.Errorf("enqueue broadcast for lead %s: %w", ld.ID, err)
	}

	w.logger.Info("lead captured",
		zap.String("thread_id", req.ThreadID),
		zap.String("lead_id", ld.ID),
		zap.String("batch_id", batchID),
		zap.Int("recipients", len(req.CandidateRecipients)),
	)
	return ld.ID, batchID, nil
}

func (w *Worker) publishDecision(ctx context.Context, event decisionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal decision event: %w", err)
	}

	err = w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: w.decisionStream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish decision: %w", err)
	}

	w.logger.Debug("decision published",
		zap.String("thread_id", event.ThreadID),
		zap.String("route", event.Decision.Route),
		zap.String("stage", string(router.StageResponded)),
	)
	return nil
}

func (w *Worker) publishError(ctx context.Context, threadID, reason string, cause error) {
	values := map[string]interface{}{
		"thread_id": threadID,
		"reason":    reason,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		values["error"] = cause.Error()
	}

	if err := w.rdb.XAdd(ctx, &redis.XAddArgs{Stream: w.errorStream, Values: values}).Err(); err != nil {
		w.logger.Error("failed to publish error event",
			zap.String("thread_id", threadID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// checkpointState is the conversation state persisted after each decision.
type checkpointState struct {
	LastRoute      string    `json:"last_route"`
	LastConfidence float64   `json:"last_confidence"`
	Ambiguous      bool      `json:"ambiguous"`
	Candidates     []string  `json:"candidates,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

// saveCheckpoint persists the post-decision conversation state. Failures
// are logged with their root cause and do not fail the request: the
// decision has already been published.
func (w *Worker) saveCheckpoint(ctx context.Context, req *routeRequest, decision *router.Decision) {
	state, err := json.Marshal(checkpointState{
		LastRoute:      decision.Route,
		LastConfidence: decision.Confidence,
		Ambiguous:      decision.Ambiguous,
		Candidates:     decision.Candidates,
		DecidedAt:      time.Now().UTC(),
	})
	if err != nil {
		w.logger.Error("failed to encode checkpoint",
			zap.String("thread_id", req.ThreadID),
			zap.Error(err),
		)
		return
	}

	if err := w.checkpoints.Save(ctx, req.ThreadID, state); err != nil {
		var saveErr *checkpoint.SaveError
		if errors.As(err, &saveErr) {
			w.logger.Error("checkpoint save failed",
				zap.String("conversation_id", saveErr.ConversationID),
				zap.Error(saveErr.Unwrap()),
			)
			return
		}
		w.logger.Error("checkpoint save failed",
			zap.String("thread_id", req.ThreadID),
			zap.Error(err),
		)
	}
}

func parseRequest(values map[string]interface{}) (*routeRequest, error) {
	dataStr, ok := values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'data' field")
	}

	var req routeRequest
	if err := json.Unmarshal([]byte(dataStr), &req); err != nil {
		return nil, fmt.Errorf("unmarshal routing request: %w", err)
	}
	if req.Utterance == "" {
		return nil, fmt.Errorf("routing request has empty utterance")
	}
	if req.ThreadID == "" {
		return nil, fmt.Errorf("routing request has empty thread_id")
	}
	return &req, nil
}
