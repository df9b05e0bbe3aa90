package broadcast

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

	"github.com/templeobijnr/easy-islanders-assistant/internal/lead"
)

const (
	consumerGroup   = "broadcast-workers"
	resultKeyPrefix = "broadcast:result:"
)

// job is the wire form of one queued batch.
type job struct {
	BatchID    string           `json:"batch_id"`
	Lead       lead.Lead        `json:"lead"`
	Recipients []lead.Recipient `json:"recipients"`
	Template   string           `json:"template,omitempty"`
}

// jobStream is the slice of redis the dispatcher uses.
type jobStream interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Dispatcher queues broadcast batches on a redis stream and runs them on a
// consumer-group worker pool, off the interactive routing path.
type Dispatcher struct {
	rdb       jobStream
	engine    *Engine
	stream    string
	workers   int
	blockTime time.Duration
	resultTTL time.Duration
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given job stream.
func NewDispatcher(rdb jobStream, engine *Engine, stream string, workers int, resultTTL time.Duration, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		rdb:       rdb,
		engine:    engine,
		stream:    stream,
		workers:   workers,
		blockTime: 5 * time.Second,
		resultTTL: resultTTL,
		logger:    logger,
	}
}

// Enqueue assigns a batch id, queues the batch, and returns immediately.
// The batch runs asynchronously; Result looks up its outcome later.
func (d *Dispatcher) Enqueue(ctx context.Context, ld lead.Lead, recipients []lead.Recipient, template string) (string, error) {
	batchID := uuid.NewString()

	data, err := json.Marshal(job{
		BatchID:    batchID,
		Lead:       ld,
		Recipients: recipients,
		Template:   template,
	})
	if err != nil {
		return "", fmt.Errorf("marshal broadcast job for lead %s: %w", ld.ID, err)
	}

	err = d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("enqueue broadcast batch %s: %w", batchID, err)
	}

	d.logger.Info("broadcast batch enqueued",
		zap.String("batch_id", batchID),
		zap.String("lead_id", ld.ID),
		zap.Int("recipients", len(recipients)),
	)
	return batchID, nil
}

// Start creates the consumer group and launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	err := d.rdb.XGroupCreateMkStream(ctx, d.stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create broadcast consumer group: %w", err)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		consumer := fmt.Sprintf("broadcast-%d", i)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.consume(ctx, consumer)
		}()
	}

	d.logger.Info("broadcast dispatcher started",
		zap.String("stream", d.stream),
		zap.Int("workers", d.workers),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight batches to settle.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("broadcast dispatcher stopped")
}

func (d *Dispatcher) consume(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{d.stream, ">"},
			Count:    1,
			Block:    d.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			d.logger.Error("failed to read broadcast stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				d.handleMessage(ctx, message)
			}
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, message redis.XMessage) {
	defer func() {
		if err := d.rdb.XAck(ctx, d.stream, consumerGroup, message.ID).Err(); err != nil {
			d.logger.Error("failed to ack broadcast message",
				zap.String("message_id", message.ID),
				zap.Error(err),
			)
		}
	}()

	dataStr, ok := message.Values["data"].(string)
	if !ok {
		d.logger.Error("broadcast message missing data field",
			zap.String("message_id", message.ID),
		)
		return
	}

	var j job
	if err := json.Unmarshal([]byte(dataStr), &j); err != nil {
		d.logger.Error("failed to unmarshal broadcast job",
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		return
	}

	summary, err := d.engine.Run(ctx, j.BatchID, j.Lead, j.Recipients, j.Template)
	if err != nil {
		var abort *AbortError
		if !errors.As(err, &abort) {
			d.logger.Error("broadcast batch failed",
				zap.String("batch_id", j.BatchID),
				zap.Error(err),
			)
		}
	}
	if summary != nil {
		d.storeResult(ctx, summary)
	}
}

func (d *Dispatcher) storeResult(ctx context.Context, summary *Summary) {
	raw, err := marshalSummary(summary)
	if err != nil {
		d.logger.Error("failed to encode batch summary",
			zap.String("batch_id", summary.BatchID),
			zap.Error(err),
		)
		return
	}
	if err := d.rdb.Set(ctx, resultKeyPrefix+summary.BatchID, raw, d.resultTTL).Err(); err != nil {
		d.logger.Error("failed to store batch summary",
			zap.String("batch_id", summary.BatchID),
			zap.Error(err),
		)
	}
}

// Result looks up a settled batch summary. The second return is false when
// the batch is unknown or still running.
func (d *Dispatcher) Result(ctx context.Context, batchID string) (*Summary, bool, error) {
	raw, err := d.rdb.Get(ctx, resultKeyPrefix+batchID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load batch summary %s: %w", batchID, err)
	}

	var summary Summary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, false, fmt.Errorf("decode batch summary %s: %w", batchID, err)
	}
	return &summary, true, nil
}
