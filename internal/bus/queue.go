package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	rediscache "github.com/bracketquant/execcore/internal/cache/redis"
	"github.com/bracketquant/execcore/internal/domain"
)

// ExecutionQueue implements domain.ExecutionQueue (the transport carrying
// ExecutionMessage trade intents to C4 workers) over a dedicated Redis
// stream with a single, fixed competing-consumers group: every worker
// replica shares the group so each trade message is delivered to exactly
// one worker.
type ExecutionQueue struct {
	rdb           *redis.Client
	stream        string
	deadLetter    string
	group         string
	maxLen        int64
	maxDeliveries int
	logger        *slog.Logger
}

// NewExecutionQueue creates an ExecutionQueue backed by the given Redis
// client wrapper.
func NewExecutionQueue(c *rediscache.Client, cfg Config, logger *slog.Logger) *ExecutionQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionQueue{
		rdb:           c.Underlying(),
		stream:        cfg.Stream,
		deadLetter:    cfg.DeadLetter,
		group:         "execcore-workers",
		maxLen:        cfg.MaxLen,
		maxDeliveries: cfg.MaxDeliveries,
		logger:        logger.With(slog.String("component", "execution_queue")),
	}
}

// Send appends each message to the stream. Messages are not batched into a
// single XADD (Redis streams do not support multi-entry atomic appends), so
// a partial failure mid-slice returns an error naming how many messages were
// already durably enqueued.
func (q *ExecutionQueue) Send(ctx context.Context, msgs []domain.ExecutionMessage) error {
	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("bus: marshal execution message %s: %w", msg.TradeID, err)
		}
		args := &redis.XAddArgs{
			Stream: q.stream,
			MaxLen: q.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		}
		if _, err := q.rdb.XAdd(ctx, args).Result(); err != nil {
			return fmt.Errorf("bus: send execution message %d/%d (trade %s): %w", i+1, len(msgs), msg.TradeID, err)
		}
	}
	return nil
}

// Consume delivers messages to handler until ctx is cancelled, sharing the
// fixed worker consumer group across every replica calling Consume.
func (q *ExecutionQueue) Consume(ctx context.Context, handler func(context.Context, domain.ExecutionMessage) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	consumer := "worker-" + uuid.New().String()
	logger := q.logger.With(slog.String("consumer", consumer))

	reclaimTicker := time.NewTicker(30 * time.Second)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reclaimTicker.C:
			if err := q.reclaimStale(ctx, consumer, handler, logger); err != nil {
				logger.Warn("reclaim stale execution messages failed", slog.Any("error", err))
			}
		default:
		}

		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    16,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("xreadgroup failed", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				q.dispatch(ctx, msg, handler, logger)
			}
		}
	}
}

func (q *ExecutionQueue) dispatch(ctx context.Context, msg redis.XMessage, handler func(context.Context, domain.ExecutionMessage) error, logger *slog.Logger) {
	raw, _ := msg.Values["data"].(string)
	var execMsg domain.ExecutionMessage
	if err := json.Unmarshal([]byte(raw), &execMsg); err != nil {
		logger.Error("undecodable execution message, dead-lettering", slog.String("id", msg.ID), slog.Any("error", err))
		q.deadLetterRaw(ctx, msg.ID, raw, err)
		_ = q.rdb.XAck(ctx, q.stream, q.group, msg.ID).Err()
		return
	}

	if err := handler(ctx, execMsg); err != nil {
		logger.Warn("execution handler failed, leaving pending for redelivery",
			slog.String("id", msg.ID), slog.String("trade_id", execMsg.TradeID), slog.Any("error", err))
		return
	}
	_ = q.rdb.XAck(ctx, q.stream, q.group, msg.ID).Err()
}

func (q *ExecutionQueue) reclaimStale(ctx context.Context, consumer string, handler func(context.Context, domain.ExecutionMessage) error, logger *slog.Logger) error {
	const minIdle = 60 * time.Second
	start := "0-0"
	for {
		msgs, nextStart, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    16,
		}).Result()
		if err != nil {
			return fmt.Errorf("bus: xautoclaim execution queue: %w", err)
		}

		for _, msg := range msgs {
			pending, perr := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: q.stream, Group: q.group, Start: msg.ID, End: msg.ID, Count: 1,
			}).Result()
			if perr == nil && len(pending) > 0 && int(pending[0].RetryCount) > q.maxDeliveries {
				raw, _ := msg.Values["data"].(string)
				logger.Error("execution message exceeded max deliveries, dead-lettering", slog.String("id", msg.ID))
				q.deadLetterRaw(ctx, msg.ID, raw, fmt.Errorf("exceeded %d delivery attempts", q.maxDeliveries))
				_ = q.rdb.XAck(ctx, q.stream, q.group, msg.ID).Err()
				continue
			}
			q.dispatch(ctx, msg, handler, logger)
		}

		if nextStart == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = nextStart
	}
}

func (q *ExecutionQueue) deadLetterRaw(ctx context.Context, originalID, raw string, cause error) {
	if q.deadLetter == "" {
		return
	}
	args := &redis.XAddArgs{
		Stream: q.deadLetter,
		Values: map[string]interface{}{
			"data":        raw,
			"original_id": originalID,
			"reason":      cause.Error(),
		},
	}
	if _, err := q.rdb.XAdd(ctx, args).Result(); err != nil {
		q.logger.Error("failed to write dead letter", slog.Any("error", err))
	}
}

func (q *ExecutionQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create execution queue consumer group: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ExecutionQueue = (*ExecutionQueue)(nil)
