package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	rediscache "github.com/bracketquant/execcore/internal/cache/redis"
	"github.com/bracketquant/execcore/internal/domain"
)

// EventBus implements domain.EventBus over a single Redis stream shared
// by every event kind. Each Subscribe call runs its own consumer group so
// independent components (the phase coordinator, the aggregator, audit
// tooling) each see every message without stealing it from one another.
type EventBus struct {
	rdb           *redis.Client
	stream        string
	deadLetter    string
	maxLen        int64
	maxDeliveries int
	logger        *slog.Logger
}

// Config bundles the stream-shape parameters an EventBus needs.
type Config struct {
	Stream        string
	DeadLetter    string
	MaxLen        int64
	MaxDeliveries int
}

// NewEventBus creates an EventBus backed by the given Redis client wrapper.
func NewEventBus(c *rediscache.Client, cfg Config, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		rdb:           c.Underlying(),
		stream:        cfg.Stream,
		deadLetter:    cfg.DeadLetter,
		maxLen:        cfg.MaxLen,
		maxDeliveries: cfg.MaxDeliveries,
		logger:        logger.With(slog.String("component", "event_bus")),
	}
}

// Publish appends env to the shared stream with approximate trimming at
// MaxLen, keeping the at-least-once transport's memory bounded.
func (b *EventBus) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}
	if _, err := b.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", env.EventType, err)
	}
	return nil
}

// Subscribe runs a consumer group named deterministically after the
// requested kind set, so every independent logical subscriber (aggregator
// on TradeExecuted, fetch handler on FetchRequested, an audit sink on
// everything) gets its own group and sees every matching message,
// while multiple replicas of the *same* subscriber calling Subscribe with
// the *same* kinds share a group and load-balance deliveries between them.
// A handler error leaves the message pending for redelivery up to
// maxDeliveries, after which it is copied to the dead-letter stream and
// acknowledged off the main stream so one poisoned message never blocks the
// rest of the group.
func (b *EventBus) Subscribe(ctx context.Context, kinds []domain.EventType, handler func(context.Context, domain.Envelope) error) error {
	return b.subscribeAs(ctx, groupNameForKinds(kinds), kinds, handler)
}

func groupNameForKinds(kinds []domain.EventType) string {
	sorted := make([]string, len(kinds))
	for i, k := range kinds {
		sorted[i] = string(k)
	}
	slices.Sort(sorted)
	return "execcore-" + strings.ToLower(strings.Join(sorted, "-"))
}

// subscribeAs is the concrete implementation, parameterized by consumer
// group name so multiple independent subscribers (phase coordinator,
// aggregator, audit sink) can each run their own group over the same
// stream without stealing each other's deliveries.
func (b *EventBus) subscribeAs(ctx context.Context, group string, kinds []domain.EventType, handler func(context.Context, domain.Envelope) error) error {
	if err := b.ensureGroup(ctx, group); err != nil {
		return err
	}
	consumer := "consumer-" + uuid.New().String()
	logger := b.logger.With(slog.String("group", group), slog.String("consumer", consumer))

	reclaimTicker := time.NewTicker(30 * time.Second)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reclaimTicker.C:
			if err := b.reclaimStale(ctx, group, consumer, kinds, handler, logger); err != nil {
				logger.Warn("reclaim stale messages failed", slog.Any("error", err))
			}
		default:
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    32,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
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
				b.dispatch(ctx, group, msg, kinds, handler, logger)
			}
		}
	}
}

func (b *EventBus) dispatch(ctx context.Context, group string, msg redis.XMessage, kinds []domain.EventType, handler func(context.Context, domain.Envelope) error, logger *slog.Logger) {
	raw, _ := msg.Values["data"].(string)
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		logger.Error("undecodable envelope, dead-lettering", slog.String("id", msg.ID), slog.Any("error", err))
		b.deadLetterRaw(ctx, group, msg.ID, raw, err)
		_ = b.rdb.XAck(ctx, b.stream, group, msg.ID).Err()
		return
	}

	if !slices.Contains(kinds, env.EventType) {
		// Not addressed to this subscriber; ack and move on so it does not
		// sit pending forever.
		_ = b.rdb.XAck(ctx, b.stream, group, msg.ID).Err()
		return
	}

	if err := handler(ctx, env); err != nil {
		logger.Warn("handler failed, leaving pending for redelivery",
			slog.String("id", msg.ID), slog.String("event_type", string(env.EventType)), slog.Any("error", err))
		return
	}
	_ = b.rdb.XAck(ctx, b.stream, group, msg.ID).Err()
}

// reclaimStale claims messages that have been pending past the idle
// threshold (meaning their original consumer died mid-handler) and retries
// them, up to maxDeliveries, at which point they are dead-lettered.
func (b *EventBus) reclaimStale(ctx context.Context, group, consumer string, kinds []domain.EventType, handler func(context.Context, domain.Envelope) error, logger *slog.Logger) error {
	const minIdle = 60 * time.Second
	start := "0-0"
	for {
		msgs, nextStart, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    32,
		}).Result()
		if err != nil {
			return fmt.Errorf("bus: xautoclaim: %w", err)
		}

		for _, msg := range msgs {
			deliveries, derr := b.deliveryCount(ctx, group, msg.ID)
			if derr == nil && deliveries > b.maxDeliveries {
				raw, _ := msg.Values["data"].(string)
				logger.Error("max deliveries exceeded, dead-lettering", slog.String("id", msg.ID))
				b.deadLetterRaw(ctx, group, msg.ID, raw, fmt.Errorf("exceeded %d delivery attempts", b.maxDeliveries))
				_ = b.rdb.XAck(ctx, b.stream, group, msg.ID).Err()
				continue
			}
			b.dispatch(ctx, group, msg, kinds, handler, logger)
		}

		if nextStart == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = nextStart
	}
}

func (b *EventBus) deliveryCount(ctx context.Context, group, id string) (int, error) {
	res, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(res) == 0 {
		return 0, err
	}
	return int(res[0].RetryCount), nil
}

func (b *EventBus) deadLetterRaw(ctx context.Context, group, originalID, raw string, cause error) {
	if b.deadLetter == "" {
		return
	}
	args := &redis.XAddArgs{
		Stream: b.deadLetter,
		Values: map[string]interface{}{
			"data":        raw,
			"group":       group,
			"original_id": originalID,
			"reason":      cause.Error(),
		},
	}
	if _, err := b.rdb.XAdd(ctx, args).Result(); err != nil {
		b.logger.Error("failed to write dead letter", slog.Any("error", err))
	}
}

func (b *EventBus) ensureGroup(ctx context.Context, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create consumer group %s: %w", group, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)
