package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partnerflow/partnerflow/pkg/logger"
)

const redisPayloadField = "payload"

// RedisTransportOptions configures the Redis Streams transport.
type RedisTransportOptions struct {
	// Consumer names this process inside each consumer group. Defaults to
	// a host-unique name when empty.
	Consumer string

	// BlockTimeout bounds each XREADGROUP poll.
	BlockTimeout time.Duration

	// ClaimMinIdle is how long a pending delivery must sit unacknowledged
	// before the reclaim loop steals it.
	ClaimMinIdle time.Duration

	// ClaimInterval is how often the reclaim loop scans pending entries.
	ClaimInterval time.Duration

	// MaxDeliveries caps redeliveries before a pending entry is acked and
	// dropped through the DropHandler.
	MaxDeliveries int

	// MaxStreamLen bounds stream length via approximate trimming. Zero
	// disables trimming.
	MaxStreamLen int64

	// DropHandler receives deliveries that exhausted their redeliveries.
	DropHandler func(topic, subscription string, payload []byte)

	Logger logger.Logger
}

// RedisTransport is a Transport over Redis Streams. Each subscription maps
// to a consumer group, which gives shared-subscription semantics: one
// consumer per group receives each entry, and unacknowledged entries are
// reclaimed and redelivered.
type RedisTransport struct {
	client  redis.UniversalClient
	options RedisTransportOptions
	log     logger.Logger

	mu     sync.Mutex
	groups map[string]struct{} // "stream/group" pairs already created
}

// NewRedisTransport creates a transport over an existing Redis client.
func NewRedisTransport(client redis.UniversalClient, options RedisTransportOptions) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("broker: redis client cannot be nil")
	}
	if options.Consumer == "" {
		options.Consumer = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if options.BlockTimeout <= 0 {
		options.BlockTimeout = time.Second
	}
	if options.ClaimMinIdle <= 0 {
		options.ClaimMinIdle = 30 * time.Second
	}
	if options.ClaimInterval <= 0 {
		options.ClaimInterval = 10 * time.Second
	}
	if options.MaxDeliveries <= 0 {
		options.MaxDeliveries = 5
	}
	log := options.Logger
	if log == nil {
		log = logger.Global()
	}
	return &RedisTransport{
		client:  client,
		options: options,
		log:     log,
		groups:  make(map[string]struct{}),
	}, nil
}

// Publish appends the payload to the topic stream.
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("broker: topic cannot be empty")
	}
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{redisPayloadField: payload},
	}
	if t.options.MaxStreamLen > 0 {
		args.MaxLen = t.options.MaxStreamLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("broker: xadd %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the topic's consumer group and starts the read and
// reclaim loops.
func (t *RedisTransport) Subscribe(ctx context.Context, topic, subscription string, fn RawHandler) (func(), error) {
	if topic == "" || subscription == "" {
		return nil, fmt.Errorf("broker: topic and subscription are required")
	}
	if fn == nil {
		return nil, fmt.Errorf("broker: handler cannot be nil")
	}
	if err := t.ensureGroup(ctx, topic, subscription); err != nil {
		return nil, err
	}

	loopCtx, stop := context.WithCancel(ctx)
	go t.readLoop(loopCtx, topic, subscription, fn)
	go t.reclaimLoop(loopCtx, topic, subscription, fn)
	return stop, nil
}

func (t *RedisTransport) ensureGroup(ctx context.Context, topic, subscription string) error {
	key := topic + "/" + subscription
	t.mu.Lock()
	_, exists := t.groups[key]
	t.mu.Unlock()
	if exists {
		return nil
	}

	err := t.client.XGroupCreateMkStream(ctx, topic, subscription, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group %s on %s: %w", subscription, topic, err)
	}
	t.mu.Lock()
	t.groups[key] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *RedisTransport) readLoop(ctx context.Context, topic, subscription string, fn RawHandler) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    subscription,
			Consumer: t.options.Consumer,
			Streams:  []string{topic, ">"},
			Count:    16,
			Block:    t.options.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("stream read failed", "topic", topic, "subscription", subscription, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				t.handle(ctx, topic, subscription, msg, fn)
			}
		}
	}
}

// handle runs the handler and acks on Ack or DeadLetter. A Nack leaves the
// entry pending so the reclaim loop redelivers it after ClaimMinIdle.
func (t *RedisTransport) handle(ctx context.Context, topic, subscription string, msg redis.XMessage, fn RawHandler) {
	payload := extractPayload(msg)
	switch fn(ctx, payload) {
	case Nack:
		// left pending for reclaim
	default:
		if err := t.client.XAck(ctx, topic, subscription, msg.ID).Err(); err != nil && ctx.Err() == nil {
			t.log.Warn("stream ack failed", "topic", topic, "id", msg.ID, "error", err)
		}
	}
}

// reclaimLoop steals pending entries older than ClaimMinIdle and reruns the
// handler. Entries past MaxDeliveries are acked and dropped.
func (t *RedisTransport) reclaimLoop(ctx context.Context, topic, subscription string, fn RawHandler) {
	ticker := time.NewTicker(t.options.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  subscription,
			Start:  "-",
			End:    "+",
			Count:  64,
			Idle:   t.options.ClaimMinIdle,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				t.log.Warn("pending scan failed", "topic", topic, "subscription", subscription, "error", err)
			}
			continue
		}

		for _, entry := range pending {
			if entry.RetryCount > int64(t.options.MaxDeliveries) {
				t.drop(ctx, topic, subscription, entry.ID)
				continue
			}
			claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   topic,
				Group:    subscription,
				Consumer: t.options.Consumer,
				MinIdle:  t.options.ClaimMinIdle,
				Messages: []string{entry.ID},
			}).Result()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
					t.log.Warn("stream claim failed", "topic", topic, "id", entry.ID, "error", err)
				}
				continue
			}
			for _, msg := range claimed {
				t.handle(ctx, topic, subscription, msg, fn)
			}
		}
	}
}

func (t *RedisTransport) drop(ctx context.Context, topic, subscription, id string) {
	msgs, err := t.client.XRange(ctx, topic, id, id).Result()
	if err == nil && len(msgs) > 0 && t.options.DropHandler != nil {
		t.options.DropHandler(topic, subscription, extractPayload(msgs[0]))
	}
	if err := t.client.XAck(ctx, topic, subscription, id).Err(); err != nil && ctx.Err() == nil {
		t.log.Warn("stream ack failed", "topic", topic, "id", id, "error", err)
	}
	t.log.Error("delivery exhausted redeliveries", "topic", topic, "subscription", subscription, "id", id)
}

func extractPayload(msg redis.XMessage) []byte {
	switch v := msg.Values[redisPayloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
