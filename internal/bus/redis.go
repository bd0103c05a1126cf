package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/tokengate/internal/logging"
)

// DefaultVisibility is how long a delivery may sit unacknowledged
// before another consumer can claim it.
const DefaultVisibility = 5 * time.Minute

// RedisQueue is a Queue on a Redis stream with a consumer group.
// Pending entries act as the visibility lock: XACK settles, and
// deliveries idle past the visibility window are reclaimed with
// XAUTOCLAIM on the next receive.
type RedisQueue struct {
	rdb        *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	logger     *slog.Logger
}

// RedisOption configures a RedisQueue
type RedisOption func(*RedisQueue)

// WithVisibility overrides the redelivery idle window
func WithVisibility(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.visibility = d }
}

// WithRedisLogger sets a custom logger
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(q *RedisQueue) { q.logger = logger }
}

// NewRedisQueue connects to redisURL and binds a consumer group on the
// stream, creating both if needed.
func NewRedisQueue(ctx context.Context, redisURL, stream, group, consumer string, opts ...RedisOption) (*RedisQueue, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	q := &RedisQueue{
		rdb:        redis.NewClient(ropts),
		stream:     stream,
		group:      group,
		consumer:   consumer,
		visibility: DefaultVisibility,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = logging.New("info", "json")
	}

	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	// Group creation races with other workers; BUSYGROUP means someone
	// else won and the group exists.
	err = q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return q, nil
}

// Send enqueues a payload with XADD.
func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"body": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return nil
}

// Receive first reclaims deliveries another consumer left idle past the
// visibility window, then reads fresh entries, blocking up to wait.
func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
	}
	if len(claimed) > 0 {
		q.logger.InfoContext(ctx, "reclaimed idle deliveries",
			"stream", q.stream, "count", len(claimed))
		return q.toMessages(claimed, 2), nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
	}

	var msgs []Message
	for _, s := range streams {
		msgs = append(msgs, q.toMessages(s.Messages, 1)...)
	}
	return msgs, nil
}

// Settle acknowledges and trims the entry.
func (q *RedisQueue) Settle(ctx context.Context, msg Message) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", q.stream, err)
	}
	// Settled entries have no further readers in this topology.
	if err := q.rdb.XDel(ctx, q.stream, msg.ID).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", q.stream, err)
	}
	return nil
}

// Abandon leaves the delivery pending; once it has idled past the
// visibility window, XAUTOCLAIM hands it to the next receiver.
func (q *RedisQueue) Abandon(ctx context.Context, msg Message) error {
	q.logger.WarnContext(ctx, "delivery abandoned",
		"stream", q.stream, "message_id", msg.ID, "delivery_count", msg.DeliveryCount)
	return nil
}

// Close shuts down the Redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func (q *RedisQueue) toMessages(entries []redis.XMessage, deliveryCount int) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		body, _ := e.Values["body"].(string)
		msgs = append(msgs, Message{
			ID:            e.ID,
			Body:          []byte(body),
			DeliveryCount: deliveryCount,
		})
	}
	return msgs
}
