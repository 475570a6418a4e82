// Package queue implements the ephemeral notification queue on Redis lists.
//
// Delivery is at-least-once with no acknowledgment step: a message leaves
// the list at pop time, before execution begins. If the worker process dies
// between pop and completion that one message is lost. This is an accepted
// tradeoff for cheap, best-effort delivery of idempotent notifications, not
// a guarantee to rely on.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const listPrefix = "notify:"

// Queue is a list-based message broker over Redis.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// New creates a queue client and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("queue broker connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &Queue{rdb: rdb, logger: logger}, nil
}

// NewFromClient wraps an existing Redis client (used by tests).
func NewFromClient(rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

func listKey(kind Kind) string {
	return listPrefix + string(kind)
}

// Enqueue appends a message to the tail of its kind's list. It never blocks
// and never retries; the returned bool reports whether the broker was
// reachable so the caller can surface unavailability.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("failed to encode message", zap.Error(err), zap.String("kind", string(msg.Kind)))
		return false
	}

	if err := q.rdb.RPush(ctx, listKey(msg.Kind), data).Err(); err != nil {
		q.logger.Warn("queue broker unreachable",
			zap.Error(err),
			zap.String("kind", string(msg.Kind)),
		)
		return false
	}

	q.logger.Debug("message enqueued",
		zap.String("kind", string(msg.Kind)),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.Int("attempts", msg.Attempts),
	)

	return true
}

// Pop blocks across all kind lists for up to timeout and returns the next
// message, FIFO within each list. A nil message with nil error means the
// timeout elapsed with nothing pending, so the caller's loop can check for
// shutdown and pop again.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	keys := make([]string, 0, len(Kinds()))
	for _, k := range Kinds() {
		keys = append(keys, listKey(k))
	}

	res, err := q.rdb.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop: %w", err)
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected blpop reply length %d", len(res))
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("decode message from %s: %w", res[0], err)
	}
	return &msg, nil
}

// Len returns the number of pending messages for a kind.
func (q *Queue) Len(ctx context.Context, kind Kind) (int64, error) {
	return q.rdb.LLen(ctx, listKey(kind)).Result()
}

// Ping checks broker reachability.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
