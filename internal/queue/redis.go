package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"route-deal-alerts/internal/storage"
)

type envelope struct {
	ID         int64           `json:"id"`
	RouteKey   string          `json:"route_key"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// RedisQueue keeps deferred alerts in a Redis list so several hosts can share it.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue wraps client; entries live under key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "dealwatch:night_queue"
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) seqKey() string {
	return q.key + ":seq"
}

// EnqueueAlert appends payload to the tail of the list.
func (q *RedisQueue) EnqueueAlert(ctx context.Context, routeKey string, payload []byte, at time.Time) error {
	id, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("allocate queue id: %w", err)
	}
	data, err := json.Marshal(envelope{ID: id, RouteKey: routeKey, Payload: payload, EnqueuedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push queue entry: %w", err)
	}
	return nil
}

// PendingAlerts returns every queued entry, oldest first.
func (q *RedisQueue) PendingAlerts(ctx context.Context) ([]storage.QueuedAlert, error) {
	raw, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	out := make([]storage.QueuedAlert, 0, len(raw))
	for _, item := range raw {
		var env envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		out = append(out, storage.QueuedAlert{ID: env.ID, RouteKey: env.RouteKey, Payload: env.Payload, EnqueuedAt: env.EnqueuedAt})
	}
	return out, nil
}

// AckAlerts removes the entries with the given ids.
func (q *RedisQueue) AckAlerts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	acked := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}

	raw, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range raw {
			var env envelope
			if err := json.Unmarshal([]byte(item), &env); err != nil {
				continue
			}
			if _, ok := acked[env.ID]; ok {
				pipe.LRem(ctx, q.key, 1, item)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack queue entries: %w", err)
	}
	return nil
}

var _ storage.AlertQueue = (*RedisQueue)(nil)
