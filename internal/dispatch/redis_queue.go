package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/redis"
)

// RedisQueue is a durable queue on a Redis list. Pending actions survive
// process restarts and are shared across replicas.
type RedisQueue struct {
	client *redis.Client
	name   string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = "actions"
	}
	return &RedisQueue{client: client, name: name}
}

func (q *RedisQueue) Enqueue(ctx context.Context, action *Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return errors.InternalError("failed to encode action", err)
	}
	return q.client.Push(ctx, q.name, payload)
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Action, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		payload, err := q.client.Pop(ctx, q.name, time.Second)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			continue
		}

		var action Action
		if err := json.Unmarshal(payload, &action); err != nil {
			return nil, errors.InternalError("failed to decode queued action", err)
		}
		return &action, nil
	}
}

func (q *RedisQueue) Close() error {
	return nil
}
