package storage

import (
	"context"
	"time"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/redis"
)

const stateKeyPrefix = "oauth_state:"

// RedisStateStore keeps OAuth state payloads in Redis so every replica sees
// the same single-use set. Expiry is enforced by the key TTL and consumption
// is atomic through the client's consume script.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, stateKeyPrefix+id, payload, ttl); err != nil {
		return errors.InternalError("failed to save oauth state", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, id string) ([]byte, error) {
	payload, err := s.client.Consume(ctx, stateKeyPrefix+id)
	if err != nil {
		return nil, errors.InternalError("failed to consume oauth state", err)
	}
	return payload, nil
}
