// Package redis wraps the go-redis client with the small set of operations the
// engine needs: TTL-bound keys with atomic consume for OAuth states, and list
// push/pop for the durable dispatch queue.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// consumeScript atomically reads and deletes a key so a value can be claimed
// by exactly one caller.
var consumeScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if value then
	redis.call('DEL', KEYS[1])
end
return value
`)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Underlying exposes the raw go-redis client for integrations that need it,
// such as the redsync lock pool.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}

// Set stores a value under key with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Consume atomically reads and deletes key. Returns nil with no error when the
// key does not exist (already consumed or expired).
func (c *Client) Consume(ctx context.Context, key string) ([]byte, error) {
	result, err := consumeScript.Run(ctx, c.rdb, []string{key}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume key %s: %w", key, err)
	}

	value, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected consume result type %T", result)
	}
	return []byte(value), nil
}

// Push appends a payload to the tail of a queue list.
func (c *Client) Push(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", queue, err)
	}
	return nil
}

// Pop blocks up to timeout waiting for the next queue payload. Returns nil
// with no error on timeout.
func (c *Client) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	result, err := c.rdb.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue %s: %w", queue, err)
	}

	// BRPop returns [key, value]
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result length %d", len(result))
	}
	return []byte(result[1]), nil
}

// QueueLen reports the number of pending payloads in a queue.
func (c *Client) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length %s: %w", queue, err)
	}
	return n, nil
}
