package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps redis for the processed-event cache and in-flight locks.
// Every key is namespaced so several services can share one instance.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int, namespace string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb, namespace: namespace}, nil
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetIdempotencyKey remembers a processed key, storing its outcome
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, outcome interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key("seen", key), outcome, ttl).Err()
}

// CheckIdempotencyKey reports whether key was processed within its TTL
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key("seen", key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AcquireLock marks key as in flight. It reports false if another worker holds it.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key("lock", key), time.Now().Unix(), ttl).Result()
}

// ReleaseLock drops an in-flight marker
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key("lock", key)).Err()
}

func (c *Client) key(kind, key string) string {
	return fmt.Sprintf("%s:%s:%s", c.namespace, kind, key)
}
