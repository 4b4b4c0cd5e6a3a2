package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const viewsKeyPrefix = "views:product:"

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
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

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IncrProductViews bumps the pending view counter and returns views not yet flushed to the database
func (c *Client) IncrProductViews(ctx context.Context, productID int64) (int64, error) {
	return c.rdb.Incr(ctx, viewsKey(productID)).Result()
}

// DrainProductViews atomically takes and deletes every pending view counter.
// Counters that were already zero are omitted.
func (c *Client) DrainProductViews(ctx context.Context) (map[int64]int64, error) {
	drained := make(map[int64]int64)

	iter := c.rdb.Scan(ctx, 0, viewsKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		productID, err := strconv.ParseInt(strings.TrimPrefix(key, viewsKeyPrefix), 10, 64)
		if err != nil {
			continue
		}

		n, err := c.rdb.GetDel(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return drained, fmt.Errorf("drain views for product %d: %w", productID, err)
		}
		if n > 0 {
			drained[productID] = n
		}
	}

	return drained, iter.Err()
}

// RestoreProductViews puts back views that could not be persisted
func (c *Client) RestoreProductViews(ctx context.Context, productID, n int64) error {
	return c.rdb.IncrBy(ctx, viewsKey(productID), n).Err()
}

// SetIdempotentOrder remembers which order a session's idempotency key produced
func (c *Client) SetIdempotentOrder(ctx context.Context, sessionKey, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(sessionKey, key), orderID, ttl).Err()
}

// GetIdempotentOrder returns the order recorded for a session's idempotency key.
// The same key sent from another session does not match.
func (c *Client) GetIdempotentOrder(ctx context.Context, sessionKey, key string) (int64, bool, error) {
	orderID, err := c.rdb.Get(ctx, idempotencyKey(sessionKey, key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return orderID, true, nil
}

// AcquireLock acquires a distributed lock and returns the owner token needed to release it
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if it is still held by token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

func viewsKey(productID int64) string {
	return fmt.Sprintf("%s%d", viewsKeyPrefix, productID)
}

func idempotencyKey(sessionKey, key string) string {
	return "idempotency:" + sessionKey + ":" + key
}

func lockName(key string) string {
	return "lock:" + key
}
