package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/cart"

	"github.com/go-redis/redis/v8"
)

// CartStore keeps one JSON-encoded cart per session. Saving refreshes the TTL.
type CartStore struct {
	client *Client
	ttl    time.Duration
}

func NewCartStore(client *Client, ttl time.Duration) *CartStore {
	return &CartStore{client: client, ttl: ttl}
}

// LoadCart returns the session's cart, or an empty cart if none is stored
func (s *CartStore) LoadCart(ctx context.Context, sessionKey string) (*cart.Cart, error) {
	data, err := s.client.rdb.Get(ctx, cartKey(sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cart.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	c := cart.New()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}
	return c, nil
}

// SaveCart stores the cart; an empty cart deletes the key
func (s *CartStore) SaveCart(ctx context.Context, sessionKey string, c *cart.Cart) error {
	if c == nil || c.IsEmpty() {
		return s.ClearCart(ctx, sessionKey)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}
	return s.client.rdb.Set(ctx, cartKey(sessionKey), data, s.ttl).Err()
}

func (s *CartStore) ClearCart(ctx context.Context, sessionKey string) error {
	return s.client.rdb.Del(ctx, cartKey(sessionKey)).Err()
}

func cartKey(sessionKey string) string {
	return "cart:" + sessionKey
}
