package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/go-redis/redis/v8"
)

// ProductCache is a read-through cache of product rows. Entries may be stale by up to ttl.
type ProductCache struct {
	client *Client
	ttl    time.Duration
}

func NewProductCache(client *Client, ttl time.Duration) *ProductCache {
	return &ProductCache{client: client, ttl: ttl}
}

// Get returns the cached product and whether it was present
func (pc *ProductCache) Get(ctx context.Context, productID int64) (*models.Product, bool, error) {
	data, err := pc.client.rdb.Get(ctx, productKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var product models.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached product %d: %w", productID, err)
	}
	return &product, true, nil
}

func (pc *ProductCache) Set(ctx context.Context, product *models.Product) error {
	data, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return pc.client.rdb.Set(ctx, productKey(product.ID), data, pc.ttl).Err()
}

// Invalidate drops cached entries for the given products
func (pc *ProductCache) Invalidate(ctx context.Context, productIDs ...int64) error {
	if len(productIDs) == 0 {
		return nil
	}

	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = productKey(id)
	}
	return pc.client.rdb.Del(ctx, keys...).Err()
}

func productKey(productID int64) string {
	return fmt.Sprintf("product:%d", productID)
}
