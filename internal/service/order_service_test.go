package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.OrderPlacedEvent
	err    error
}

func (p *recordingPublisher) PublishOrderPlaced(_ context.Context, event *models.OrderPlacedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []*models.OrderPlacedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.OrderPlacedEvent(nil), p.events...)
}

type orderServiceFixture struct {
	svc       *OrderService
	store     *memStore
	carts     *redisclient.CartStore
	redis     *redisclient.Client
	mr        *miniredis.Miniredis
	publisher *recordingPublisher
}

func newOrderServiceFixture(t *testing.T, products ...models.Product) *orderServiceFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := redisclient.NewFromRedis(rdb)
	carts := redisclient.NewCartStore(client, time.Hour)
	s := newMemStore(products...)
	publisher := &recordingPublisher{}

	svc := NewOrderService(NewOrchestrator(s), carts, client, s, publisher, OrderServiceConfig{
		CheckoutTimeout: 5 * time.Second,
		LockTTL:         30 * time.Second,
		IdempotencyTTL:  time.Hour,
	})

	return &orderServiceFixture{
		svc:       svc,
		store:     s,
		carts:     carts,
		redis:     client,
		mr:        mr,
		publisher: publisher,
	}
}

func (f *orderServiceFixture) fillCart(t *testing.T, session string, quantities map[int64]int) {
	t.Helper()
	require.NoError(t, f.carts.SaveCart(context.Background(), session, cartFrom(t, f.store, quantities)))
}

func TestCheckout(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5), product(2, "B", 500, 3))
	f.fillCart(t, "s1", map[int64]int{1: 2, 2: 1})
	ctx := context.Background()

	order, err := f.svc.Checkout(ctx, &CheckoutRequest{SessionID: "s1", Customer: testCustomer})
	require.NoError(t, err)
	assert.Len(t, order.Items, 2)

	remaining, err := f.carts.LoadCart(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, remaining.IsEmpty())
	assert.False(t, f.mr.Exists("lock:checkout:s1"))

	events := f.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeOrderPlaced, events[0].EventType)
	assert.Equal(t, order.ID, events[0].OrderID)
	assert.ElementsMatch(t, []int64{1, 2}, events[0].ProductIDs())
	assert.NotEmpty(t, events[0].EventID)
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5))

	_, err := f.svc.Checkout(context.Background(), &CheckoutRequest{SessionID: "s1", Customer: testCustomer})
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Empty(t, f.publisher.published())
	assert.False(t, f.mr.Exists("lock:checkout:s1"))
}

func TestCheckoutFailureKeepsCart(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5))
	f.fillCart(t, "s1", map[int64]int{1: 6})
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, &CheckoutRequest{SessionID: "s1", Customer: testCustomer})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	kept, err := f.carts.LoadCart(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 6, kept.Quantity(1))
	assert.Empty(t, f.publisher.published())
}

func TestCheckoutIdempotent(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5))
	f.fillCart(t, "s1", map[int64]int{1: 2})
	ctx := context.Background()
	req := &CheckoutRequest{SessionID: "s1", IdempotencyKey: "retry-1", Customer: testCustomer}

	first, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)

	f.fillCart(t, "s1", map[int64]int{1: 1})
	second, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Items, 1)
	assert.Equal(t, 3, f.store.stock(1))
	assert.Equal(t, 1, f.store.orderCount())
	assert.Len(t, f.publisher.published(), 1)
}

func TestCheckoutIdempotencyKeyIsPerSession(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5))
	f.fillCart(t, "s1", map[int64]int{1: 2})
	f.fillCart(t, "s2", map[int64]int{1: 1})
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, &CheckoutRequest{SessionID: "s1", IdempotencyKey: "k1", Customer: testCustomer})
	require.NoError(t, err)

	second, err := f.svc.Checkout(ctx, &CheckoutRequest{SessionID: "s2", IdempotencyKey: "k1", Customer: testCustomer})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	require.Len(t, second.Items, 1)
	assert.Equal(t, 1, second.Items[0].Quantity)
	assert.Equal(t, 2, f.store.stock(1))
	assert.Equal(t, 2, f.store.orderCount())

	other, err := f.carts.LoadCart(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, other.IsEmpty())
}

func TestCheckoutInProgress(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5))
	f.fillCart(t, "s1", map[int64]int{1: 1})
	ctx := context.Background()

	token, ok, err := f.redis.AcquireLock(ctx, "checkout:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Checkout(ctx, &CheckoutRequest{SessionID: "s1", Customer: testCustomer})
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
	assert.Equal(t, 5, f.store.stock(1))

	require.NoError(t, f.redis.ReleaseLock(ctx, "checkout:s1", token))
	_, err = f.svc.Checkout(ctx, &CheckoutRequest{SessionID: "s1", Customer: testCustomer})
	assert.NoError(t, err)
}

func TestCheckoutPublishFailureKeepsOrder(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5))
	f.publisher.err = errors.New("broker down")
	f.fillCart(t, "s1", map[int64]int{1: 1})

	order, err := f.svc.Checkout(context.Background(), &CheckoutRequest{SessionID: "s1", Customer: testCustomer})
	require.NoError(t, err)
	assert.NotZero(t, order.ID)
	assert.Equal(t, 4, f.store.stock(1))
}

func TestGetOrder(t *testing.T) {
	f := newOrderServiceFixture(t, product(1, "A", 1000, 5))
	f.fillCart(t, "s1", map[int64]int{1: 2})
	ctx := context.Background()

	placed, err := f.svc.Checkout(ctx, &CheckoutRequest{SessionID: "s1", Customer: testCustomer})
	require.NoError(t, err)

	got, err := f.svc.GetOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, placed.ID, got.ID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)

	_, err = f.svc.GetOrder(ctx, 12345)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
