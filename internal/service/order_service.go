package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/cart"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CartStore persists carts by session key
type CartStore interface {
	LoadCart(ctx context.Context, sessionKey string) (*cart.Cart, error)
	SaveCart(ctx context.Context, sessionKey string, c *cart.Cart) error
	ClearCart(ctx context.Context, sessionKey string) error
}

// SessionLocker takes and releases owner-token locks
type SessionLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// CheckoutGuard provides the per-session lock and idempotency records around checkout
type CheckoutGuard interface {
	SessionLocker
	GetIdempotentOrder(ctx context.Context, sessionKey, key string) (int64, bool, error)
	SetIdempotentOrder(ctx context.Context, sessionKey, key string, orderID int64, ttl time.Duration) error
}

// OrderReader reads committed orders
type OrderReader interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

// EventPublisher publishes domain events
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
}

// OrderServiceConfig holds checkout timings
type OrderServiceConfig struct {
	CheckoutTimeout time.Duration
	LockTTL         time.Duration
	IdempotencyTTL  time.Duration
}

// OrderService handles order business logic
type OrderService struct {
	orchestrator *Orchestrator
	carts        CartStore
	guard        CheckoutGuard
	orders       OrderReader
	events       EventPublisher
	cfg          OrderServiceConfig
	logger       *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	orchestrator *Orchestrator,
	carts CartStore,
	guard CheckoutGuard,
	orders OrderReader,
	events EventPublisher,
	cfg OrderServiceConfig,
) *OrderService {
	return &OrderService{
		orchestrator: orchestrator,
		carts:        carts,
		guard:        guard,
		orders:       orders,
		events:       events,
		cfg:          cfg,
		logger:       util.GetLogger(),
	}
}

// CheckoutRequest represents a request to check out the session's cart
type CheckoutRequest struct {
	SessionID      string
	IdempotencyKey string
	Customer       Customer
}

// Checkout places an order from the session's cart. Only one checkout per session
// runs at a time; a repeated idempotency key returns the order it produced before.
func (s *OrderService) Checkout(ctx context.Context, req *CheckoutRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout")
	defer span.End()

	lockKey := checkoutLockKey(req.SessionID)
	token, acquired, err := s.guard.AcquireLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire checkout lock: %w", err)
	}
	if !acquired {
		util.CheckoutFailuresTotal.WithLabelValues("in_progress").Inc()
		return nil, ErrCheckoutInProgress
	}
	defer s.releaseLock(lockKey, token)

	if req.IdempotencyKey != "" {
		orderID, found, err := s.guard.GetIdempotentOrder(ctx, req.SessionID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if found {
			s.logger.Info("Duplicate checkout request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", orderID))
			return s.GetOrder(ctx, orderID)
		}
	}

	c, err := s.carts.LoadCart(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	txCtx := ctx
	if s.cfg.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
		defer cancel()
	}

	order, err := s.orchestrator.PlaceOrder(txCtx, c, req.Customer)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	// The order is committed; the follow-up steps must not be skipped because the
	// client went away.
	postCtx := context.WithoutCancel(ctx)

	if err := s.carts.ClearCart(postCtx, req.SessionID); err != nil {
		s.logger.Error("Failed to clear cart after checkout",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	if req.IdempotencyKey != "" {
		if err := s.guard.SetIdempotentOrder(postCtx, req.SessionID, req.IdempotencyKey, order.ID, s.cfg.IdempotencyTTL); err != nil {
			s.logger.Error("Failed to record idempotency key",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
		}
	}

	s.publishOrderPlaced(postCtx, order)
	return order, nil
}

func (s *OrderService) releaseLock(lockKey, token string) {
	releaseSessionLock(s.guard, s.logger, lockKey, token)
}

// checkoutLockKey names the lock that serialises checkout and cart writes of one session
func checkoutLockKey(sessionID string) string {
	return "checkout:" + sessionID
}

func releaseSessionLock(locker SessionLocker, logger *zap.Logger, lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := locker.ReleaseLock(ctx, lockKey, token); err != nil {
		logger.Error("Failed to release session lock", zap.String("lock", lockKey), zap.Error(err))
	}
}

func (s *OrderService) publishOrderPlaced(ctx context.Context, order *models.Order) {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}

	event := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:    order.ID,
		TotalPrice: order.TotalPrice,
		Items:      items,
	}

	if err := s.events.PublishOrderPlaced(ctx, event); err != nil {
		util.EventsPublishFailed.WithLabelValues(models.EventTypeOrderPlaced).Inc()
		s.logger.Error("Failed to publish OrderPlaced event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	items, err := s.orders.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	order.Items = items
	return order, nil
}
