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

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// TxRunner runs a unit of work that commits or rolls back as a whole
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn func(store.Tx) error) error
}

// Customer holds the contact details recorded on an order
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Orchestrator turns a cart into an order while keeping stock non-negative.
// It holds no locks of its own; per-product serialisation is left to TryReserve.
type Orchestrator struct {
	txRunner TxRunner
	logger   *zap.Logger
}

// NewOrchestrator creates a new checkout orchestrator
func NewOrchestrator(txRunner TxRunner) *Orchestrator {
	return &Orchestrator{
		txRunner: txRunner,
		logger:   util.GetLogger(),
	}
}

// PlaceOrder validates the cart against current stock and, in one transaction, creates the
// order and its items and reserves stock for every line. On success the cart is cleared.
// On any error nothing is persisted and the cart is left unchanged.
func (o *Orchestrator) PlaceOrder(ctx context.Context, c *cart.Cart, customer Customer) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.PlaceOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	if c == nil || c.IsEmpty() {
		util.CheckoutFailuresTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}

	// Lines come back in ascending product ID order, so concurrent checkouts
	// touching the same products take row locks in the same order.
	lines := c.Lines()
	span.SetAttributes(attribute.Int("cart.lines", len(lines)))

	var (
		order *models.Order
		items []models.OrderItem
	)

	err := o.txRunner.RunInTransaction(ctx, func(tx store.Tx) error {
		order = &models.Order{
			CustomerName:  customer.Name,
			CustomerEmail: customer.Email,
			CustomerPhone: customer.Phone,
			TotalPrice:    c.Total(),
			Status:        models.OrderStatusPending,
		}
		items = make([]models.OrderItem, 0, len(lines))

		for _, line := range lines {
			product, err := tx.GetProduct(ctx, line.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				return &ProductNotFoundError{ProductID: line.ProductID}
			}
			if err != nil {
				return err
			}
			if line.Quantity > product.Stock {
				return &InsufficientStockError{
					ProductID: line.ProductID,
					Name:      product.Name,
					Requested: line.Quantity,
					Available: product.Stock,
				}
			}
		}

		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		for _, line := range lines {
			reserved, err := tx.TryReserve(ctx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			if !reserved {
				util.StockReservationsFailed.Inc()
				return o.reservationFailure(ctx, tx, line)
			}

			item := models.OrderItem{
				OrderID:   order.ID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Price:     line.Price,
			}
			if err := tx.CreateOrderItem(ctx, &item); err != nil {
				return err
			}
			items = append(items, item)
		}

		return nil
	})
	if err != nil {
		err = classifyCheckoutError(ctx, err)
		util.CheckoutFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		util.RecordError(span, err)
		o.logger.Warn("Checkout failed", zap.Int("lines", len(lines)), zap.Error(err))
		return nil, err
	}

	order.Items = items
	c.Clear()

	util.OrdersPlacedTotal.Inc()
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	o.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.String("total_price", order.TotalPrice.String()),
		zap.Int("items", len(items)))

	return order, nil
}

// reservationFailure reports why a conditional decrement did not apply, using
// the stock as seen after the failed attempt.
func (o *Orchestrator) reservationFailure(ctx context.Context, tx store.Tx, line cart.Line) error {
	product, err := tx.GetProduct(ctx, line.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return &ProductNotFoundError{ProductID: line.ProductID}
	}
	if err != nil {
		return err
	}
	return &InsufficientStockError{
		ProductID: line.ProductID,
		Name:      product.Name,
		Requested: line.Quantity,
		Available: product.Stock,
	}
}

// classifyCheckoutError passes domain errors through, reports rejected values
// as ErrInvalidOrderData and wraps everything else as TransactionAbortedError.
func classifyCheckoutError(ctx context.Context, err error) error {
	var (
		notFound     *ProductNotFoundError
		insufficient *InsufficientStockError
		aborted      *TransactionAbortedError
	)

	switch {
	case errors.As(err, &notFound), errors.As(err, &insufficient), errors.As(err, &aborted):
		return err
	case store.IsInvalidData(err):
		return fmt.Errorf("%w: %v", ErrInvalidOrderData, err)
	case ctx.Err() != nil || store.IsTimeout(err):
		return &TransactionAbortedError{Reason: AbortReasonTimeout, Err: err}
	case store.IsConflict(err):
		return &TransactionAbortedError{Reason: AbortReasonConflict, Err: err}
	default:
		return &TransactionAbortedError{Reason: AbortReasonStorage, Err: err}
	}
}

func failureReason(err error) string {
	var (
		notFound     *ProductNotFoundError
		insufficient *InsufficientStockError
		aborted      *TransactionAbortedError
	)

	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInvalidOrderData):
		return "invalid_data"
	case errors.As(err, &notFound):
		return "product_not_found"
	case errors.As(err, &insufficient):
		return "insufficient_stock"
	case errors.As(err, &aborted):
		return "aborted_" + aborted.Reason
	default:
		return "unknown"
	}
}
