package store

import (
	"context"
	"database/sql"
	"errors"

	"storefront/internal/models"
)

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		`SELECT id, customer_name, customer_email, customer_phone, total_price, status, created_at
		FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, quantity, price FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	return items, err
}

func createOrder(ctx context.Context, q queryer, order *models.Order) error {
	query := `
		INSERT INTO orders (customer_name, customer_email, customer_phone, total_price, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return q.GetContext(ctx, order, query,
		order.CustomerName, order.CustomerEmail, order.CustomerPhone, order.TotalPrice, order.Status)
}

func createOrderItem(ctx context.Context, q queryer, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return q.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.Price)
}
