package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID          int64           `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Stock       int             `db:"stock" json:"stock"`
	Views       int64           `db:"views" json:"views"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// OrderStatus is the lifecycle state of an order. Only the initial value is assigned here.
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order represents a customer order
type Order struct {
	ID            int64           `db:"id" json:"id"`
	CustomerName  string          `db:"customer_name" json:"customer_name"`
	CustomerEmail string          `db:"customer_email" json:"customer_email"`
	CustomerPhone string          `db:"customer_phone" json:"customer_phone"`
	TotalPrice    decimal.Decimal `db:"total_price" json:"total_price"`
	Status        OrderStatus     `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	Items         []OrderItem     `db:"-" json:"items,omitempty"`
}

// OrderItem represents items in an order. Price is the unit price at purchase time.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Price     decimal.Decimal `db:"price" json:"price"`
}

// Subtotal returns Price * Quantity
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemsTotal sums the subtotals of the order's items
func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}
