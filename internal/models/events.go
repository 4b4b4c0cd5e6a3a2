package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced = "ORDER_PLACED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published after a checkout commits
type OrderPlacedEvent struct {
	BaseEvent
	OrderID    int64           `json:"order_id"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Items      []OrderItemData `json:"items"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// ProductIDs lists the products whose stock the order changed
func (e *OrderPlacedEvent) ProductIDs() []int64 {
	ids := make([]int64, 0, len(e.Items))
	for _, item := range e.Items {
		ids = append(ids, item.ProductID)
	}
	return ids
}
