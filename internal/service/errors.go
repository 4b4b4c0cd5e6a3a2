package service

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrOrderNotFound      = errors.New("order not found")
	ErrCheckoutInProgress = errors.New("checkout already in progress for this session")
	ErrInvalidOrderData   = errors.New("order data rejected by storage")
)

// ProductNotFoundError is returned when a cart line or request names an unknown product
type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

// InsufficientStockError is returned when a product has less stock than requested
type InsufficientStockError struct {
	ProductID int64
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

// Abort reasons carried by TransactionAbortedError
const (
	AbortReasonTimeout  = "timeout"
	AbortReasonConflict = "conflict"
	AbortReasonStorage  = "storage"
)

// TransactionAbortedError wraps a storage failure that rolled back the checkout transaction
type TransactionAbortedError struct {
	Reason string
	Err    error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("checkout transaction aborted (%s): %v", e.Reason, e.Err)
}

func (e *TransactionAbortedError) Unwrap() error {
	return e.Err
}
