package store

import (
	"context"
	"fmt"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

// Tx is the set of operations available inside RunInTransaction.
// Every effect is discarded if the transaction does not commit.
type Tx interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	// TryReserve decrements stock by quantity only if at least quantity is left.
	// It returns false, leaving stock unchanged, otherwise.
	TryReserve(ctx context.Context, productID int64, quantity int) (bool, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
}

// RunInTransaction runs fn in a database transaction. The transaction commits
// when fn returns nil and rolls back on error or panic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, t.tx, id)
}

// TryReserve relies on the row lock taken by UPDATE: a concurrent reservation of
// the same product waits for this transaction and then re-evaluates the stock check.
func (t *sqlTx) TryReserve(ctx context.Context, productID int64, quantity int) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *sqlTx) CreateOrder(ctx context.Context, order *models.Order) error {
	return createOrder(ctx, t.tx, order)
}

func (t *sqlTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	return createOrderItem(ctx, t.tx, item)
}
