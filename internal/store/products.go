package store

import (
	"context"
	"database/sql"
	"errors"

	"storefront/internal/models"
)

const productColumns = `id, name, description, price, stock, views, created_at`

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, s.db, id)
}

// ListInStockProducts returns products with stock left, newest first
func (s *Store) ListInStockProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products,
		`SELECT `+productColumns+` FROM products WHERE stock > 0 ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	return products, err
}

// CountInStockProducts counts products with stock left
func (s *Store) CountInStockProducts(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM products WHERE stock > 0")
	return count, err
}

// AddProductViews adds delta to the persisted view counter
func (s *Store) AddProductViews(ctx context.Context, productID, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE products SET views = views + $1 WHERE id = $2",
		delta, productID)
	return err
}

func getProduct(ctx context.Context, q queryer, id int64) (*models.Product, error) {
	var product models.Product
	err := q.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}
