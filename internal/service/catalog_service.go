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

	"go.uber.org/zap"
)

// ProductReader reads the product catalog
type ProductReader interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	ListInStockProducts(ctx context.Context, limit, offset int) ([]models.Product, error)
	CountInStockProducts(ctx context.Context) (int, error)
}

// ProductCache caches product rows
type ProductCache interface {
	Get(ctx context.Context, productID int64) (*models.Product, bool, error)
	Set(ctx context.Context, product *models.Product) error
}

// ViewCounter counts product page views outside the database
type ViewCounter interface {
	IncrProductViews(ctx context.Context, productID int64) (int64, error)
}

// ProductPage is one page of the in-stock catalog
type ProductPage struct {
	Products   []models.Product `json:"products"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
}

// CatalogConfig holds catalog paging and cart lock settings
type CatalogConfig struct {
	PageSize int
	LockTTL  time.Duration
}

// CatalogService serves product browsing and cart updates
type CatalogService struct {
	products ProductReader
	cache    ProductCache
	views    ViewCounter
	carts    CartStore
	locks    SessionLocker
	cfg      CatalogConfig
	logger   *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(
	products ProductReader,
	cache ProductCache,
	views ViewCounter,
	carts CartStore,
	locks SessionLocker,
	cfg CatalogConfig,
) *CatalogService {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 12
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &CatalogService{
		products: products,
		cache:    cache,
		views:    views,
		carts:    carts,
		locks:    locks,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// ListProducts returns a page of products that still have stock, newest first
func (s *CatalogService) ListProducts(ctx context.Context, page int) (*ProductPage, error) {
	if page < 1 {
		page = 1
	}

	total, err := s.products.CountInStockProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	pageSize := s.cfg.PageSize
	products, err := s.products.ListInStockProducts(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	return &ProductPage{
		Products:   products,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// GetProduct returns a product through the cache and counts the view.
// The reported view count includes views not yet flushed to the database.
func (s *CatalogService) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.GetProduct")
	defer span.End()

	product, found, err := s.cache.Get(ctx, productID)
	if err != nil {
		s.logger.Warn("Product cache read failed", zap.Int64("product_id", productID), zap.Error(err))
	}

	if found {
		util.ProductCacheRequests.WithLabelValues("hit").Inc()
	} else {
		util.ProductCacheRequests.WithLabelValues("miss").Inc()

		product, err = s.products.GetProductByID(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ProductNotFoundError{ProductID: productID}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get product: %w", err)
		}

		if err := s.cache.Set(ctx, product); err != nil {
			s.logger.Warn("Product cache write failed", zap.Int64("product_id", productID), zap.Error(err))
		}
	}

	pending, err := s.views.IncrProductViews(ctx, productID)
	if err != nil {
		s.logger.Warn("Failed to count product view", zap.Int64("product_id", productID), zap.Error(err))
	}
	product.Views += pending

	return product, nil
}

// AddToCart adds quantity of a product to the session's cart, snapshotting its
// current name and price. The merged quantity may not exceed current stock.
// The cart is updated under the session's checkout lock, so it fails with
// ErrCheckoutInProgress while that session is checking out.
func (s *CatalogService) AddToCart(ctx context.Context, sessionID string, productID int64, quantity int) (*cart.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.AddToCart")
	defer span.End()

	if quantity <= 0 {
		return nil, cart.ErrInvalidQuantity
	}

	product, err := s.products.GetProductByID(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	lockKey := checkoutLockKey(sessionID)
	token, acquired, err := s.locks.AcquireLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cart lock: %w", err)
	}
	if !acquired {
		return nil, ErrCheckoutInProgress
	}
	defer releaseSessionLock(s.locks, s.logger, lockKey, token)

	c, err := s.carts.LoadCart(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	if requested := c.Quantity(productID) + quantity; requested > product.Stock {
		return nil, &InsufficientStockError{
			ProductID: productID,
			Name:      product.Name,
			Requested: requested,
			Available: product.Stock,
		}
	}

	if err := c.AddLine(product.ID, product.Name, product.Price, quantity); err != nil {
		return nil, err
	}

	if err := s.carts.SaveCart(ctx, sessionID, c); err != nil {
		return nil, fmt.Errorf("failed to save cart: %w", err)
	}

	s.logger.Debug("Added to cart",
		zap.String("session_id", sessionID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity))
	return c, nil
}

// GetCart returns the session's cart
func (s *CatalogService) GetCart(ctx context.Context, sessionID string) (*cart.Cart, error) {
	c, err := s.carts.LoadCart(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	return c, nil
}
