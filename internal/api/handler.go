package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/cart"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService places and reads orders
type OrderService interface {
	Checkout(ctx context.Context, req *service.CheckoutRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
}

// CatalogService serves products and carts
type CatalogService interface {
	ListProducts(ctx context.Context, page int) (*service.ProductPage, error)
	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
	AddToCart(ctx context.Context, sessionID string, productID int64, quantity int) (*cart.Cart, error)
	GetCart(ctx context.Context, sessionID string) (*cart.Cart, error)
}

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders     OrderService
	catalog    CatalogService
	sessionTTL time.Duration
	readiness  map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. readiness names the dependencies /ready pings.
func NewHandler(orders OrderService, catalog CatalogService, sessionTTL time.Duration, readiness map[string]Pinger) *Handler {
	return &Handler{
		orders:     orders,
		catalog:    catalog,
		sessionTTL: sessionTTL,
		readiness:  readiness,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(sessionMiddleware(h.sessionTTL))
	{
		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)
		v1.POST("/products/:id/cart", h.addToCart)
		v1.GET("/cart", h.getCart)
		v1.POST("/checkout", h.checkout)
		v1.GET("/orders/:id", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listProducts(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page"})
			return
		}
		page = n
	}

	result, err := h.catalog.ListProducts(c.Request.Context(), page)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) getProduct(c *gin.Context) {
	productID, ok := parseID(c, "Invalid product ID")
	if !ok {
		return
	}

	product, err := h.catalog.GetProduct(c.Request.Context(), productID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

type addToCartRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) addToCart(c *gin.Context) {
	productID, ok := parseID(c, "Invalid product ID")
	if !ok {
		return
	}

	req := addToCartRequest{Quantity: 1}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	updated, err := h.catalog.AddToCart(c.Request.Context(), sessionID(c), productID, req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newCartResponse(updated))
}

func (h *Handler) getCart(c *gin.Context) {
	current, err := h.catalog.GetCart(c.Request.Context(), sessionID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newCartResponse(current))
}

type checkoutRequest struct {
	CustomerName  string `json:"customer_name" binding:"required,max=100"`
	CustomerEmail string `json:"customer_email" binding:"required,email,max=254"`
	CustomerPhone string `json:"customer_phone" binding:"required,max=20"`
}

func (h *Handler) checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orders.Checkout(c.Request.Context(), &service.CheckoutRequest{
		SessionID:      sessionID(c),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Customer: service.Customer{
			Name:  req.CustomerName,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c, "Invalid order ID")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func parseID(c *gin.Context, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return 0, false
	}
	return id, true
}

type cartItemResponse struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type cartResponse struct {
	Items []cartItemResponse `json:"items"`
	Total decimal.Decimal    `json:"total"`
}

func newCartResponse(c *cart.Cart) cartResponse {
	lines := c.Lines()
	items := make([]cartItemResponse, 0, len(lines))
	for _, line := range lines {
		items = append(items, cartItemResponse{
			ProductID: line.ProductID,
			Name:      line.Name,
			Price:     line.Price,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal(),
		})
	}
	return cartResponse{Items: items, Total: c.Total()}
}

// writeError maps service errors to HTTP statuses
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		notFound     *service.ProductNotFoundError
		insufficient *service.InsufficientStockError
		aborted      *service.TransactionAbortedError
	)

	switch {
	case errors.Is(err, service.ErrEmptyCart), errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidOrderData):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":      err.Error(),
			"product_id": notFound.ProductID,
		})

	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error":      err.Error(),
			"product_id": insufficient.ProductID,
			"name":       insufficient.Name,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
		})

	case errors.Is(err, service.ErrCheckoutInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.As(err, &aborted):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "Checkout could not be completed, please retry",
			"reason": aborted.Reason,
		})

	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
