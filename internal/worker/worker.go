package worker

import (
	"context"
	"time"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ViewSource holds product view counts that have not been persisted yet
type ViewSource interface {
	DrainProductViews(ctx context.Context) (map[int64]int64, error)
	RestoreProductViews(ctx context.Context, productID, n int64) error
}

// ViewSink persists product view counts
type ViewSink interface {
	AddProductViews(ctx context.Context, productID, delta int64) error
}

// ViewFlusher periodically moves view counts from Redis into Postgres.
// Cached products embed the persisted count, so each flushed product is evicted
// from the cache once its views are stored.
type ViewFlusher struct {
	source   ViewSource
	sink     ViewSink
	cache    ProductInvalidator
	interval time.Duration
	logger   *zap.Logger
}

// NewViewFlusher creates a new view flusher
func NewViewFlusher(source ViewSource, sink ViewSink, cache ProductInvalidator, interval time.Duration) *ViewFlusher {
	return &ViewFlusher{
		source:   source,
		sink:     sink,
		cache:    cache,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start flushes on every tick until ctx is cancelled, then flushes once more
func (f *ViewFlusher) Start(ctx context.Context) error {
	f.logger.Info("Starting view flusher", zap.Duration("interval", f.interval))

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.Flush(shutdownCtx)
			cancel()
			f.logger.Info("View flusher stopped")
			return nil
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush persists all pending view counts. Counts that fail to persist are put back.
func (f *ViewFlusher) Flush(ctx context.Context) {
	// A failed drain still returns the counters it already took.
	views, err := f.source.DrainProductViews(ctx)
	if err != nil {
		f.logger.Error("Failed to drain product views", zap.Int("drained", len(views)), zap.Error(err))
	}

	for productID, n := range views {
		if err := f.sink.AddProductViews(ctx, productID, n); err != nil {
			f.logger.Warn("Failed to persist product views",
				zap.Int64("product_id", productID),
				zap.Int64("views", n),
				zap.Error(err))

			if err := f.source.RestoreProductViews(context.WithoutCancel(ctx), productID, n); err != nil {
				f.logger.Error("Lost product views",
					zap.Int64("product_id", productID),
					zap.Int64("views", n),
					zap.Error(err))
			}
			continue
		}
		util.ProductViewsFlushed.Add(float64(n))

		if err := f.cache.Invalidate(ctx, productID); err != nil {
			f.logger.Warn("Failed to evict cached product after view flush",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}
}

// ProductInvalidator evicts cached products
type ProductInvalidator interface {
	Invalidate(ctx context.Context, productIDs ...int64) error
}

// Consumer feeds Kafka messages to a handler
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// CacheInvalidationWorker evicts cached products whose stock changed in a placed order
type CacheInvalidationWorker struct {
	consumer     Consumer
	eventHandler *broker.EventHandler
	cache        ProductInvalidator
	logger       *zap.Logger
}

// NewCacheInvalidationWorker creates a new cache invalidation worker
func NewCacheInvalidationWorker(consumer Consumer, cache ProductInvalidator) *CacheInvalidationWorker {
	w := &CacheInvalidationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		cache:        cache,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnOrderPlaced(w.handleOrderPlaced)
	return w
}

// Start starts the worker
func (w *CacheInvalidationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting cache invalidation worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// HandleMessage processes one Kafka message
func (w *CacheInvalidationWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Stop stops the worker
func (w *CacheInvalidationWorker) Stop() error {
	w.logger.Info("Stopping cache invalidation worker")
	return w.consumer.Close()
}

func (w *CacheInvalidationWorker) handleOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	ids := event.ProductIDs()
	if len(ids) == 0 {
		return nil
	}
	if err := w.cache.Invalidate(ctx, ids...); err != nil {
		return err
	}
	w.logger.Debug("Invalidated cached products",
		zap.Int64("order_id", event.OrderID),
		zap.Int64s("product_ids", ids))
	return nil
}
