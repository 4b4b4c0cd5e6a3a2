package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/broker"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	eventPublisher := broker.NewEventPublisher(producer)
	carts := redisclient.NewCartStore(redisClient, cfg.Business.SessionTTL)
	productCache := redisclient.NewProductCache(redisClient, cfg.Business.ProductCacheTTL)

	orderService := service.NewOrderService(
		service.NewOrchestrator(db),
		carts,
		redisClient,
		db,
		eventPublisher,
		service.OrderServiceConfig{
			CheckoutTimeout: cfg.Business.CheckoutTimeout,
			LockTTL:         cfg.Business.CheckoutLockTTL,
			IdempotencyTTL:  cfg.Business.IdempotencyTTL,
		},
	)
	catalogService := service.NewCatalogService(db, productCache, redisClient, carts, redisClient, service.CatalogConfig{
		PageSize: cfg.Business.ProductsPageSize,
		LockTTL:  cfg.Business.CheckoutLockTTL,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	viewFlusher := worker.NewViewFlusher(redisClient, db, productCache, cfg.Business.ViewFlushInterval)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := viewFlusher.Start(workerCtx); err != nil {
			logger.Error("View flusher error", zap.Error(err))
		}
	}()

	cacheConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	cacheWorker := worker.NewCacheInvalidationWorker(cacheConsumer, productCache)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := cacheWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Cache invalidation worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, catalogService, cfg.Business.SessionTTL, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	workers.Wait()
	if err := cacheWorker.Stop(); err != nil {
		logger.Error("Error stopping cache invalidation worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
