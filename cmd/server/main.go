package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shop-service/config"
	"shop-service/internal/api"
	"shop-service/internal/broker"
	"shop-service/internal/models"
	"shop-service/internal/redisclient"
	"shop-service/internal/service"
	"shop-service/internal/store"
	"shop-service/internal/store/memstore"
	"shop-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shop service",
		zap.String("env", cfg.Server.Env),
		zap.String("store_driver", cfg.Database.Driver))

	tp, err := util.InitTracer("shop-service", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	var (
		locker      service.Locker
		idempotency service.IdempotencyStore
		ready       = []api.Pinger{st}
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	switch {
	case err == nil:
		locker, idempotency = redisClient, redisClient
		ready = append(ready, redisClient)
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	case cfg.Database.Driver == config.StoreDriverMemory:
		logger.Warn("Redis unavailable, running without payment lock and idempotency cache", zap.Error(err))
	default:
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	var (
		producer  *broker.Producer
		publisher service.EventPublisher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		logger.Warn("No Kafka brokers configured, domain events are dropped")
	}

	auth, err := api.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Fatal("Failed to initialize authenticator", zap.Error(err))
	}

	settings := service.Settings{
		DeliveryDays:             cfg.Business.DeliveryDays,
		ReleaseStockOnCartChange: cfg.Business.ReleaseStockOnCartChange,
		PaymentLockTTL:           cfg.Business.PaymentLockTTL(),
		IdempotencyTTL:           cfg.Business.IdempotencyTTL(),
		DefaultGateway:           cfg.Business.DefaultPaymentGateway,
	}
	opts := []service.Option{service.WithLogger(logger)}

	cartService := service.NewCartService(st, settings, opts...)
	orderService := service.NewOrderService(st, publisher, idempotency, settings, opts...)
	paymentService := service.NewPaymentService(st, publisher, locker, nil, settings, opts...)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, orderService, paymentService, auth, ready...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	errs := srv.Shutdown(shutdownCtx)
	if producer != nil {
		errs = multierr.Append(errs, producer.Close())
	}
	if redisClient != nil {
		errs = multierr.Append(errs, redisClient.Close())
	}
	errs = multierr.Append(errs, st.Close())
	errs = multierr.Append(errs, tp.Shutdown(shutdownCtx))
	if errs != nil {
		logger.Error("Unclean shutdown", zap.Error(errs))
	}

	logger.Info("Server exited")
}

// openStore connects the configured store driver. Postgres is retried with
// backoff so the service can start alongside its database.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.Driver == config.StoreDriverMemory {
		st := memstore.New()
		seedDemoData(st)
		logger.Warn("Using in-memory store, data is lost on restart")
		return st, nil
	}

	var pg *store.PostgresStore
	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		pg, err = store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Warn("Database not reachable, retrying", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx, pg.DB().DB, "up"); err != nil {
			return nil, multierr.Append(err, pg.Close())
		}
		logger.Info("Migrations applied")
	}
	return pg, nil
}

// seedDemoData gives a memory-backed instance a user, an address and a small
// catalog to shop from. Tokens are minted for user 1.
func seedDemoData(st *memstore.Store) {
	user := st.PutUser(models.User{Username: "demo", Email: "demo@example.com"})
	st.PutAddress(models.Address{
		UserID:  user.ID,
		Street:  "221B Baker Street",
		City:    "London",
		Country: "UK",
		Pincode: "NW16XE",
	})
	st.PutProduct(models.Product{
		Name:     "Mechanical Keyboard",
		Quantity: 25,
		Price:    decimal.NewFromInt(120),
		Discount: decimal.NewFromInt(15),
	})
	st.PutProduct(models.Product{
		Name:     "USB-C Cable",
		Quantity: 100,
		Price:    decimal.NewFromInt(12),
		Discount: decimal.Zero,
	})
}
