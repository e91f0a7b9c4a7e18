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

	"offer-service/config"
	"offer-service/internal/api"
	"offer-service/internal/broker"
	"offer-service/internal/gateway"
	"offer-service/internal/redisclient"
	"offer-service/internal/service"
	"offer-service/internal/store"
	"offer-service/internal/util"
	"offer-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting offer service")

	tp, err := util.InitTracer("offer-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
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

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	migrateCancel()
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	var eventCache gateway.EventCache
	var cachePinger api.Pinger
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "offer-service")
		if err != nil {
			logger.Warn("Redis unavailable, gateway events dedupe on the database only", zap.Error(err))
		} else {
			defer redisClient.Close()
			eventCache = redisClient
			cachePinger = redisClient
			logger.Info("Redis connected")
		}
	}

	eventsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOffers)
	defer eventsProducer.Close()
	payoutsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayouts)
	defer payoutsProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(eventsProducer, payoutsProducer)

	catalog := service.NewCatalogClient(cfg.Catalog.ListingURL, cfg.Catalog.InventoryURL, cfg.Catalog.Timeout)
	gatewayClient := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Currency, cfg.Gateway.Timeout)

	transactionLedger := service.NewTransactionLedger(db, eventPublisher, gatewayClient, cfg.Business)
	offerLedger := service.NewOfferLedger(db, catalog, catalog, eventPublisher, transactionLedger, cfg.Business)

	verifier := gateway.NewVerifier(cfg.Gateway.WebhookSecret, cfg.Gateway.WebhookTolerance)
	adapter := gateway.NewAdapter(verifier, transactionLedger, eventCache, cfg.Redis.EventTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	payoutConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayouts, cfg.Kafka.ConsumerGroup)
	payoutWorker := worker.NewPayoutWorker(payoutConsumer, db, transactionLedger, gatewayClient)
	go func() {
		if err := payoutWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Payout worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		offerLedger,
		transactionLedger,
		adapter,
		api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		api.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		db,
		cachePinger,
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := payoutWorker.Stop(); err != nil {
		logger.Error("Error stopping payout worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
