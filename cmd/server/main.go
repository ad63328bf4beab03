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

	"pos-service/config"
	"pos-service/internal/api"
	"pos-service/internal/broker"
	"pos-service/internal/hub"
	"pos-service/internal/lock"
	"pos-service/internal/redisclient"
	"pos-service/internal/service"
	"pos-service/internal/store"
	"pos-service/internal/util"
	"pos-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type backend interface {
	service.OrderStore
	service.LedgerStore
	api.Pinger
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting POS service",
		zap.String("env", cfg.Server.Env),
		zap.String("instance", cfg.Server.InstanceID))

	tp, err := util.InitTracer("pos-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	var db backend
	switch cfg.Database.Driver {
	case "memory":
		db = store.NewMemoryStore()
		logger.Warn("Using in-memory store, data is lost on exit")
	default:
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		db = pg
		logger.Info("Database connected")
	}

	ready := []api.Pinger{db}
	var walletLock, orderLock lock.Locker = lock.NewKeyedMutex(), lock.NewKeyedMutex()
	if cfg.Wallet.Lock == "redis" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		ready = append(ready, redisClient)

		walletLock = lock.Chain{walletLock,
			redisClient.NewLocker("wallet", cfg.Wallet.LockExpiry, cfg.Wallet.LockRetries)}
		orderLock = lock.Chain{orderLock,
			redisClient.NewLocker("order", cfg.Wallet.LockExpiry, cfg.Wallet.LockRetries)}
		logger.Info("Redis connected, distributed locks enabled")
	}

	statusHub := hub.New(hub.Options{
		HeartbeatWindow: cfg.Hub.HeartbeatWindow,
		SendBuffer:      cfg.Hub.SendBuffer,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var broadcaster service.Broadcaster = statusHub
	var relay *broker.Relay
	var relayWorker *worker.RelayWorker
	if cfg.Hub.BroadcastMode == "kafka" {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		relay = broker.NewRelay(producer, statusHub, cfg.Server.InstanceID, cfg.Kafka.RelayQueue)
		broadcaster = relay

		groupID := fmt.Sprintf("%s-%s", cfg.Kafka.GroupPrefix, cfg.Server.InstanceID)
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, groupID)
		relayWorker = worker.NewRelayWorker(consumer, statusHub, cfg.Server.InstanceID)
		go func() {
			if err := relayWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Relay worker error", zap.Error(err))
			}
		}()
		logger.Info("Kafka relay enabled", zap.String("group", groupID))
	}

	payments := service.NewPaymentExecutor(db, db, walletLock, orderLock)
	orderService := service.NewOrderService(db, payments, broadcaster, orderLock)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, payments, statusHub, ready...)
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

	logger.Info("Shutting down server")

	// hijacked websocket connections are not drained by Shutdown
	statusHub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	// flush queued events before the producer closes
	if relay != nil {
		relay.Close()
	}

	workerCancel()
	if relayWorker != nil {
		_ = relayWorker.Stop()
	}

	logger.Info("Server exited")
}
