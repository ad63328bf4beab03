// Command syncagent follows one user's orders from the terminal: it keeps the
// local list in sync with the hub and the API and logs notifications.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pos-service/config"
	"pos-service/internal/models"
	"pos-service/internal/syncagent"
	"pos-service/internal/util"

	"go.uber.org/zap"
)

type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) OrderStatusChanged(order models.Order, message string) {
	n.logger.Info(message,
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("total", order.TotalAmount.String()))
}

func (n logNotifier) ConnectivityChanged(degraded bool) {
	if degraded {
		n.logger.Warn("Live updates unavailable, refreshing periodically")
		return
	}
	n.logger.Info("Live updates restored")
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	if cfg.Sync.UserID == "" {
		logger.Fatal("SYNC_USER_ID is required")
	}

	agent := syncagent.New(syncagent.Options{
		APIURL:         cfg.Sync.APIURL,
		HubURL:         cfg.Sync.HubURL,
		UserID:         cfg.Sync.UserID,
		PollInterval:   cfg.Sync.PollInterval,
		ReconnectDelay: cfg.Sync.ReconnectDelay,
		RequestTimeout: cfg.Sync.RequestTimeout,
		DegradedAfter:  cfg.Sync.DegradedAfter,
	}, logNotifier{logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 simulates the orders screen regaining focus
	focus := make(chan os.Signal, 1)
	signal.Notify(focus, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-focus:
				if err := agent.Focus(ctx); err != nil {
					logger.Warn("Refresh on focus failed", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("Sync agent started",
		zap.String("user_id", cfg.Sync.UserID),
		zap.String("hub", cfg.Sync.HubURL))

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Sync agent stopped", zap.Error(err))
	}

	for _, order := range agent.Orders() {
		logger.Info("Order",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.Time("created_at", order.CreatedAt))
	}
}
