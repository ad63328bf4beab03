package worker

import (
	"context"

	"pos-service/internal/broker"
	"pos-service/internal/util"

	"go.uber.org/zap"
)

// RelayWorker feeds order events published by other replicas into the local hub
type RelayWorker struct {
	consumer *broker.Consumer
	handler  *broker.RelayHandler
}

// NewRelayWorker creates a new relay worker
func NewRelayWorker(consumer *broker.Consumer, local broker.Deliverer, origin string) *RelayWorker {
	return &RelayWorker{
		consumer: consumer,
		handler:  broker.NewRelayHandler(local, origin),
	}
}

// Start blocks consuming until ctx is done
func (w *RelayWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting relay worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *RelayWorker) Stop() error {
	util.GetLogger().Info("Stopping relay worker")
	if err := w.consumer.Close(); err != nil {
		util.GetLogger().Warn("Failed to close relay consumer", zap.Error(err))
		return err
	}
	return nil
}
