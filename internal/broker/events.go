package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pos-service/internal/models"
	"pos-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Deliverer pushes an order event to the subscribers connected to this replica
type Deliverer interface {
	Broadcast(ctx context.Context, event models.OrderEvent) error
}

const (
	defaultRelayQueue = 256
	publishTimeout    = 30 * time.Second
)

// ErrRelayClosed is returned by Broadcast after Close
var ErrRelayClosed = errors.New("relay closed")

// Relay delivers order events locally and republishes them so every other
// replica can deliver them to its own subscribers. Broadcast only enqueues the
// envelope; a single goroutine publishes in enqueue order, so callers holding
// a lock never wait on the broker.
type Relay struct {
	publisher Publisher
	local     Deliverer
	origin    string
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.RelayEnvelope
	done   chan struct{}
}

// NewRelay creates a relay and starts its publisher. origin identifies this
// replica on the topic. queueSize bounds the envelopes waiting for the broker.
func NewRelay(publisher Publisher, local Deliverer, origin string, queueSize int) *Relay {
	if queueSize <= 0 {
		queueSize = defaultRelayQueue
	}
	r := &Relay{
		publisher: publisher,
		local:     local,
		origin:    origin,
		logger:    util.GetLogger(),
		queue:     make(chan models.RelayEnvelope, queueSize),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Broadcast implements the order service's broadcaster
func (r *Relay) Broadcast(ctx context.Context, event models.OrderEvent) error {
	if event.Order == nil {
		return fmt.Errorf("%s event without order", event.Type)
	}

	localErr := r.local.Broadcast(ctx, event)

	envelope := models.RelayEnvelope{
		EventID:   uuid.NewString(),
		Origin:    r.origin,
		Timestamp: time.Now().UTC(),
		Event:     event,
	}
	if err := r.enqueue(envelope); err != nil {
		return errors.Join(localErr, fmt.Errorf("failed to relay %s for order %s: %w", event.Type, event.Order.ID, err))
	}
	return localErr
}

func (r *Relay) enqueue(envelope models.RelayEnvelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRelayClosed
	}
	select {
	case r.queue <- envelope:
		return nil
	default:
		util.RelayEventsTotal.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("relay queue full (%d pending)", cap(r.queue))
	}
}

func (r *Relay) run() {
	defer close(r.done)

	for envelope := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := r.publisher.PublishEvent(ctx, envelope.Event.Order.ID, envelope)
		cancel()

		if err != nil {
			util.RelayEventsTotal.WithLabelValues("publish_failed").Inc()
			r.logger.Error("Failed to relay order event",
				zap.String("event_id", envelope.EventID),
				zap.String("type", envelope.Event.Type),
				zap.String("order_id", envelope.Event.Order.ID),
				zap.Error(err))
			continue
		}
		util.RelayEventsTotal.WithLabelValues("published").Inc()
	}
}

// Close stops accepting events and waits until the queued ones are published
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
}

// RelayHandler consumes envelopes published by other replicas
type RelayHandler struct {
	local  Deliverer
	origin string
	logger *zap.Logger
}

// NewRelayHandler creates a handler delivering foreign events into local
func NewRelayHandler(local Deliverer, origin string) *RelayHandler {
	return &RelayHandler{
		local:  local,
		origin: origin,
		logger: util.GetLogger(),
	}
}

// HandleMessage delivers one relayed event. Undecodable messages are logged
// and committed so they never block the partition.
func (h *RelayHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var envelope models.RelayEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		util.RelayEventsTotal.WithLabelValues("malformed").Inc()
		h.logger.Warn("Skipping malformed relay message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	if envelope.Origin == h.origin {
		util.RelayEventsTotal.WithLabelValues("own").Inc()
		return nil
	}

	if envelope.Event.Order == nil {
		util.RelayEventsTotal.WithLabelValues("malformed").Inc()
		h.logger.Warn("Skipping relay event without order", zap.String("event_id", envelope.EventID))
		return nil
	}

	if err := h.local.Broadcast(ctx, envelope.Event); err != nil {
		return fmt.Errorf("failed to deliver relayed event %s: %w", envelope.EventID, err)
	}

	util.RelayEventsTotal.WithLabelValues("delivered").Inc()
	h.logger.Debug("Relayed event delivered",
		zap.String("event_id", envelope.EventID),
		zap.String("origin", envelope.Origin),
		zap.String("type", envelope.Event.Type),
		zap.String("order_id", envelope.Event.Order.ID))
	return nil
}
