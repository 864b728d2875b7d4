package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// StockCheckedIntegrationEvent is published by the catalog service once it
// processed a stock removal request.
type StockCheckedIntegrationEvent struct {
	OrderID   int  `json:"orderId"`
	IsSuccess bool `json:"isSuccess"`
}

// OrderPaidIntegrationEvent is published by the payment service.
type OrderPaidIntegrationEvent struct {
	OrderID   int  `json:"orderId"`
	IsSuccess bool `json:"isSuccess"`
}

// OrderCompletedEvent is emitted once per saga when stock and payment are
// both confirmed.
type OrderCompletedEvent struct {
	OrderID     int       `json:"orderId"`
	CompletedAt time.Time `json:"completedAt"`
}

// OrderCompletedPublisher receives completion events.
type OrderCompletedPublisher interface {
	PublishOrderCompleted(ctx context.Context, event OrderCompletedEvent) error
}

// OrderCompletedPublisherFunc adapts a function to OrderCompletedPublisher.
type OrderCompletedPublisherFunc func(ctx context.Context, event OrderCompletedEvent) error

func (f OrderCompletedPublisherFunc) PublishOrderCompleted(ctx context.Context, event OrderCompletedEvent) error {
	return f(ctx, event)
}

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// OrderCompletedHandler labels completed orders as shipped.
type OrderCompletedHandler struct {
	orders OrderRepository
	logger *zap.Logger
}

// NewOrderCompletedHandler constructs an OrderCompletedHandler.
func NewOrderCompletedHandler(orders OrderRepository, logger *zap.Logger) *OrderCompletedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderCompletedHandler{orders: orders, logger: logger}
}

func (h *OrderCompletedHandler) PublishOrderCompleted(ctx context.Context, event OrderCompletedEvent) error {
	if err := h.orders.SetStatus(ctx, event.OrderID, StatusShipped); err != nil {
		return err
	}
	h.logger.Info("order shipped", zap.Int("order_number", event.OrderID))
	return nil
}

// FanoutPublisher applies completion events locally, broadcasts them to live
// subscribers and forwards them to external sinks.
type FanoutPublisher struct {
	local       OrderCompletedPublisher
	broadcaster Broadcaster
	sinks       []OrderCompletedPublisher
	logger      *zap.Logger
}

// NewFanoutPublisher constructs a publisher. local and broadcaster may be nil.
func NewFanoutPublisher(local OrderCompletedPublisher, broadcaster Broadcaster, logger *zap.Logger, sinks ...OrderCompletedPublisher) *FanoutPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FanoutPublisher{local: local, broadcaster: broadcaster, sinks: sinks, logger: logger}
}

// PublishOrderCompleted runs the local handler, the broadcast and every sink,
// whatever fails along the way. Failures are joined and returned at the end.
func (p *FanoutPublisher) PublishOrderCompleted(ctx context.Context, event OrderCompletedEvent) error {
	var errs []error
	if p.local != nil {
		if err := p.local.PublishOrderCompleted(ctx, event); err != nil {
			p.logger.Error("handle order completed", zap.Int("order_number", event.OrderID), zap.Error(err))
			errs = append(errs, err)
		}
	}

	if p.broadcaster != nil {
		payload := struct {
			Type        string    `json:"type"`
			OrderID     int       `json:"order_id"`
			CompletedAt time.Time `json:"completed_at"`
		}{
			Type:        "order_completed",
			OrderID:     event.OrderID,
			CompletedAt: event.CompletedAt,
		}
		if data, err := json.Marshal(payload); err != nil {
			errs = append(errs, err)
		} else {
			p.broadcaster.Broadcast(data)
		}
	}

	for _, sink := range p.sinks {
		if err := sink.PublishOrderCompleted(ctx, event); err != nil {
			p.logger.Error("forward order completed", zap.Int("order_number", event.OrderID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
