package orders

import (
	"context"

	"go.uber.org/zap"
)

// NoopCatalogClient accepts every stock request without contacting a service.
// It is wired when no catalog URL is configured.
type NoopCatalogClient struct {
	Logger *zap.Logger
}

func (n *NoopCatalogClient) RemoveStock(ctx context.Context, requestID string, orderNumber int, items []OrderItem) error {
	if n.Logger != nil {
		n.Logger.Warn("catalog disabled, stock request dropped",
			zap.Int("order_number", orderNumber),
			zap.String("request_id", requestID),
		)
	}
	return nil
}

// NoopPaymentClient accepts every payment request without contacting a service.
type NoopPaymentClient struct {
	Logger *zap.Logger
}

func (n *NoopPaymentClient) CreatePayment(ctx context.Context, requestID string, orderNumber int) error {
	if n.Logger != nil {
		n.Logger.Warn("payment disabled, payment request dropped",
			zap.Int("order_number", orderNumber),
			zap.String("request_id", requestID),
		)
	}
	return nil
}
