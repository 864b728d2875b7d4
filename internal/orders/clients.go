package orders

import (
	"context"
	"sync"
)

// CatalogClient asks the catalog service to remove stock for an order. A nil
// error only means the request was accepted; the outcome arrives later as a
// StockCheckedIntegrationEvent.
type CatalogClient interface {
	RemoveStock(ctx context.Context, requestID string, orderNumber int, items []OrderItem) error
}

// PaymentClient asks the payment service to create a payment for an order.
// The outcome arrives later as an OrderPaidIntegrationEvent.
type PaymentClient interface {
	CreatePayment(ctx context.Context, requestID string, orderNumber int) error
}

// StockRequest is one call recorded by InMemoryCatalogClient.
type StockRequest struct {
	RequestID   string
	OrderNumber int
	Items       []OrderItem
}

// PaymentRequest is one call recorded by InMemoryPaymentClient.
type PaymentRequest struct {
	RequestID   string
	OrderNumber int
}

// NewInMemoryCatalogClient constructs an in-memory catalog client.
func NewInMemoryCatalogClient() *InMemoryCatalogClient {
	return &InMemoryCatalogClient{}
}

// InMemoryCatalogClient records stock requests in memory.
type InMemoryCatalogClient struct {
	mu       sync.Mutex
	requests []StockRequest
	err      error
}

func (c *InMemoryCatalogClient) RemoveStock(ctx context.Context, requestID string, orderNumber int, items []OrderItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.requests = append(c.requests, StockRequest{
		RequestID:   requestID,
		OrderNumber: orderNumber,
		Items:       append([]OrderItem(nil), items...),
	})
	return nil
}

// FailWith makes every later call return err; nil restores success.
func (c *InMemoryCatalogClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Requests returns the recorded requests (for testing/inspection).
func (c *InMemoryCatalogClient) Requests() []StockRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StockRequest(nil), c.requests...)
}

// NewInMemoryPaymentClient constructs an in-memory payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{}
}

// InMemoryPaymentClient records payment requests in memory.
type InMemoryPaymentClient struct {
	mu       sync.Mutex
	requests []PaymentRequest
	err      error
}

func (c *InMemoryPaymentClient) CreatePayment(ctx context.Context, requestID string, orderNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.requests = append(c.requests, PaymentRequest{RequestID: requestID, OrderNumber: orderNumber})
	return nil
}

// FailWith makes every later call return err; nil restores success.
func (c *InMemoryPaymentClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Requests returns the recorded requests (for testing/inspection).
func (c *InMemoryPaymentClient) Requests() []PaymentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PaymentRequest(nil), c.requests...)
}
