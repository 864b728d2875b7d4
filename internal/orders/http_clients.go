package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RequestIDHeader carries the per-call idempotency token to remote services.
const RequestIDHeader = "x-requestid"

const (
	stockRemovalPath = "/api/v1/stock/stocktoremovefromproducts"
	paymentPath      = "/api/v1/payment/"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s responded %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s responded %d: %s", e.Service, e.StatusCode, e.Body)
}

// Retryable reports whether the response is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// NewTracedHTTPClient returns a client whose transport records a client span
// per request and propagates the trace context in the request headers.
func NewTracedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPCatalogClient calls the catalog service stock API.
type HTTPCatalogClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCatalogClient constructs a catalog client. A nil http.Client gets a
// traced client with a 10s timeout.
func NewHTTPCatalogClient(baseURL string, client *http.Client) *HTTPCatalogClient {
	return &HTTPCatalogClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  defaultHTTPClient(client),
	}
}

func (c *HTTPCatalogClient) RemoveStock(ctx context.Context, requestID string, orderNumber int, items []OrderItem) error {
	body, err := json.Marshal(struct {
		OrderNumber int         `json:"orderNumber"`
		OrderItems  []OrderItem `json:"orderItems"`
	}{OrderNumber: orderNumber, OrderItems: items})
	if err != nil {
		return err
	}
	return send(ctx, c.client, "catalog", http.MethodPut, c.baseURL+stockRemovalPath, requestID, body)
}

// HTTPPaymentClient calls the payment service.
type HTTPPaymentClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPaymentClient constructs a payment client.
func NewHTTPPaymentClient(baseURL string, client *http.Client) *HTTPPaymentClient {
	return &HTTPPaymentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  defaultHTTPClient(client),
	}
}

func (c *HTTPPaymentClient) CreatePayment(ctx context.Context, requestID string, orderNumber int) error {
	url := c.baseURL + paymentPath + strconv.Itoa(orderNumber)
	return send(ctx, c.client, "payment", http.MethodPost, url, requestID, nil)
}

func send(ctx context.Context, client *http.Client, service, method, url, requestID string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, requestID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Service: service, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func defaultHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return NewTracedHTTPClient(10 * time.Second)
}
