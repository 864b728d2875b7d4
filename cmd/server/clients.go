package main

import (
	"orderflow/cmd/server/config"
	"orderflow/internal/observability"
	"orderflow/internal/orders"

	"go.uber.org/zap"
)

var loadReliability = orders.LoadReliabilityConfigFromEnv

// buildClients wires the catalog and payment collaborators. A service without
// a URL gets a no-op client; configured ones get their own breaker and limiter.
func buildClients(cfg config.ServicesConfig, metrics *observability.Metrics, logger *zap.Logger) (orders.CatalogClient, orders.PaymentClient, error) {
	var catalog orders.CatalogClient = &orders.NoopCatalogClient{Logger: logger}
	var payment orders.PaymentClient = &orders.NoopPaymentClient{Logger: logger}
	if cfg.CatalogURL == "" && cfg.PaymentURL == "" {
		logger.Warn("no catalog or payment service configured")
		return catalog, payment, nil
	}

	rel, err := loadReliability()
	if err != nil {
		return nil, nil, err
	}
	httpClient := orders.NewTracedHTTPClient(cfg.HTTPTimeout)

	if cfg.CatalogURL != "" {
		catalog = orders.NewReliableCatalogClient(
			orders.NewHTTPCatalogClient(cfg.CatalogURL, httpClient),
			rel.Build(metrics.AddRateLimitWait),
		)
	} else {
		logger.Warn("catalog service not configured")
	}
	if cfg.PaymentURL != "" {
		payment = orders.NewReliablePaymentClient(
			orders.NewHTTPPaymentClient(cfg.PaymentURL, httpClient),
			rel.Build(metrics.AddRateLimitWait),
		)
	} else {
		logger.Warn("payment service not configured")
	}
	return catalog, payment, nil
}
