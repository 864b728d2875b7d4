package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig holds process wide settings.
type AppConfig struct {
	Env         string
	ServiceName string
	LogDev      bool
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	KeyPrefix          string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for metrics and the live feed.
type ObservabilityConfig struct {
	Addr string
}

// DatabaseConfig selects the Postgres database. An empty URL keeps every
// store in memory.
type DatabaseConfig struct {
	URL          string
	SetupTimeout time.Duration
}

// LedgerConfig tunes the processed-request ledger and the duplicate wait.
type LedgerConfig struct {
	TTL          time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// ledgerTTLMargin is how long a pending claim must at least outlive the
// duplicate wait.
const ledgerTTLMargin = time.Minute

// CoversHandler reports an error when a pending claim could expire while a
// handler bounded by handlerTimeout is still running. A zero TTL never expires.
func (c LedgerConfig) CoversHandler(handlerTimeout time.Duration) error {
	if c.TTL == 0 {
		return nil
	}
	if floor := c.WaitTimeout + handlerTimeout + ledgerTTLMargin; c.TTL < floor {
		return fmt.Errorf("REQUEST_LEDGER_TTL %s must be at least %s (wait timeout + handler timeout + %s)", c.TTL, floor, ledgerTTLMargin)
	}
	return nil
}

// ServicesConfig locates the catalog and payment services.
type ServicesConfig struct {
	CatalogURL  string
	PaymentURL  string
	HTTPTimeout time.Duration
}

// KafkaConfig configures the integration event channel. No brokers disables it.
type KafkaConfig struct {
	Brokers             []string
	GroupID             string
	StockCheckedTopic   string
	OrderPaidTopic      string
	OrderCompletedTopic string
	DeadLetterTopic     string
	HandlerMaxAttempts  int
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// TracingConfig selects the OTLP/HTTP collector.
type TracingConfig struct {
	Endpoint string
	Insecure bool
}

// LoadApp reads process settings from env.
func LoadApp() (AppConfig, error) {
	cfg := AppConfig{
		Env:         strings.TrimSpace(os.Getenv("APP_ENV")),
		ServiceName: stringOr("SERVICE_NAME", "orderflow"),
	}
	var err error
	if cfg.LogDev, err = optionalBool("LOG_DEV"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		KeyPrefix: stringOr("REDIS_KEY_PREFIX", "orderflow:request:"),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// RedisEnabled reports whether REDIS_URL is set.
func RedisEnabled() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadGRPC reads gRPC listen and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              stringOr("GRPC_ADDR", ":50051"),
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

// LoadDatabase reads the optional Postgres settings from env.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
	var err error
	if cfg.SetupTimeout, err = durationOr("DATABASE_SETUP_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadLedger reads the idempotency ledger settings from env.
func LoadLedger() (LedgerConfig, error) {
	cfg := LedgerConfig{}
	var err error
	if cfg.TTL, err = durationOr("REQUEST_LEDGER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.WaitTimeout, err = durationOr("REQUEST_WAIT_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = durationOr("REQUEST_POLL_INTERVAL", 50*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.PollInterval == 0 {
		return cfg, errors.New("REQUEST_POLL_INTERVAL must be > 0")
	}
	if err := cfg.CoversHandler(0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadServices reads the collaborator URLs from env. Empty URLs disable the
// corresponding outbound client.
func LoadServices() (ServicesConfig, error) {
	cfg := ServicesConfig{
		CatalogURL: strings.TrimSpace(os.Getenv("CATALOG_URL")),
		PaymentURL: strings.TrimSpace(os.Getenv("PAYMENT_URL")),
	}
	var err error
	if cfg.HTTPTimeout, err = durationOr("HTTP_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadKafka reads the event channel settings from env.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{
		Brokers:             splitList(os.Getenv("KAFKA_BROKERS")),
		GroupID:             stringOr("KAFKA_GROUP_ID", "orderflow-saga"),
		StockCheckedTopic:   stringOr("KAFKA_STOCK_CHECKED_TOPIC", "stock-checked"),
		OrderPaidTopic:      stringOr("KAFKA_ORDER_PAID_TOPIC", "order-paid"),
		OrderCompletedTopic: strings.TrimSpace(os.Getenv("KAFKA_ORDER_COMPLETED_TOPIC")),
		DeadLetterTopic:     strings.TrimSpace(os.Getenv("KAFKA_DEAD_LETTER_TOPIC")),
		HandlerMaxAttempts:  5,
	}
	attempts, err := optionalInt("KAFKA_HANDLER_MAX_ATTEMPTS")
	if err != nil {
		return cfg, err
	}
	if attempts != nil {
		if *attempts < 1 {
			return cfg, errors.New("KAFKA_HANDLER_MAX_ATTEMPTS must be >= 1")
		}
		cfg.HandlerMaxAttempts = *attempts
	}
	return cfg, nil
}

// LoadTracing reads the optional OTLP exporter settings from env.
func LoadTracing() (TracingConfig, error) {
	cfg := TracingConfig{Endpoint: strings.TrimSpace(os.Getenv("OTEL_ENDPOINT"))}
	var err error
	if cfg.Insecure, err = optionalBool("OTEL_INSECURE"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return fallback, nil
	}
	return *val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
