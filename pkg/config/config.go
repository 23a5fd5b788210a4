// Package config loads per-binary environment configuration, following
// pkg/database's LoadConfigFromEnv/Validate pattern (spec §9 ambient
// stack): every knob has a production-ready default except secrets,
// which have none: the database password is required, while the Binance
// API key and secret may be left empty (only signed account calls use
// them).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) (int, error) {
	raw := getEnvOrDefault(key, strconv.Itoa(defaultVal))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDurationOrDefault(key, defaultVal string) (time.Duration, error) {
	raw := getEnvOrDefault(key, defaultVal)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// GatewayConfig configures cmd/gateway: the WebSocket/HTTP listen surface
// clients connect to.
type GatewayConfig struct {
	HTTPAddr      string
	WriteTimeout  time.Duration
}

// LoadGatewayConfigFromEnv reads GatewayConfig from the environment.
func LoadGatewayConfigFromEnv() (GatewayConfig, error) {
	writeTimeout, err := getEnvDurationOrDefault("GATEWAY_WRITE_TIMEOUT", "10s")
	if err != nil {
		return GatewayConfig{}, err
	}
	cfg := GatewayConfig{
		HTTPAddr:     getEnvOrDefault("GATEWAY_HTTP_ADDR", ":8080"),
		WriteTimeout: writeTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// Validate checks GatewayConfig for internal consistency.
func (c GatewayConfig) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("GATEWAY_HTTP_ADDR is required")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("GATEWAY_WRITE_TIMEOUT must be positive")
	}
	return nil
}

// AdapterConfig configures cmd/adapter: the exchange adapter's upstream
// endpoints and worker pool sizing (spec §4.10).
type AdapterConfig struct {
	HTTPAddr string

	SpotWSURL      string
	FuturesWSURL   string
	SpotBaseURL    string
	FuturesBaseURL string
	ProxyURL       string

	BinanceAPIKey    string
	BinanceAPISecret string

	WorkerCount int
	PollEvery   time.Duration
}

// LoadAdapterConfigFromEnv reads AdapterConfig from the environment.
func LoadAdapterConfigFromEnv() (AdapterConfig, error) {
	workerCount, err := getEnvIntOrDefault("ADAPTER_WORKER_COUNT", 4)
	if err != nil {
		return AdapterConfig{}, err
	}
	pollEvery, err := getEnvDurationOrDefault("ADAPTER_POLL_EVERY", "2s")
	if err != nil {
		return AdapterConfig{}, err
	}
	cfg := AdapterConfig{
		HTTPAddr:       getEnvOrDefault("ADAPTER_HTTP_ADDR", ":8081"),
		SpotWSURL:      getEnvOrDefault("ADAPTER_SPOT_WS_URL", "wss://stream.binance.com:9443/stream"),
		FuturesWSURL:   getEnvOrDefault("ADAPTER_FUTURES_WS_URL", "wss://fstream.binance.com/stream"),
		SpotBaseURL:    getEnvOrDefault("ADAPTER_SPOT_BASE_URL", "https://api.binance.com"),
		FuturesBaseURL: getEnvOrDefault("ADAPTER_FUTURES_BASE_URL", "https://fapi.binance.com"),
		ProxyURL:         os.Getenv("ADAPTER_PROXY_URL"),
		BinanceAPIKey:    os.Getenv("ADAPTER_BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("ADAPTER_BINANCE_API_SECRET"),
		WorkerCount:      workerCount,
		PollEvery:        pollEvery,
	}
	if err := cfg.Validate(); err != nil {
		return AdapterConfig{}, err
	}
	return cfg, nil
}

// Validate checks AdapterConfig for internal consistency.
func (c AdapterConfig) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("ADAPTER_WORKER_COUNT must be at least 1")
	}
	if c.SpotWSURL == "" || c.FuturesWSURL == "" {
		return fmt.Errorf("ADAPTER_SPOT_WS_URL and ADAPTER_FUTURES_WS_URL are required")
	}
	if c.SpotBaseURL == "" || c.FuturesBaseURL == "" {
		return fmt.Errorf("ADAPTER_SPOT_BASE_URL and ADAPTER_FUTURES_BASE_URL are required")
	}
	return nil
}

// SignalWorkerConfig configures cmd/signalworker: the strategy evaluation
// pipeline's sizing knobs, grounded in signal_service.py's module-level
// constants (REQUIRED_KLINES=280, 5s task wait, 2s retry backoff).
type SignalWorkerConfig struct {
	HTTPAddr string

	RequiredKlines int
	FillWaitTimeout time.Duration
	FillRetryDelay  time.Duration
}

// LoadSignalWorkerConfigFromEnv reads SignalWorkerConfig from the environment.
func LoadSignalWorkerConfigFromEnv() (SignalWorkerConfig, error) {
	required, err := getEnvIntOrDefault("SIGNALWORKER_REQUIRED_KLINES", 280)
	if err != nil {
		return SignalWorkerConfig{}, err
	}
	waitTimeout, err := getEnvDurationOrDefault("SIGNALWORKER_FILL_WAIT_TIMEOUT", "5s")
	if err != nil {
		return SignalWorkerConfig{}, err
	}
	retryDelay, err := getEnvDurationOrDefault("SIGNALWORKER_FILL_RETRY_DELAY", "2s")
	if err != nil {
		return SignalWorkerConfig{}, err
	}
	cfg := SignalWorkerConfig{
		HTTPAddr:        getEnvOrDefault("SIGNALWORKER_HTTP_ADDR", ":8082"),
		RequiredKlines:  required,
		FillWaitTimeout: waitTimeout,
		FillRetryDelay:  retryDelay,
	}
	if err := cfg.Validate(); err != nil {
		return SignalWorkerConfig{}, err
	}
	return cfg, nil
}

// Validate checks SignalWorkerConfig for internal consistency.
func (c SignalWorkerConfig) Validate() error {
	if c.RequiredKlines < 2 {
		return fmt.Errorf("SIGNALWORKER_REQUIRED_KLINES must be at least 2")
	}
	if c.FillWaitTimeout <= 0 || c.FillRetryDelay <= 0 {
		return fmt.Errorf("SIGNALWORKER_FILL_WAIT_TIMEOUT and SIGNALWORKER_FILL_RETRY_DELAY must be positive")
	}
	return nil
}
