// Package exchange provides the Binance REST client and streaming frame codec.
//
// This file contains the shared configuration structure and its validation.
package exchange

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ExchangeConfig provides the connection parameters for one exchange.
type ExchangeConfig struct {
	// Name is the exchange name used in full symbol names (e.g., "Binance").
	Name string

	// RESTBaseURL is the HTTP endpoint for metadata and historical bars.
	RESTBaseURL string

	// StreamURL is the WebSocket endpoint that accepts SUBSCRIBE/UNSUBSCRIBE frames.
	StreamURL string

	// PageSize is the maximum number of bars requested per history query.
	PageSize int

	// RequestTimeout bounds every REST request.
	RequestTimeout time.Duration

	// RequestsPerSecond and Burst configure the REST request limiter.
	RequestsPerSecond float64
	Burst             int
}

var (
	// defaultBinanceConfig provides sensible default configuration values for Binance.
	defaultBinanceConfig = ExchangeConfig{
		Name:              "Binance",
		RESTBaseURL:       "https://api.binance.com",
		StreamURL:         "wss://stream.binance.com:9443/ws",
		PageSize:          1000,
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
	}
)

// DefaultConfig returns a copy of the default Binance configuration.
func DefaultConfig() ExchangeConfig {
	return defaultBinanceConfig
}

// validateConfig applies defaults for missing fields and rejects values that cannot work.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.Name == "" {
		cfg.Name = defaultCfg.Name
	}
	if cfg.RESTBaseURL == "" {
		cfg.RESTBaseURL = defaultCfg.RESTBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultCfg.StreamURL
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultCfg.PageSize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultCfg.RequestTimeout
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = defaultCfg.RequestsPerSecond
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaultCfg.Burst
	}

	if cfg.PageSize < 0 || cfg.PageSize > 1000 {
		return errors.New("page size must be between 1 and 1000")
	}
	if cfg.RequestTimeout < 0 {
		return errors.New("request timeout must be positive")
	}
	if cfg.RequestsPerSecond < 0 || cfg.Burst < 0 {
		return errors.New("rate limit must be positive")
	}

	return nil
}
