// Package config loads feed settings.
//
// Sources, lowest precedence first: built-in defaults, an optional
// config/feed.yaml (or an explicit file), then FEED_* environment variables.
// A .env file in the working directory is loaded into the environment first.
//
//	FEED_EXCHANGE_REST_URL    overrides exchange.rest_url
//	FEED_STREAM_MAX_BACKOFF   overrides stream.max_backoff
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chartfeed/internal/exchange"
	"chartfeed/internal/websocket"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	configName = "feed"
	envPrefix  = "FEED"
)

// ErrInvalidConfig is returned when loaded settings fail validation.
var ErrInvalidConfig = errors.New("invalid feed configuration")

// Config is the complete feed configuration.
type Config struct {
	Exchange ExchangeSection `mapstructure:"exchange"`
	Stream   StreamSection   `mapstructure:"stream"`
	Server   ServerSection   `mapstructure:"server"`
	Log      LogSection      `mapstructure:"log"`
}

// ExchangeSection configures the REST client.
type ExchangeSection struct {
	Name              string        `mapstructure:"name" validate:"required"`
	RESTURL           string        `mapstructure:"rest_url" validate:"required,url"`
	StreamURL         string        `mapstructure:"stream_url" validate:"required,url"`
	PageSize          int           `mapstructure:"page_size" validate:"gte=1,lte=1000"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=1"`
}

// StreamSection configures the streaming connection.
type StreamSection struct {
	PingPeriod       time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	SendTimeout      time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
	MinBackoff       time.Duration `mapstructure:"min_backoff" validate:"gt=0"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" validate:"gtefield=MinBackoff"`
	StableReset      time.Duration `mapstructure:"stable_reset" validate:"gt=0"`
}

// ServerSection configures cmd/server.
type ServerSection struct {
	GRPCAddr    string   `mapstructure:"grpc_addr" validate:"required"`
	MetricsAddr string   `mapstructure:"metrics_addr" validate:"required"`
	Symbols     []string `mapstructure:"symbols" validate:"dive,required"`
	Resolution  string   `mapstructure:"resolution" validate:"required"`
}

// LogSection configures the global logger.
type LogSection struct {
	Level   string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	ex := exchange.DefaultConfig()
	v.SetDefault("exchange.name", ex.Name)
	v.SetDefault("exchange.rest_url", ex.RESTBaseURL)
	v.SetDefault("exchange.stream_url", ex.StreamURL)
	v.SetDefault("exchange.page_size", ex.PageSize)
	v.SetDefault("exchange.request_timeout", ex.RequestTimeout)
	v.SetDefault("exchange.requests_per_second", ex.RequestsPerSecond)
	v.SetDefault("exchange.burst", ex.Burst)

	v.SetDefault("stream.ping_period", 15*time.Second)
	v.SetDefault("stream.send_timeout", 5*time.Second)
	v.SetDefault("stream.handshake_timeout", 10*time.Second)
	v.SetDefault("stream.min_backoff", 200*time.Millisecond)
	v.SetDefault("stream.max_backoff", 30*time.Second)
	v.SetDefault("stream.stable_reset", 10*time.Second)

	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.symbols", []string{"Binance:BTC/USDT"})
	v.SetDefault("server.resolution", "1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// Load reads the configuration. An empty path searches ./config and . for
// feed.yaml and accepts its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env")
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Debug().Msg("no config file found, using defaults and environment")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("config loaded")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ExchangeConfig converts the exchange section for exchange.NewRESTClient.
func (c *Config) ExchangeConfig() *exchange.ExchangeConfig {
	return &exchange.ExchangeConfig{
		Name:              c.Exchange.Name,
		RESTBaseURL:       c.Exchange.RESTURL,
		StreamURL:         c.Exchange.StreamURL,
		PageSize:          c.Exchange.PageSize,
		RequestTimeout:    c.Exchange.RequestTimeout,
		RequestsPerSecond: c.Exchange.RequestsPerSecond,
		Burst:             c.Exchange.Burst,
	}
}

// StreamConfig builds the streaming client settings around the given callbacks.
func (c *Config) StreamConfig(handler func([]byte), pingReply func([]byte) ([]byte, bool), onState func(websocket.State)) websocket.Config {
	return websocket.Config{
		Endpoint:         c.Exchange.StreamURL,
		Handler:          handler,
		PingReply:        pingReply,
		OnStateChange:    onState,
		PingPeriod:       c.Stream.PingPeriod,
		SendTimeout:      c.Stream.SendTimeout,
		HandshakeTimeout: c.Stream.HandshakeTimeout,
		MinBackoff:       c.Stream.MinBackoff,
		MaxBackoff:       c.Stream.MaxBackoff,
		StableReset:      c.Stream.StableReset,
	}
}
