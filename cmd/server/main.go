/*
Package main runs the chart data feed against the exchange.

It resolves the configured symbols, loads their recent history and keeps one
live bar subscription per symbol, logging every bar it receives. A gRPC health
endpoint reports SERVING while the stream is open, and prometheus metrics are
exposed over HTTP.

Usage:

	go run ./cmd/server -config=config/feed.yaml -symbols=Binance:BTC/USDT,ETH/USDT -resolution=1

Settings come from the config file and FEED_* environment variables; flags
override both.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chartfeed/internal/catalog"
	"chartfeed/internal/config"
	"chartfeed/internal/exchange"
	"chartfeed/internal/history"
	"chartfeed/internal/model"
	"chartfeed/internal/service"
	"chartfeed/internal/websocket"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file (default: search ./config and .)")
	symbols    = flag.String("symbols", "", "Comma-separated full symbol names; overrides server.symbols")
	resolution = flag.String("resolution", "", "Bar resolution (e.g. 1, 60, 1D); overrides server.resolution")
	lookback   = flag.Duration("lookback", 6*time.Hour, "History window loaded before subscribing")
)

const healthPollInterval = time.Second

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	applyFlags(cfg)
	setupLogger(cfg.Log)

	res := model.Resolution(cfg.Server.Resolution)
	if _, err := res.Interval(); err != nil {
		log.Fatal().Err(err).Str("resolution", cfg.Server.Resolution).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := newFeed(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build feed")
	}
	if err := feed.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start feed")
	}

	ready := make(chan model.DatafeedConfiguration, 1)
	feed.OnReady(func(conf model.DatafeedConfiguration) { ready <- conf })
	conf := <-ready
	log.Info().
		Int("resolutions", len(conf.SupportedResolutions)).
		Str("exchange", conf.Exchanges[0].Value).
		Msg("feed ready")

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("grpc health server starting")
		return s.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server starting")
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reportHealth(gctx, feed, healthServer)
		return nil
	})
	g.Go(func() error {
		select {
		case <-sig:
			log.Info().Msg("initiating graceful shutdown")
		case <-gctx.Done():
		}

		healthServer.Shutdown()
		if err := feed.Stop(); err != nil {
			log.Error().Err(err).Msg("feed stop failed")
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown failed")
		}
		s.GracefulStop()
		cancel()
		return nil
	})

	for _, name := range splitSymbols(cfg.Server.Symbols) {
		follow(feed, name, res, *lookback)
	}

	log.Info().
		Strs("symbols", cfg.Server.Symbols).
		Str("resolution", string(res)).
		Msg("server started")

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server stopped")
}

func applyFlags(cfg *config.Config) {
	if *symbols != "" {
		cfg.Server.Symbols = strings.Split(*symbols, ",")
	}
	if *resolution != "" {
		cfg.Server.Resolution = *resolution
	}
}

func setupLogger(cfg config.LogSection) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Console {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func splitSymbols(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// newFeed wires the REST client, catalog, history fetcher and stream factory.
func newFeed(cfg *config.Config) (*service.Feed, error) {
	rest, err := exchange.NewRESTClient(cfg.ExchangeConfig())
	if err != nil {
		return nil, err
	}

	newStream := func(ctx context.Context, handler func([]byte), onState func(websocket.State)) (service.StreamConn, error) {
		client, err := websocket.NewClient(ctx, cfg.StreamConfig(handler, exchange.PongFor, onState))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	return service.NewFeed(
		service.FeedConfig{
			Exchange:       cfg.Exchange.Name,
			RequestTimeout: cfg.Exchange.RequestTimeout,
		},
		catalog.NewCatalog(rest, cfg.Exchange.Name),
		history.NewFetcher(rest, cfg.Exchange.PageSize),
		newStream,
	), nil
}

// follow resolves name, loads its recent history and subscribes to live bars.
// Every step runs on feed callbacks, so follow returns immediately.
func follow(feed *service.Feed, name string, res model.Resolution, window time.Duration) {
	logger := log.With().Str("symbol", name).Str("resolution", string(res)).Logger()

	onError := func(err error) {
		logger.Error().Err(err).Msg("symbol skipped")
	}

	feed.ResolveSymbol(name, func(info model.SymbolInfo) {
		inst := info.Instrument
		now := time.Now()
		period := model.PeriodParams{
			From:             now.Add(-window).Unix(),
			To:               now.Unix(),
			FirstDataRequest: true,
		}

		feed.GetBars(inst, res, period, func(hist model.History) {
			ev := logger.Info().Int("bars", len(hist.Bars)).Bool("no_data", hist.NoData)
			if n := len(hist.Bars); n > 0 {
				ev = ev.Stringer("last", hist.Bars[n-1])
			}
			ev.Msg("history loaded")

			subscriberID := uuid.NewString()
			feed.SubscribeBars(inst, res,
				func(bar model.Bar) {
					logger.Info().
						Time("time", bar.Time).
						Str("open", bar.Open.String()).
						Str("high", bar.High.String()).
						Str("low", bar.Low.String()).
						Str("close", bar.Close.String()).
						Str("volume", bar.Volume.Decimal.String()).
						Msg("bar")
				},
				subscriberID,
				func() { logger.Warn().Str("subscriber", subscriberID).Msg("stream reopened, cached bars reset") },
			)
		}, onError)
	}, onError)
}

// reportHealth mirrors the stream state into the health service until ctx ends.
func reportHealth(ctx context.Context, feed *service.Feed, hs *health.Server) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	last := grpc_health_v1.HealthCheckResponse_UNKNOWN
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if feed.StreamState() == websocket.Open {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		if status != last {
			hs.SetServingStatus("", status)
			log.Info().Stringer("status", status).Msg("health status changed")
			last = status
		}
	}
}
