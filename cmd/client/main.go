/*
Package main is a command-line client for the chart data feed.

Commands:

	health   watch the server's gRPC health status until interrupted
	search   list instruments matching a query
	resolve  print the symbol record for a name
	history  print bars for a symbol and resolution

Usage:

	go run ./cmd/client health -addr=localhost:50051
	go run ./cmd/client search -q=btc
	go run ./cmd/client resolve -symbol=Binance:BTC/USDT
	go run ./cmd/client history -symbol=ETH/USDT -resolution=60 -lookback=48h
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chartfeed/internal/catalog"
	"chartfeed/internal/config"
	"chartfeed/internal/exchange"
	"chartfeed/internal/history"
	"chartfeed/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: client <health|search|resolve|history> [flags]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "health":
		err = runHealth(ctx, log, args)
	case "search":
		err = runSearch(ctx, args)
	case "resolve":
		err = runResolve(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	default:
		usage()
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("command failed")
	}
}

func runHealth(ctx context.Context, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "localhost:50051", "The server address in the format host:port")
	_ = fs.Parse(args)

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", *addr, err)
	}
	defer conn.Close()

	stream, err := grpc_health_v1.NewHealthClient(conn).Watch(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("watch health: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			log.Info().Msg("stream has closed")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive health: %w", err)
		}
		log.Info().
			Str("addr", *addr).
			Stringer("status", resp.GetStatus()).
			Msg("health")
	}
}

// localDeps builds the REST-backed catalog and history fetcher from the feed configuration.
func localDeps(path string) (*catalog.Catalog, *history.Fetcher, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	rest, err := exchange.NewRESTClient(cfg.ExchangeConfig())
	if err != nil {
		return nil, nil, err
	}
	return catalog.NewCatalog(rest, cfg.Exchange.Name), history.NewFetcher(rest, cfg.Exchange.PageSize), nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to a YAML config file")
	query := fs.String("q", "", "Case-insensitive substring of the full symbol name")
	exchangeName := fs.String("exchange", "", "Exchange filter")
	_ = fs.Parse(args)

	cat, _, err := localDeps(*cfgPath)
	if err != nil {
		return err
	}
	found, err := cat.Search(ctx, *query, *exchangeName, "")
	if err != nil {
		return err
	}
	for _, inst := range found {
		fmt.Printf("%-24s %-12s tick=%s\n", inst.FullName, inst.Symbol, inst.TickSize)
	}
	fmt.Fprintf(os.Stderr, "%d instruments\n", len(found))
	return nil
}

func runResolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to a YAML config file")
	symbol := fs.String("symbol", "", "Full or bare symbol name")
	_ = fs.Parse(args)

	cat, _, err := localDeps(*cfgPath)
	if err != nil {
		return err
	}
	inst, err := cat.Resolve(ctx, *symbol)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(model.NewSymbolInfo(inst, model.SupportedResolutions), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to a YAML config file")
	symbol := fs.String("symbol", "", "Full or bare symbol name")
	res := fs.String("resolution", "60", "Bar resolution")
	lookback := fs.Duration("lookback", 24*time.Hour, "Window length ending now")
	_ = fs.Parse(args)

	if *lookback <= 0 {
		return errors.New("lookback must be greater than 0")
	}

	cat, fetcher, err := localDeps(*cfgPath)
	if err != nil {
		return err
	}
	inst, err := cat.Resolve(ctx, *symbol)
	if err != nil {
		return err
	}

	now := time.Now()
	hist, err := fetcher.GetBars(ctx, inst, model.Resolution(*res), model.PeriodParams{
		From: now.Add(-*lookback).Unix(),
		To:   now.Unix(),
	})
	if err != nil {
		return err
	}
	if hist.NoData {
		fmt.Fprintln(os.Stderr, "no data")
		return nil
	}

	for _, bar := range hist.Bars {
		fmt.Printf("%s o=%s h=%s l=%s c=%s v=%s\n",
			bar.Time.UTC().Format(time.RFC3339),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume.Decimal)
	}
	fmt.Fprintf(os.Stderr, "%d bars\n", len(hist.Bars))
	return nil
}
