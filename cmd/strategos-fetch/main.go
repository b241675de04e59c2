package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"strategos/internal/config"
	"strategos/internal/gather"
	"strategos/internal/store"
	"strategos/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "path to the YAML config (default $STRATEGOS_CONFIG or "+config.DefaultPath+")")
	market := flag.String("market", gather.MarketCrypto, "market: us or crypto")
	symbols := flag.String("symbols", "", "comma-separated symbols, e.g. BTC/USD,ETH/USD")
	start := flag.String("start", "", "start date YYYY-MM-DD (default gather.start_date)")
	end := flag.String("end", "", "end date YYYY-MM-DD (default now)")
	timeframe := flag.String("timeframe", "", "bar timeframe such as 1h or 1d (default gather.timeframe)")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLoggerTo(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if *start == "" {
		*start = cfg.Gather.StartDate
	}
	if *timeframe == "" {
		*timeframe = cfg.Gather.Timeframe
	}
	rng, err := gather.ParseDateRange(*start, *end, time.Now())
	if err != nil {
		log.Fatalf("date range: %v", err)
	}

	var syms []string
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			syms = append(syms, s)
		}
	}

	fetcher, err := gather.NewAlpacaBarFetcher(gather.AlpacaOptions{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		Market:          *market,
		Timeframe:       *timeframe,
		Symbols:         syms,
		Range:           rng,
		BatchSize:       cfg.Gather.BatchSize,
		RateLimitPerMin: cfg.Gather.RateLimitPerMin,
		Burst:           cfg.Gather.Burst,
		MaxAttempts:     cfg.Gather.MaxAttempts,
		RetryDelay:      cfg.Gather.RetryDelay,
		Logger:          logger,
	}, store.NewParquetStore(cfg.Storage.DataDir))
	if err != nil {
		log.Fatalf("fetcher: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting strategos-fetch", "market", *market, "symbols", len(syms),
		"start", rng.Start.Format(time.DateOnly), "end", rng.End.Format(time.DateOnly))
	if err := fetcher.Run(ctx); err != nil {
		log.Fatalf("fetch error: %v", err)
	}
}
