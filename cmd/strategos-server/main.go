package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"strategos/internal/api"
	"strategos/internal/backtest"
	"strategos/internal/config"
	"strategos/internal/engine"
	"strategos/internal/events"
	"strategos/internal/risk"
	"strategos/internal/store"
	"strategos/internal/strategy/builtins"
	"strategos/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "path to the YAML config (default $STRATEGOS_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLoggerTo(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	riskEngine, err := risk.NewEngine(cfg.Exchanges)
	if err != nil {
		log.Fatalf("risk engine: %v", err)
	}

	var results store.ResultStore
	if cfg.Storage.ResultsDB != "" {
		sqlStore, err := store.NewSQLiteResultStore(cfg.Storage.ResultsDB)
		if err != nil {
			log.Fatalf("result store: %v", err)
		}
		defer sqlStore.Close()
		results = sqlStore
	} else {
		logger.Warn("no results_db configured; results are kept in memory")
		results = store.NewMemoryResultStore()
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.Topics, logger)
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		publisher = kp
	}
	defer publisher.Close()

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	eng, err := engine.New(engine.Options{
		Risk:      riskEngine,
		Results:   results,
		Bars:      bars,
		Exporter:  bars,
		Publisher: publisher,
		Defaults: backtest.Config{
			InitialCapital:  cfg.Backtest.InitialCapital,
			FeeRatePercent:  cfg.Backtest.FeeRatePercent,
			SlippagePercent: cfg.Backtest.SlippagePercent,
			Exchange:        cfg.Backtest.Exchange,
		},
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	if err := registerBuiltins(eng, cfg.Backtest.BuiltinSymbols); err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("strategos-server starting",
		"http", cfg.Server.HTTPAddr(),
		"grpc", cfg.Server.GRPCAddr(),
		"exchanges", riskEngine.Exchanges(),
		"kafka", cfg.Kafka.Enabled(),
	)
	if err := api.NewServer(eng, cfg.Server, logger).ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// registerBuiltins adds every builtin strategy for each symbol to eng.
func registerBuiltins(eng *engine.Engine, symbols []string) error {
	for _, sym := range symbols {
		for _, name := range builtins.Names() {
			s, err := builtins.Lookup(name, sym)
			if err != nil {
				return fmt.Errorf("builtin %s for %s: %w", name, sym, err)
			}
			if err := eng.Register(s); err != nil {
				return fmt.Errorf("builtin %s for %s: %w", name, sym, err)
			}
		}
	}
	return nil
}
