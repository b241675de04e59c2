package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strategos/internal/risk"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategos.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "STRATEGOS_RESULTS_DB", "STRATEGOS_HTTP_PORT", "STRATEGOS_GRPC_PORT",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_DATA_URL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "LOG_LEVEL", "KAFKA_BROKERS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/strategos/data"
  results_db: "/tmp/strategos/results.db"
server:
  host: "0.0.0.0"
  port: 8081
  grpc_port: 9091
  cors_origins: ["http://localhost:3000"]
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  feed: "iex"
logging:
  level: "debug"
  format: "text"
gather:
  start_date: "2020-01-01"
  timeframe: "1h"
  rate_limit_per_min: 100
  burst: 5
  retry_delay: 2s
backtest:
  initial_capital: 50000
  fee_rate_percent: 0.1
  slippage_percent: 0.05
  exchange: "bybit"
  max_concurrent: 8
exchanges:
  bybit:
    max_leverage: 100
    maintenance_margin_rate: 0.005
    margin_call_threshold: 80
    liquidation_threshold: 50
kafka:
  brokers: ["kafka:9092"]
  topics:
    backtests: "bt"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/strategos/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/strategos/data")
	}
	if cfg.Storage.ResultsDB != "/tmp/strategos/results.db" {
		t.Errorf("Storage.ResultsDB = %q", cfg.Storage.ResultsDB)
	}

	// -- Server --
	if got := cfg.Server.HTTPAddr(); got != "0.0.0.0:8081" {
		t.Errorf("HTTPAddr() = %q, want %q", got, "0.0.0.0:8081")
	}
	if got := cfg.Server.GRPCAddr(); got != "0.0.0.0:9091" {
		t.Errorf("GRPCAddr() = %q, want %q", got, "0.0.0.0:9091")
	}
	if len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}

	// -- Alpaca --
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.Feed != "iex" {
		t.Errorf("Alpaca = %+v", cfg.Alpaca)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// -- Gather --
	if cfg.Gather.RetryDelay != 2*time.Second {
		t.Errorf("Gather.RetryDelay = %v, want 2s", cfg.Gather.RetryDelay)
	}
	if cfg.Gather.MaxAttempts != 3 {
		t.Errorf("Gather.MaxAttempts = %d, want default 3", cfg.Gather.MaxAttempts)
	}

	// -- Backtest --
	if cfg.Backtest.InitialCapital != 50000 || cfg.Backtest.MaxConcurrent != 8 {
		t.Errorf("Backtest = %+v", cfg.Backtest)
	}

	// -- Exchanges --
	if p, ok := cfg.Exchanges["bybit"]; !ok || p.MaxLeverage != 100 {
		t.Errorf("Exchanges[bybit] = %+v, %v", p, ok)
	}

	// -- Kafka --
	if !cfg.Kafka.Enabled() || cfg.Kafka.ClientID != "strategos" {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if cfg.Kafka.Topics.Backtests != "bt" || cfg.Kafka.Topics.RiskWarnings != "strategos.risk-warnings" {
		t.Errorf("Kafka.Topics = %+v", cfg.Kafka.Topics)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Storage.DataDir != "data" {
		t.Errorf("Storage.DataDir = %q, want data", cfg.Storage.DataDir)
	}
	if cfg.Server.Port != 8080 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Backtest.InitialCapital != 10000 || cfg.Backtest.MaxConcurrent != 4 {
		t.Errorf("Backtest = %+v", cfg.Backtest)
	}
	if cfg.Kafka.Enabled() {
		t.Error("Kafka.Enabled() = true with no brokers")
	}
	if len(cfg.Exchanges) != len(risk.DefaultProfiles()) {
		t.Errorf("Exchanges = %v, want the built-in profiles", cfg.Exchanges)
	}
}

func TestLoadExchangesMergedWithBuiltins(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `
backtest:
  exchange: binance_futures
exchanges:
  paper:
    max_leverage: 10
    maintenance_margin_rate: 0.01
    margin_call_threshold: 150
    liquidation_threshold: 110
  bybit:
    max_leverage: 20
    maintenance_margin_rate: 0.01
    margin_call_threshold: 80
    liquidation_threshold: 50
`))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if p, ok := cfg.Exchanges["paper"]; !ok || p.MaxLeverage != 10 {
		t.Errorf("Exchanges[paper] = %+v, %v", p, ok)
	}
	if p := cfg.Exchanges["bybit"]; p.MaxLeverage != 20 {
		t.Errorf("Exchanges[bybit].MaxLeverage = %v, want configured 20", p.MaxLeverage)
	}
	if p, ok := cfg.Exchanges["binance_futures"]; !ok || p.MaxLeverage != 125 {
		t.Errorf("Exchanges[binance_futures] = %+v, %v, want built-in profile", p, ok)
	}
}

func TestLoadShippedConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	if err != nil {
		t.Fatalf("Load(%s) returned error: %v", DefaultPath, err)
	}
	if _, ok := cfg.Exchanges[cfg.Backtest.Exchange]; !ok {
		t.Errorf("backtest exchange %q missing from %v", cfg.Backtest.Exchange, cfg.Exchanges)
	}
	if _, ok := cfg.Exchanges["paper"]; !ok {
		t.Error("Exchanges[paper] missing")
	}
	if len(cfg.Backtest.BuiltinSymbols) == 0 {
		t.Error("Backtest.BuiltinSymbols is empty")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("STRATEGOS_HTTP_PORT", "7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}

	t.Setenv("APCA_API_KEY_ID", "sdk-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "sdk-key" {
		t.Errorf("Alpaca.APIKey = %q, want sdk-key", cfg.Alpaca.APIKey)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"negative fee", "backtest:\n  fee_rate_percent: -1\n", "FeeRatePercent"},
		{"bad profile", "exchanges:\n  x:\n    max_leverage: 0.5\n    margin_call_threshold: 80\n", "MaxLeverage"},
		{"inverted thresholds", "exchanges:\n  x:\n    max_leverage: 10\n    margin_call_threshold: 40\n    liquidation_threshold: 50\n", "LiquidationThreshold"},
		{"unknown exchange", "backtest:\n  exchange: kraken\nexchanges:\n  x:\n    max_leverage: 10\n    margin_call_threshold: 80\n    liquidation_threshold: 50\n", "kraken"},
		{"malformed", "storage: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() returned no error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("STRATEGOS_CONFIG", "")
	if got := Path(""); got != DefaultPath {
		t.Errorf("Path(\"\") = %q, want %q", got, DefaultPath)
	}
	t.Setenv("STRATEGOS_CONFIG", "/etc/strategos.yaml")
	if got := Path(""); got != "/etc/strategos.yaml" {
		t.Errorf("Path(\"\") = %q, want env value", got)
	}
	if got := Path("flag.yaml"); got != "flag.yaml" {
		t.Errorf("Path(flag) = %q, want flag.yaml", got)
	}
}
