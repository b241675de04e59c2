// Package config loads the strategos configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"strategos/internal/events"
	"strategos/internal/risk"
)

// DefaultPath is used when neither a flag nor STRATEGOS_CONFIG names a file.
const DefaultPath = "config/strategos.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for strategos.
type Config struct {
	Storage   Storage                         `yaml:"storage"`
	Server    Server                          `yaml:"server"`
	Alpaca    Alpaca                          `yaml:"alpaca"`
	Logging   Logging                         `yaml:"logging"`
	Gather    Gather                          `yaml:"gather"`
	Backtest  Backtest                        `yaml:"backtest"`
	Exchanges map[string]risk.ExchangeProfile `yaml:"exchanges" validate:"dive"`
	Kafka     Kafka                           `yaml:"kafka"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir string `yaml:"data_dir" validate:"required"`
	// ResultsDB is the SQLite file for backtest results. Empty keeps results
	// in memory.
	ResultsDB string `yaml:"results_db"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port" validate:"gte=0,lte=65535"`
	GRPCPort    int      `yaml:"grpc_port" validate:"gte=0,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// HTTPAddr returns the REST listen address.
func (s Server) HTTPAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Gather controls historical bar downloads.
type Gather struct {
	StartDate       string        `yaml:"start_date"`
	Timeframe       string        `yaml:"timeframe"`
	BatchSize       int           `yaml:"batch_size" validate:"gte=0"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" validate:"gte=0"`
	Burst           int           `yaml:"burst" validate:"gte=0"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=0"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// Backtest holds the defaults applied to runs that omit them.
type Backtest struct {
	InitialCapital  float64 `yaml:"initial_capital" validate:"gt=0"`
	FeeRatePercent  float64 `yaml:"fee_rate_percent" validate:"gte=0"`
	SlippagePercent float64 `yaml:"slippage_percent" validate:"gte=0"`
	Exchange        string  `yaml:"exchange"`
	MaxConcurrent   int     `yaml:"max_concurrent" validate:"gte=1"`

	// BuiltinSymbols registers the builtin strategies for each symbol at
	// startup.
	BuiltinSymbols []string `yaml:"builtin_symbols"`
}

// Kafka configures event publishing. No brokers disables it.
type Kafka struct {
	Brokers  []string      `yaml:"brokers"`
	ClientID string        `yaml:"client_id"`
	Topics   events.Topics `yaml:"topics"`
}

// Enabled reports whether any broker is configured.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration file to load: flagPath when set, then
// STRATEGOS_CONFIG, then DefaultPath.
func Path(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if v := os.Getenv("STRATEGOS_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, fills defaults,
// applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the exchange profiles.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := risk.NewEngine(c.Exchanges); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Backtest.Exchange != "" && len(c.Exchanges) > 0 {
		if _, ok := c.Exchanges[c.Backtest.Exchange]; !ok {
			return fmt.Errorf("invalid config: backtest exchange %q has no profile", c.Backtest.Exchange)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Gather.Timeframe == "" {
		cfg.Gather.Timeframe = "1d"
	}
	if cfg.Gather.RateLimitPerMin == 0 {
		cfg.Gather.RateLimitPerMin = 200
	}
	if cfg.Gather.MaxAttempts == 0 {
		cfg.Gather.MaxAttempts = 3
	}
	if cfg.Gather.RetryDelay == 0 {
		cfg.Gather.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Backtest.InitialCapital == 0 {
		cfg.Backtest.InitialCapital = 10000
	}
	if cfg.Backtest.MaxConcurrent == 0 {
		cfg.Backtest.MaxConcurrent = 4
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "strategos"
	}
	cfg.Kafka.Topics = cfg.Kafka.Topics.WithDefaults()
	cfg.Exchanges = mergeExchanges(risk.DefaultProfiles(), cfg.Exchanges)
}

// mergeExchanges lays configured profiles over the built-in ones. A configured
// entry replaces the built-in profile of the same name as a whole.
func mergeExchanges(base, configured map[string]risk.ExchangeProfile) map[string]risk.ExchangeProfile {
	for name, p := range configured {
		base[name] = p
	}
	return base
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STRATEGOS_RESULTS_DB"); v != "" {
		cfg.Storage.ResultsDB = v
	}

	if v := os.Getenv("STRATEGOS_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("STRATEGOS_GRPC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = n
		}
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	// Standard Alpaca env vars take priority; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
