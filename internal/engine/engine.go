// Package engine wires the strategy compiler, backtest simulator, result
// repository, bar store, risk engine and event publisher into one
// dependency-injected instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"strategos/internal/backtest"
	"strategos/internal/domain"
	"strategos/internal/events"
	"strategos/internal/risk"
	"strategos/internal/store"
	"strategos/internal/strategy"
)

var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrNoBarStore       = errors.New("no bar store configured")
	ErrNoExporter       = errors.New("no result exporter configured")
)

// DefaultMarket is the bar store market used when a request names none.
const DefaultMarket = "crypto"

// ResultExporter writes a result's equity curve and trades for reporting.
type ResultExporter interface {
	ExportResult(ctx context.Context, res *domain.BacktestResult) (equityPath, tradesPath string, err error)
}

// Options holds the dependencies of an Engine. Risk and Results are
// required; the rest are optional.
type Options struct {
	Risk      *risk.Engine
	Results   store.ResultStore
	Bars      store.BarStore
	Exporter  ResultExporter
	Publisher events.Publisher
	// Defaults fills run configs that omit values.
	Defaults      backtest.Config
	DefaultMarket string
	// MaxConcurrent bounds RunMany. Zero means 4.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Engine is the application service behind every transport. It keeps no
// per-run state and is safe for concurrent use.
type Engine struct {
	sim        *backtest.Simulator
	risk       *risk.Engine
	results    store.ResultStore
	bars       store.BarStore
	exporter   ResultExporter
	publisher  events.Publisher
	strategies *strategy.Registry

	defaults      backtest.Config
	market        string
	maxConcurrent int
	logger        *slog.Logger
}

// New creates an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Risk == nil {
		return nil, errors.New("engine: risk engine is required")
	}
	if opts.Results == nil {
		return nil, errors.New("engine: result store is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultMarket == "" {
		opts.DefaultMarket = DefaultMarket
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Engine{
		sim:           backtest.NewSimulator(opts.Risk, opts.Logger),
		risk:          opts.Risk,
		results:       opts.Results,
		bars:          opts.Bars,
		exporter:      opts.Exporter,
		publisher:     opts.Publisher,
		strategies:    strategy.NewRegistry(),
		defaults:      opts.Defaults,
		market:        opts.DefaultMarket,
		maxConcurrent: opts.MaxConcurrent,
		logger:        opts.Logger,
	}, nil
}

// Risk returns the engine's risk engine.
func (e *Engine) Risk() *risk.Engine { return e.risk }

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

// Compile compiles an editor graph and registers the resulting strategy.
func (e *Engine) Compile(g strategy.Graph, meta strategy.Metadata) (*strategy.Strategy, error) {
	s, err := strategy.Compile(g.Nodes, g.Edges, meta)
	if err != nil {
		e.logger.Debug("strategy compile failed", "name", meta.Name, "error", err)
		return nil, err
	}
	e.strategies.Register(s)
	e.logger.Info("strategy compiled", "id", s.ID, "name", s.Name, "symbol", s.Symbol)
	return s, nil
}

// Register validates and registers an already compiled strategy.
func (e *Engine) Register(s *strategy.Strategy) error {
	if s == nil || s.ID == "" {
		return errors.New("register strategy: missing id")
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("register strategy %s: %w", s.ID, err)
	}
	e.strategies.Register(s)
	return nil
}

// Strategy returns a registered strategy.
func (e *Engine) Strategy(id string) (*strategy.Strategy, error) {
	s, ok := e.strategies.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return s, nil
}

// Strategies lists the registered strategy ids.
func (e *Engine) Strategies() []string { return e.strategies.List() }
