package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"strategos/internal/domain"
	"strategos/internal/store"
	"strategos/internal/util"
)

// Markets served by the Alpaca fetcher.
const (
	MarketUS     = "us"
	MarketCrypto = "crypto"
)

var _ Gatherer = (*AlpacaBarFetcher)(nil)

// alpacaClient is the part of *marketdata.Client the fetcher uses.
type alpacaClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
	GetCryptoMultiBars(symbols []string, req marketdata.GetCryptoBarsRequest) (map[string][]marketdata.CryptoBar, error)
}

// AlpacaOptions configures an AlpacaBarFetcher.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	DataURL   string
	// Feed selects the equities feed ("sip" or "iex"). Ignored for crypto.
	Feed      string
	Market    string
	Timeframe string
	Symbols   []string
	Range     DateRange
	// BatchSize is the number of symbols per request.
	BatchSize       int
	RateLimitPerMin int
	Burst           int
	MaxAttempts     int
	RetryDelay      time.Duration
	Logger          *slog.Logger
}

// AlpacaBarFetcher fetches OHLCV bars from the Alpaca market-data API and
// writes them to a BarStore. Each request is rate limited and retried with
// exponential backoff.
type AlpacaBarFetcher struct {
	client      alpacaClient
	store       store.BarStore
	market      string
	timeframe   string
	tf          marketdata.TimeFrame
	feed        string
	symbols     []string
	rng         DateRange
	batchSize   int
	limiter     *rate.Limiter
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger
}

// NewAlpacaBarFetcher creates a fetcher writing into s.
func NewAlpacaBarFetcher(opts AlpacaOptions, s store.BarStore) (*AlpacaBarFetcher, error) {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return newAlpacaBarFetcher(marketdata.NewClient(clientOpts), opts, s)
}

func newAlpacaBarFetcher(client alpacaClient, opts AlpacaOptions, s store.BarStore) (*AlpacaBarFetcher, error) {
	if s == nil {
		return nil, errors.New("alpaca fetcher: no bar store")
	}
	if opts.Market != MarketUS && opts.Market != MarketCrypto {
		return nil, fmt.Errorf("alpaca fetcher: unsupported market %q", opts.Market)
	}
	if len(opts.Symbols) == 0 {
		return nil, errors.New("alpaca fetcher: no symbols")
	}
	tf, err := alpacaTimeFrame(opts.Timeframe)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	symbols := make([]string, len(opts.Symbols))
	for i, sym := range opts.Symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	return &AlpacaBarFetcher{
		client:      client,
		store:       s,
		market:      opts.Market,
		timeframe:   opts.Timeframe,
		tf:          tf,
		feed:        opts.Feed,
		symbols:     symbols,
		rng:         opts.Range,
		batchSize:   opts.BatchSize,
		limiter:     util.NewRateLimiter(opts.RateLimitPerMin, opts.Burst),
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		log:         logger.With("gatherer", "alpaca-bars", "market", opts.Market, "timeframe", opts.Timeframe),
	}, nil
}

// Name returns the gatherer identifier.
func (g *AlpacaBarFetcher) Name() string { return "alpaca-bars" }

// Run fetches every configured symbol batch and writes the bars to the
// store. A failed batch is logged and skipped; Run then reports how many
// batches failed.
func (g *AlpacaBarFetcher) Run(ctx context.Context) error {
	var failed int
	var total int
	runStart := time.Now()
	batches := (len(g.symbols) + g.batchSize - 1) / g.batchSize

	for i := 0; i < len(g.symbols); i += g.batchSize {
		batch := g.symbols[i:min(i+g.batchSize, len(g.symbols))]
		n := i/g.batchSize + 1

		bars, err := g.Fetch(ctx, batch, g.rng)
		if err == nil && len(bars) > 0 {
			err = g.store.WriteBars(ctx, g.market, g.timeframe, bars)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failed++
			g.log.Error("batch failed", "batch", fmt.Sprintf("%d/%d", n, batches), "error", err)
			continue
		}
		total += len(bars)
		g.log.Info("batch done",
			"batch", fmt.Sprintf("%d/%d", n, batches),
			"bars", len(bars),
			"elapsed", time.Since(runStart).Round(time.Millisecond),
		)
	}

	g.log.Info("fetch finished", "symbols", len(g.symbols), "bars", total, "failed_batches", failed)
	if failed > 0 {
		return fmt.Errorf("alpaca fetch: %d of %d batches failed", failed, batches)
	}
	return nil
}

// Fetch downloads bars for symbols within rng, sorted by symbol then time.
func (g *AlpacaBarFetcher) Fetch(ctx context.Context, symbols []string, rng DateRange) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, g.maxAttempts, g.retryDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		bars, err = g.fetchOnce(symbols, rng)
		if err != nil {
			g.log.Warn("fetch attempt failed", "symbols", len(symbols), "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(bars, func(i, j int) bool {
		if bars[i].Symbol != bars[j].Symbol {
			return bars[i].Symbol < bars[j].Symbol
		}
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	return bars, nil
}

func (g *AlpacaBarFetcher) fetchOnce(symbols []string, rng DateRange) ([]domain.Bar, error) {
	var bars []domain.Bar
	if g.market == MarketCrypto {
		multi, err := g.client.GetCryptoMultiBars(symbols, marketdata.GetCryptoBarsRequest{
			TimeFrame: g.tf,
			Start:     rng.Start,
			End:       rng.End,
		})
		if err != nil {
			return nil, fmt.Errorf("GetCryptoMultiBars: %w", err)
		}
		for symbol, cbs := range multi {
			for _, cb := range cbs {
				bars = append(bars, domain.Bar{
					Symbol:     strings.ToUpper(symbol),
					Timestamp:  cb.Timestamp.UTC(),
					Open:       cb.Open,
					High:       cb.High,
					Low:        cb.Low,
					Close:      cb.Close,
					Volume:     cb.Volume,
					TradeCount: int64(cb.TradeCount),
					VWAP:       cb.VWAP,
				})
			}
		}
		return bars, nil
	}

	multi, err := g.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: g.tf,
		Start:     rng.Start,
		End:       rng.End,
		Feed:      g.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}
	for symbol, abs := range multi {
		for _, ab := range abs {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp.UTC(),
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     float64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, nil
}

// alpacaTimeFrame converts "15m", "1h", "1d" or "1w" to an Alpaca timeframe.
func alpacaTimeFrame(tf string) (marketdata.TimeFrame, error) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return marketdata.NewTimeFrame(n, marketdata.Min), nil
	case 'h':
		return marketdata.NewTimeFrame(n, marketdata.Hour), nil
	case 'd':
		return marketdata.NewTimeFrame(n, marketdata.Day), nil
	case 'w':
		return marketdata.NewTimeFrame(n, marketdata.Week), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", tf)
}
