package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"strategos/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk and exports
// backtest results for reporting.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// EquityRecord is the Parquet schema for an exported equity curve.
type EquityRecord struct {
	ResultID      string  `parquet:"result_id"`
	Date          int64   `parquet:"date,timestamp(millisecond)"`
	Equity        float64 `parquet:"equity"`
	ReturnPercent float64 `parquet:"return_percent"`
	Drawdown      float64 `parquet:"drawdown"`
	Exposure      float64 `parquet:"exposure"`
}

// TradeRecord is the Parquet schema for exported closed trades.
type TradeRecord struct {
	ResultID   string  `parquet:"result_id"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	EntryTime  int64   `parquet:"entry_time,timestamp(millisecond)"`
	ExitTime   int64   `parquet:"exit_time,timestamp(millisecond)"`
	EntryPrice float64 `parquet:"entry_price"`
	ExitPrice  float64 `parquet:"exit_price"`
	Quantity   float64 `parquet:"quantity"`
	Fees       float64 `parquet:"fees"`
	Slippage   float64 `parquet:"slippage"`
	PnL        float64 `parquet:"pnl"`
	PnLPercent float64 `parquet:"pnl_percent"`
	ExitReason string  `parquet:"exit_reason"`
	BarsHeld   int64   `parquet:"bars_held"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files grouped by symbol and year:
//
//	<DataDir>/<market>/<timeframe>/<SYMBOL>/<YYYY>.parquet
//
// Existing files are merged, with incoming bars replacing stored ones.
func (s *ParquetStore) WriteBars(_ context.Context, market, timeframe string, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		if b.Symbol == "" {
			return fmt.Errorf("write bars: bar at %s has no symbol", b.Timestamp.Format(time.RFC3339))
		}
		k := key{symbol: b.Symbol, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     b.Symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(market, timeframe, k.symbol, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading existing bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for symbol within [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, market, timeframe, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		path := s.barPath(market, timeframe, symbol, year)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading bars %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data for market and timeframe.
func (s *ParquetStore) ListSymbols(_ context.Context, market, timeframe string) ([]string, error) {
	dir := filepath.Join(s.DataDir, market, timeframe)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, symbolFromDir(e.Name()))
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Result export
// ---------------------------------------------------------------------------

// ExportResult writes the equity curve and closed trades of res to
// <DataDir>/results/<id>/{equity,trades}.parquet and returns both paths.
func (s *ParquetStore) ExportResult(_ context.Context, res *domain.BacktestResult) (equityPath, tradesPath string, err error) {
	if res == nil || res.ID == "" {
		return "", "", fmt.Errorf("export result: missing id")
	}
	dir := filepath.Join(s.DataDir, "results", res.ID)

	equity := make([]EquityRecord, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		equity[i] = EquityRecord{
			ResultID:      res.ID,
			Date:          p.Date.UnixMilli(),
			Equity:        p.Equity,
			ReturnPercent: p.ReturnPercent,
			Drawdown:      p.Drawdown,
			Exposure:      p.Exposure,
		}
	}
	trades := make([]TradeRecord, len(res.Trades))
	for i, t := range res.Trades {
		trades[i] = TradeRecord{
			ResultID:   res.ID,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			EntryTime:  t.EntryTime.UnixMilli(),
			ExitTime:   t.ExitTime.UnixMilli(),
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Quantity:   t.Quantity,
			Fees:       t.Fees,
			Slippage:   t.Slippage,
			PnL:        t.PnL,
			PnLPercent: t.PnLPercent,
			ExitReason: string(t.ExitReason),
			BarsHeld:   int64(t.BarsHeld),
		}
	}

	equityPath = filepath.Join(dir, "equity.parquet")
	tradesPath = filepath.Join(dir, "trades.parquet")
	if err := writeParquetFile(equityPath, equity); err != nil {
		return "", "", fmt.Errorf("export equity %s: %w", res.ID, err)
	}
	if err := writeParquetFile(tradesPath, trades); err != nil {
		return "", "", fmt.Errorf("export trades %s: %w", res.ID, err)
	}
	return equityPath, tradesPath, nil
}

// ReadExportedTrades reads a trades file written by ExportResult.
func ReadExportedTrades(path string) ([]TradeRecord, error) {
	return readParquetFile[TradeRecord](path)
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/<timeframe>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(market, timeframe, symbol string, year int) string {
	return filepath.Join(s.DataDir, market, timeframe, symbolDir(symbol), fmt.Sprintf("%d.parquet", year))
}

// symbolDir maps a symbol to a directory name; pair separators become "_".
func symbolDir(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "_")
}

func symbolFromDir(name string) string {
	return strings.ReplaceAll(name, "_", "/")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
