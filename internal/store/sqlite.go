package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"strategos/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ResultStore = (*SQLiteResultStore)(nil)

const resultSchema = `
CREATE TABLE IF NOT EXISTS backtest_results (
	id            TEXT PRIMARY KEY,
	strategy_id   TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	total_return  REAL NOT NULL,
	sharpe_ratio  REAL NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_strategy ON backtest_results (strategy_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_results_started ON backtest_results (started_at DESC);
`

// SQLiteResultStore implements ResultStore backed by a SQLite database. The
// indexed columns support listing; the full result is stored as JSON.
type SQLiteResultStore struct {
	db *sqlx.DB
}

// NewSQLiteResultStore opens (or creates) a SQLite database at dbPath and
// creates the results table.
func NewSQLiteResultStore(dbPath string) (*SQLiteResultStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(resultSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return &SQLiteResultStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteResultStore) Close() error {
	return s.db.Close()
}

type resultRow struct {
	Payload string `db:"payload"`
}

func (r resultRow) decode() (*domain.BacktestResult, error) {
	var res domain.BacktestResult
	if err := json.Unmarshal([]byte(r.Payload), &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// Save inserts res. An existing id is never overwritten.
func (s *SQLiteResultStore) Save(ctx context.Context, res *domain.BacktestResult) error {
	if err := checkSavable(res); err != nil {
		return err
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", res.ID, err)
	}
	out, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO backtest_results
			(id, strategy_id, symbol, status, started_at, total_return, sharpe_ratio, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.StrategyID, res.Symbol, string(res.Status), res.StartedAt.UnixNano(),
		res.Metrics.TotalReturn, res.Metrics.SharpeRatio, string(payload),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.ID, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("save result %s: %w", res.ID, ErrResultExists)
	}
	return nil
}

// GetByID returns the result with id.
func (s *SQLiteResultStore) GetByID(ctx context.Context, id string) (*domain.BacktestResult, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, `SELECT payload FROM backtest_results WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	return row.decode()
}

// ListByStrategy returns results of strategyID, newest first.
func (s *SQLiteResultStore) ListByStrategy(ctx context.Context, strategyID string, page Page) ([]*domain.BacktestResult, error) {
	page = page.normalize()
	return s.query(ctx, `
		SELECT payload FROM backtest_results
		WHERE strategy_id = ?
		ORDER BY started_at DESC, id ASC
		LIMIT ? OFFSET ?`, strategyID, page.Limit, page.Offset)
}

// ListRecent returns up to limit results, newest first.
func (s *SQLiteResultStore) ListRecent(ctx context.Context, limit int) ([]*domain.BacktestResult, error) {
	page := Page{Limit: limit}.normalize()
	return s.query(ctx, `
		SELECT payload FROM backtest_results
		ORDER BY started_at DESC, id ASC
		LIMIT ?`, page.Limit)
}

func (s *SQLiteResultStore) query(ctx context.Context, q string, args ...any) ([]*domain.BacktestResult, error) {
	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	out := make([]*domain.BacktestResult, 0, len(rows))
	for _, r := range rows {
		res, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Delete removes the result with id.
func (s *SQLiteResultStore) Delete(ctx context.Context, id string) error {
	out, err := s.db.ExecContext(ctx, `DELETE FROM backtest_results WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete result %s: %w", id, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete result %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete result %s: %w", id, ErrNotFound)
	}
	return nil
}
