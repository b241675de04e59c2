package metrics

import (
	"math"
	"sort"

	"strategos/internal/domain"
)

// RankEntry is one position in a ranking.
type RankEntry struct {
	Rank       int     `json:"rank"`
	ResultID   string  `json:"result_id"`
	StrategyID string  `json:"strategy_id"`
	Value      float64 `json:"value"`
}

// Comparison holds four independent rankings of the same results. No
// composite score is computed. Results that did not complete are listed in
// Skipped and excluded from every ranking.
type Comparison struct {
	ByReturn   []RankEntry `json:"by_return"`
	BySharpe   []RankEntry `json:"by_sharpe"`
	ByDrawdown []RankEntry `json:"by_drawdown"`
	ByWinRate  []RankEntry `json:"by_win_rate"`
	Skipped    []string    `json:"skipped,omitempty"`
}

// Compare ranks completed results by total return (descending), Sharpe ratio
// (descending), drawdown magnitude (ascending, smaller is better) and win rate
// (descending). Ties keep input order.
func Compare(results []*domain.BacktestResult) Comparison {
	var done []*domain.BacktestResult
	var cmp Comparison
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Status != domain.RunStatusCompleted {
			cmp.Skipped = append(cmp.Skipped, r.ID)
			continue
		}
		done = append(done, r)
	}

	cmp.ByReturn = rank(done, func(m domain.Metrics) float64 { return m.TotalReturn }, false)
	cmp.BySharpe = rank(done, func(m domain.Metrics) float64 { return m.SharpeRatio }, false)
	cmp.ByDrawdown = rank(done, func(m domain.Metrics) float64 { return math.Abs(m.MaxDrawdown) }, true)
	cmp.ByWinRate = rank(done, func(m domain.Metrics) float64 { return m.WinRate }, false)
	return cmp
}

func rank(results []*domain.BacktestResult, key func(domain.Metrics) float64, ascending bool) []RankEntry {
	entries := make([]RankEntry, len(results))
	for i, r := range results {
		entries[i] = RankEntry{ResultID: r.ID, StrategyID: r.StrategyID, Value: key(r.Metrics)}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Value < entries[j].Value
		}
		return entries[i].Value > entries[j].Value
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
