package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"strategos/internal/domain"
)

// Compile-time interface check.
var _ ResultStore = (*MemoryResultStore)(nil)

// MemoryResultStore keeps results in a map. It is safe for concurrent use.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]*domain.BacktestResult
}

// NewMemoryResultStore creates an empty MemoryResultStore.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]*domain.BacktestResult)}
}

// Save stores a deep copy of res.
func (m *MemoryResultStore) Save(_ context.Context, res *domain.BacktestResult) error {
	if err := checkSavable(res); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[res.ID]; ok {
		return fmt.Errorf("save result %s: %w", res.ID, ErrResultExists)
	}
	m.results[res.ID] = res.Clone()
	return nil
}

// GetByID returns a deep copy of the stored result.
func (m *MemoryResultStore) GetByID(_ context.Context, id string) (*domain.BacktestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[id]
	if !ok {
		return nil, fmt.Errorf("get result %s: %w", id, ErrNotFound)
	}
	return res.Clone(), nil
}

// ListByStrategy returns results of strategyID, newest first.
func (m *MemoryResultStore) ListByStrategy(_ context.Context, strategyID string, page Page) ([]*domain.BacktestResult, error) {
	return m.list(func(r *domain.BacktestResult) bool { return r.StrategyID == strategyID }, page.normalize()), nil
}

// ListRecent returns up to limit results, newest first.
func (m *MemoryResultStore) ListRecent(_ context.Context, limit int) ([]*domain.BacktestResult, error) {
	return m.list(func(*domain.BacktestResult) bool { return true }, Page{Limit: limit}.normalize()), nil
}

func (m *MemoryResultStore) list(keep func(*domain.BacktestResult) bool, page Page) []*domain.BacktestResult {
	m.mu.RLock()
	var matched []*domain.BacktestResult
	for _, r := range m.results {
		if keep(r) {
			matched = append(matched, r.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(matched)
	if page.Offset >= len(matched) {
		return []*domain.BacktestResult{}
	}
	matched = matched[page.Offset:]
	if len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}
	return matched
}

// Delete removes the result with id.
func (m *MemoryResultStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[id]; !ok {
		return fmt.Errorf("delete result %s: %w", id, ErrNotFound)
	}
	delete(m.results, id)
	return nil
}

// sortNewestFirst orders by start time descending, then id ascending.
func sortNewestFirst(rs []*domain.BacktestResult) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].StartedAt.Equal(rs[j].StartedAt) {
			return rs[i].StartedAt.After(rs[j].StartedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
