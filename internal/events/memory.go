package events

import (
	"context"
	"sync"
)

var (
	_ Publisher = (*MemoryPublisher)(nil)
	_ Publisher = NopPublisher{}
)

// MemoryPublisher records events in memory.
type MemoryPublisher struct {
	mu        sync.Mutex
	backtests []BacktestCompleted
	warnings  []RiskWarningIssued
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (m *MemoryPublisher) PublishBacktest(_ context.Context, ev BacktestCompleted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backtests = append(m.backtests, ev)
	return nil
}

func (m *MemoryPublisher) PublishRiskWarning(_ context.Context, ev RiskWarningIssued) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, ev)
	return nil
}

// Backtests returns a copy of the recorded backtest events.
func (m *MemoryPublisher) Backtests() []BacktestCompleted {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BacktestCompleted(nil), m.backtests...)
}

// RiskWarnings returns a copy of the recorded warnings.
func (m *MemoryPublisher) RiskWarnings() []RiskWarningIssued {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RiskWarningIssued(nil), m.warnings...)
}

func (m *MemoryPublisher) Close() error { return nil }

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) PublishBacktest(context.Context, BacktestCompleted) error   { return nil }
func (NopPublisher) PublishRiskWarning(context.Context, RiskWarningIssued) error { return nil }
func (NopPublisher) Close() error                                               { return nil }
