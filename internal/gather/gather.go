// Package gather downloads historical market data into the bar store.
package gather

import (
	"context"
	"fmt"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches the configured range and returns when it is stored.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses YYYY-MM-DD bounds. An empty end means now.
func ParseDateRange(start, end string, now time.Time) (DateRange, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("parsing start date %q: %w", start, err)
	}
	e := now.UTC()
	if end != "" {
		if e, err = time.Parse(time.DateOnly, end); err != nil {
			return DateRange{}, fmt.Errorf("parsing end date %q: %w", end, err)
		}
		// Include the whole end day.
		e = e.Add(24*time.Hour - time.Nanosecond)
	}
	if e.Before(s) {
		return DateRange{}, fmt.Errorf("end %s before start %s", e.Format(time.DateOnly), start)
	}
	return DateRange{Start: s, End: e}, nil
}
