package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

// StaticRowSupplier serves rows held in memory, for tests and offline runs.
type StaticRowSupplier struct {
	mu   sync.RWMutex
	rows map[string][]models.DailyMetricRow
	err  error
}

func NewStaticRowSupplier() *StaticRowSupplier {
	return &StaticRowSupplier{rows: make(map[string][]models.DailyMetricRow)}
}

// SetRows replaces a user's rows. They are stored day-ordered with later
// duplicates of a day dropped.
func (s *StaticRowSupplier) SetRows(userID string, rows []models.DailyMetricRow) {
	sorted := make([]models.DailyMetricRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Day.Before(sorted[j].Day)
	})

	deduped := sorted[:0]
	seen := make(map[string]bool, len(sorted))
	for _, row := range sorted {
		key := models.DayKey(row.Day)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, row)
	}

	s.mu.Lock()
	s.rows[userID] = deduped
	s.mu.Unlock()
}

// FailWith makes every subsequent fetch return err; nil clears it.
func (s *StaticRowSupplier) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StaticRowSupplier) FetchDailyRows(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetricRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}

	fromKey, toKey := models.DayKey(from), models.DayKey(to)
	var out []models.DailyMetricRow
	for _, row := range s.rows[userID] {
		key := models.DayKey(row.Day)
		if key < fromKey || key > toKey {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
