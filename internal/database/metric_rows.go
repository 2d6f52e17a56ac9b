package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

// DatabasePool is the slice of pgxpool.Pool the repositories need. pgxmock
// pools satisfy it in tests.
type DatabasePool interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// dailyMetricsQuery reads the joined per-day view. The view already merges
// wearable summaries with journal entries, one row per user and day.
const dailyMetricsQuery = `
	SELECT day, steps, resting_heart_rate, hrv_raw, hrv_manual, hr_samples,
	       sleep_score, sleep_duration_seconds, deep_sleep_seconds, light_sleep_seconds,
	       rem_sleep_seconds, awake_seconds, sleep_start, sleep_end,
	       stress_avg, active_minutes, vo2max, respiratory_rate,
	       mood, energy, journal_rating
	FROM daily_metrics
	WHERE user_id = $1 AND day >= $2 AND day <= $3
	ORDER BY day ASC
`

// MetricRowRepository supplies DailyMetricRow sequences from PostgreSQL.
type MetricRowRepository struct {
	pool DatabasePool
}

func NewMetricRowRepository(pool DatabasePool) *MetricRowRepository {
	return &MetricRowRepository{pool: pool}
}

// FetchDailyRows returns the user's rows for the inclusive day range, ascending
// by day. Days are truncated to UTC midnight; duplicate days keep the first row.
func (r *MetricRowRepository) FetchDailyRows(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetricRow, error) {
	from, to = truncateDay(from), truncateDay(to)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid day range: %s is after %s", models.DayKey(from), models.DayKey(to))
	}

	rows, err := r.pool.Query(ctx, dailyMetricsQuery, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily metrics: %w", err)
	}
	defer rows.Close()

	var out []models.DailyMetricRow
	for rows.Next() {
		var row models.DailyMetricRow
		if err := rows.Scan(
			&row.Day,
			&row.Steps,
			&row.RestingHeartRate,
			&row.HRVRaw,
			&row.HRVManual,
			&row.HRSamples,
			&row.SleepScore,
			&row.SleepDurationSeconds,
			&row.DeepSleepSeconds,
			&row.LightSleepSeconds,
			&row.RemSleepSeconds,
			&row.AwakeSeconds,
			&row.SleepStart,
			&row.SleepEnd,
			&row.StressAvg,
			&row.ActiveMinutes,
			&row.VO2Max,
			&row.RespiratoryRate,
			&row.Mood,
			&row.Energy,
			&row.JournalRating,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily metric row: %w", err)
		}

		row.Day = truncateDay(row.Day)
		if n := len(out); n > 0 && !row.Day.After(out[n-1].Day) {
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily metrics: %w", err)
	}

	return out, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
