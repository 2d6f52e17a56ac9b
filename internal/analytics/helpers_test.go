package analytics

import (
	"time"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

var testStart = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func testDay(i int) time.Time {
	return testStart.AddDate(0, 0, i)
}

func f(v float64) *float64 {
	return models.Float(v)
}

// rowsWith builds n consecutive days and lets fn fill each one.
func rowsWith(n int, fn func(i int, row *models.DailyMetricRow)) []models.DailyMetricRow {
	rows := make([]models.DailyMetricRow, n)
	for i := range rows {
		rows[i].Day = testDay(i)
		if fn != nil {
			fn(i, &rows[i])
		}
	}
	return rows
}

func at(day time.Time, hour, minute int) *time.Time {
	t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
	return &t
}
