package analytics

import (
	"sort"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

type forecastTarget struct {
	min, max float64
	value    func(models.DailyMetricRow) *float64
}

var forecastTargets = map[string]forecastTarget{
	"energy": {
		min:   1,
		max:   5,
		value: func(r models.DailyMetricRow) *float64 { return r.Energy },
	},
	"mood": {
		min:   1,
		max:   5,
		value: func(r models.DailyMetricRow) *float64 { return r.Mood },
	},
	"sleep_quality": {
		min:   0,
		max:   100,
		value: func(r models.DailyMetricRow) *float64 { return r.SleepScore },
	},
}

// ForecastMetrics lists the metrics the forecast engine can project.
func ForecastMetrics() []string {
	out := make([]string, 0, len(forecastTargets))
	for name := range forecastTargets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsForecastMetric reports whether metric can be forecast.
func IsForecastMetric(metric string) bool {
	_, ok := forecastTargets[metric]
	return ok
}

var baseFeatureNames = []string{
	"prev_value",
	"ma_7",
	"ma_14",
	"ma_30",
	"delta_1",
	"delta_7",
	"zscore_30",
	"day_of_week",
	"is_weekend",
	"month",
}

type exogenousColumn struct {
	feature string
	value   func(models.DailyMetricRow) *float64
}

var exogenousColumns = []exogenousColumn{
	{"lag_steps", func(r models.DailyMetricRow) *float64 { return r.Steps }},
	{"lag_sleep_score", func(r models.DailyMetricRow) *float64 { return r.SleepScore }},
	{"lag_stress_avg", func(r models.DailyMetricRow) *float64 { return r.StressAvg }},
	{"lag_resting_heart_rate", func(r models.DailyMetricRow) *float64 { return r.RestingHeartRate }},
}

// featureFrame is the training matrix for one target plus the state needed
// to keep projecting past the last row.
type featureFrame struct {
	names   []string
	X       [][]float64
	y       []float64
	history []float64 // forward-filled target from its first known value
	known   []float64 // actual (not filled) target values in order
	exoLast []float64
	lastDay time.Time
}

// trailingMeans returns, for each index, the mean of up to period values
// ending there. Full windows come from the SMA indicator.
func trailingMeans(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	var sum float64
	for i := 0; i < len(series) && i < period-1; i++ {
		sum += series[i]
		out[i] = sum / float64(i+1)
	}
	if period < 1 || len(series) < period {
		return out
	}

	sma := trend.NewSmaWithPeriod[float64](period)
	full := helper.ChanToSlice(sma.Compute(helper.SliceToChan(series)))
	for j, v := range full {
		if idx := period - 1 + j; idx < len(out) {
			out[idx] = v
		}
	}
	return out
}

type rollingMeans struct {
	ma7, ma14, ma30 []float64
}

func newRollingMeans(history []float64) rollingMeans {
	return rollingMeans{
		ma7:  trailingMeans(history, 7),
		ma14: trailingMeans(history, 14),
		ma30: trailingMeans(history, 30),
	}
}

func weekdayIndex(day time.Time) int {
	// Monday is 0.
	return (int(day.Weekday()) + 6) % 7
}

// featuresAt builds the feature vector for the day following history[:m].
// m must be at least 1.
func featuresAt(history []float64, m int, means rollingMeans, day time.Time, exo []float64) []float64 {
	prev := history[m-1]
	delta1 := 0.0
	if m >= 2 {
		delta1 = prev - history[m-2]
	}

	start := m - 30
	if start < 0 {
		start = 0
	}
	z := 0.0
	if std := populationStd(history[start:m]); std > 0 {
		z = (prev - means.ma30[m-1]) / std
	}

	weekday := weekdayIndex(day)
	weekend := 0.0
	if weekday >= 5 {
		weekend = 1
	}

	x := []float64{
		prev,
		means.ma7[m-1],
		means.ma14[m-1],
		means.ma30[m-1],
		delta1,
		prev - means.ma7[m-1],
		z,
		float64(weekday),
		weekend,
		float64(day.Month()),
	}
	return append(x, exo...)
}

// buildFeatureFrame computes causal features for every row with a known target.
func buildFeatureFrame(rows []models.DailyMetricRow, target forecastTarget) *featureFrame {
	frame := &featureFrame{names: append([]string(nil), baseFeatureNames...)}
	if len(rows) == 0 {
		return frame
	}
	frame.lastDay = dayOf(rows[len(rows)-1].Day)

	first := -1
	for i, row := range rows {
		if v := target.value(row); v != nil {
			frame.known = append(frame.known, *v)
			if first < 0 {
				first = i
			}
		}
	}
	if first < 0 {
		return frame
	}

	// Forward-fill every exogenous column that has any data at all.
	var exo [][]*float64
	for _, col := range exogenousColumns {
		filled := make([]*float64, len(rows))
		var last *float64
		seen := false
		for i, row := range rows {
			if v := col.value(row); v != nil {
				last = v
				seen = true
			}
			filled[i] = last
		}
		if !seen {
			continue
		}
		exo = append(exo, filled)
		frame.names = append(frame.names, col.feature)
	}

	var last float64
	for i := first; i < len(rows); i++ {
		if v := target.value(rows[i]); v != nil {
			last = *v
		}
		frame.history = append(frame.history, last)
	}
	means := newRollingMeans(frame.history)

	for i := first + 1; i < len(rows); i++ {
		y := target.value(rows[i])
		if y == nil {
			continue
		}
		lags := make([]float64, 0, len(exo))
		for _, filled := range exo {
			if filled[i-1] == nil {
				break
			}
			lags = append(lags, *filled[i-1])
		}
		if len(lags) != len(exo) {
			continue
		}
		m := i - first
		frame.X = append(frame.X, featuresAt(frame.history, m, means, dayOf(rows[i].Day), lags))
		frame.y = append(frame.y, *y)
	}

	frame.exoLast = make([]float64, 0, len(exo))
	for _, filled := range exo {
		if v := filled[len(rows)-1]; v != nil {
			frame.exoLast = append(frame.exoLast, *v)
		}
	}
	return frame
}
