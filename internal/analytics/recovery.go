package analytics

import (
	"fmt"
	"math"
	"time"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

// Recovery classifications.
const (
	ClassOptimal        = "optimal"
	ClassBalanced       = "balanced"
	ClassUnderRecovered = "under_recovered"
	ClassOverreached    = "overreached"
)

// Recovery trend labels.
const (
	TrendImproving        = "improving"
	TrendStable           = "stable"
	TrendInsufficientData = "insufficient_data"
)

// Deviation event types.
const (
	EventHRVDrop            = "hrv_drop"
	EventHRVSpike           = "hrv_spike"
	EventRHRElevated        = "rhr_elevated"
	EventRespiratoryAnomaly = "respiratory_anomaly"
)

const (
	trendWindow = 7

	activityLowSteps  = 4000.0
	activityHighSteps = 15000.0

	variabilityWindowDays = 7
	variabilityMinValues  = 3

	respiratoryLookbackDays    = 14
	respiratoryMinBaseline     = 3
	respiratoryDefaultBaseline = 14.0
	respiratoryLow             = 65.0
	respiratoryHigh            = 95.0

	hrvDropRatio     = 0.85
	hrvSpikeRatio    = 1.15
	hrvMinDeviation  = 0.05
	rhrAlertScore    = 60.0
	rhrAlertWindow   = 3
	rhrAlertMinCount = 2
)

// RecoveryWeights are the relative weights of each component. They are
// renormalized over the components present on a given day.
type RecoveryWeights struct {
	RHR             float64
	HRV             float64
	Sleep           float64
	Stress          float64
	Energy          float64
	Variability     float64
	ActivityBalance float64
	VO2Max          float64
	Respiratory     float64
}

// DefaultRecoveryWeights is the documented formula set.
var DefaultRecoveryWeights = RecoveryWeights{
	RHR:             0.16,
	HRV:             0.16,
	Sleep:           0.18,
	Stress:          0.12,
	Energy:          0.12,
	Variability:     0.06,
	ActivityBalance: 0.05,
	VO2Max:          0.08,
	Respiratory:     0.07,
}

func rhrComponent(rhr float64) float64 {
	return clampScore(100 - (rhr-40)*2)
}

func activityBalanceComponent(steps float64) float64 {
	switch {
	case steps < activityLowSteps:
		return math.Max(0, 90-50*(activityLowSteps-steps)/4000)
	case steps > activityHighSteps:
		return math.Max(30, 90-5*(steps-activityHighSteps)/1000)
	default:
		return 90
	}
}

func energyComponent(energy float64) float64 {
	return clampScore((energy - 1) / 4 * 100)
}

func vo2maxComponent(v float64) float64 {
	return clampScore((v - 20) / 40 * 100)
}

func respiratoryComponent(rate, baseline float64) float64 {
	return clampScore(95 - 15*math.Abs(rate-baseline))
}

func classify(composite float64, row models.DailyMetricRow) string {
	switch {
	case composite >= 80:
		return ClassOptimal
	case composite < 55:
		if row.Steps != nil && *row.Steps > 14000 && row.SleepScore != nil && *row.SleepScore < 65 {
			return ClassOverreached
		}
		return ClassUnderRecovered
	default:
		return ClassBalanced
	}
}

type weighted struct {
	value  *float64
	weight float64
}

func composite(parts []weighted) *float64 {
	var sum, total float64
	for _, p := range parts {
		if p.value == nil || p.weight <= 0 {
			continue
		}
		sum += *p.value * p.weight
		total += p.weight
	}
	if total == 0 {
		return nil
	}
	return ptr(clampScore(sum / total))
}

// ScoreRecovery computes the per-day recovery composite, its trend and any
// deviation events. hrv must be the normalized series of the same rows.
func ScoreRecovery(rows []models.DailyMetricRow, hrv models.HRVSeries, weights RecoveryWeights) models.RecoveryReport {
	report := models.RecoveryReport{
		Records: make([]models.RecoveryScoreRecord, 0, len(rows)),
		Events:  []models.DeviationEvent{},
		Trend:   TrendInsufficientData,
		Status:  models.StatusOK,
	}
	if len(rows) == 0 {
		report.Status = models.StatusInsufficientData
		report.Reason = models.ReasonInsufficientRows
		return report
	}

	hrvByDay := make(map[string]models.HRVDay, len(hrv.Days))
	for _, d := range hrv.Days {
		hrvByDay[d.Day] = d
	}
	days := make([]time.Time, len(rows))
	hrvValues := make([]*float64, len(rows))
	for i, row := range rows {
		days[i] = dayOf(row.Day)
		if d, ok := hrvByDay[models.DayKey(days[i])]; ok {
			hrvValues[i] = d.Raw
		}
	}

	var scores []float64
	for i, row := range rows {
		c := models.RecoveryComponents{}
		if row.RestingHeartRate != nil {
			c.RHR = ptr(rhrComponent(*row.RestingHeartRate))
		}
		if d, ok := hrvByDay[models.DayKey(days[i])]; ok && d.Component != nil {
			c.HRV = ptr(*d.Component)
		}
		if row.SleepScore != nil {
			c.Sleep = ptr(clampScore(*row.SleepScore))
		}
		if row.StressAvg != nil {
			c.Stress = ptr(clampScore(100 - *row.StressAvg))
		}
		if row.Steps != nil {
			c.ActivityBalance = ptr(activityBalanceComponent(*row.Steps))
		}
		if row.Energy != nil {
			c.Energy = ptr(energyComponent(*row.Energy))
		}
		c.Variability = variabilityComponent(days, hrvValues, i)
		if row.VO2Max != nil {
			c.VO2Max = ptr(vo2maxComponent(*row.VO2Max))
		}
		if row.RespiratoryRate != nil {
			c.Respiratory = ptr(respiratoryComponent(*row.RespiratoryRate, respiratoryBaseline(rows, days, i)))
		}

		record := models.RecoveryScoreRecord{
			Day:        models.DayKey(days[i]),
			Components: models.RecoveryComponents{
				RHR:             roundPtr(c.RHR, 2),
				HRV:             roundPtr(c.HRV, 2),
				Sleep:           roundPtr(c.Sleep, 2),
				Stress:          roundPtr(c.Stress, 2),
				ActivityBalance: roundPtr(c.ActivityBalance, 2),
				Energy:          roundPtr(c.Energy, 2),
				Variability:     roundPtr(c.Variability, 2),
				VO2Max:          roundPtr(c.VO2Max, 2),
				Respiratory:     roundPtr(c.Respiratory, 2),
			},
		}
		if score := composite([]weighted{
			{c.RHR, weights.RHR},
			{c.HRV, weights.HRV},
			{c.Sleep, weights.Sleep},
			{c.Stress, weights.Stress},
			{c.Energy, weights.Energy},
			{c.Variability, weights.Variability},
			{c.ActivityBalance, weights.ActivityBalance},
			{c.VO2Max, weights.VO2Max},
			{c.Respiratory, weights.Respiratory},
		}); score != nil {
			rounded := round(*score, 2)
			record.Composite = ptr(rounded)
			record.Classification = classify(rounded, row)
			scores = append(scores, *score)
		}
		report.Records = append(report.Records, record)
	}

	if len(scores) == 0 {
		report.Status = models.StatusInsufficientData
		report.Reason = models.ReasonNoScores
		return report
	}

	applyTrend(&report, scores)
	report.Events = append(report.Events, hrvEvents(hrv)...)
	report.Events = append(report.Events, rhrEvents(report.Records, days)...)
	report.Events = append(report.Events, respiratoryEvents(report.Records, days)...)
	return report
}

func applyTrend(report *models.RecoveryReport, scores []float64) {
	n := len(scores)
	if n >= trendWindow {
		report.RecentMean = ptr(round(mean(scores[n-trendWindow:]), 2))
	}
	if n < 2*trendWindow {
		report.Trend = TrendInsufficientData
		return
	}
	recent := mean(scores[n-trendWindow:])
	prior := mean(scores[n-2*trendWindow : n-trendWindow])
	report.PriorMean = ptr(round(prior, 2))
	if recent > prior {
		report.Trend = TrendImproving
	} else {
		report.Trend = TrendStable
	}
}

func variabilityComponent(days []time.Time, hrv []*float64, i int) *float64 {
	start := days[i].AddDate(0, 0, -(variabilityWindowDays - 1))
	var vals []float64
	for j := i; j >= 0 && !days[j].Before(start); j-- {
		if hrv[j] != nil {
			vals = append(vals, *hrv[j])
		}
	}
	if len(vals) < variabilityMinValues {
		return nil
	}
	m := mean(vals)
	if m <= 0 {
		return nil
	}
	cv := sampleStd(vals) / m
	return ptr(clampScore(100 - 200*cv))
}

func respiratoryBaseline(rows []models.DailyMetricRow, days []time.Time, i int) float64 {
	cutoff := days[i].AddDate(0, 0, -respiratoryLookbackDays)
	var prior []float64
	for j := i - 1; j >= 0 && !days[j].Before(cutoff); j-- {
		if rows[j].RespiratoryRate != nil {
			prior = append(prior, *rows[j].RespiratoryRate)
		}
	}
	if len(prior) < respiratoryMinBaseline {
		return respiratoryDefaultBaseline
	}
	return median(prior)
}

func hrvEvents(series models.HRVSeries) []models.DeviationEvent {
	var events []models.DeviationEvent
	for _, d := range series.Days {
		if d.Smoothed == nil || d.Baseline == nil || *d.Baseline <= 0 {
			continue
		}
		ratio := *d.Smoothed / *d.Baseline
		if math.Abs(ratio-1) < hrvMinDeviation {
			continue
		}
		switch {
		case ratio < hrvDropRatio:
			events = append(events, models.DeviationEvent{
				Day:    d.Day,
				Type:   EventHRVDrop,
				Value:  round(ratio, 3),
				Detail: fmt.Sprintf("smoothed HRV %.1f is %.0f%% below baseline %.1f", *d.Smoothed, (1-ratio)*100, *d.Baseline),
			})
		case ratio > hrvSpikeRatio:
			events = append(events, models.DeviationEvent{
				Day:    d.Day,
				Type:   EventHRVSpike,
				Value:  round(ratio, 3),
				Detail: fmt.Sprintf("smoothed HRV %.1f is %.0f%% above baseline %.1f", *d.Smoothed, (ratio-1)*100, *d.Baseline),
			})
		}
	}
	return events
}

// rhrEvents flags a day when the RHR component was low on at least
// rhrAlertMinCount of the calendar days [day-2, day]. Value is the most
// recent low component in that window.
func rhrEvents(records []models.RecoveryScoreRecord, days []time.Time) []models.DeviationEvent {
	var events []models.DeviationEvent
	for i := range records {
		low := 0
		var latest *float64
		for j := i; j >= 0 && daysBetween(days[j], days[i]) < rhrAlertWindow; j-- {
			if c := records[j].Components.RHR; c != nil && *c < rhrAlertScore {
				low++
				if latest == nil {
					latest = c
				}
			}
		}
		if low >= rhrAlertMinCount {
			events = append(events, models.DeviationEvent{
				Day:    records[i].Day,
				Type:   EventRHRElevated,
				Value:  *latest,
				Detail: fmt.Sprintf("resting heart rate component below %.0f on %d of the last %d days", rhrAlertScore, low, rhrAlertWindow),
			})
		}
	}
	return events
}

// respiratoryEvents flags the second and later consecutive calendar days
// with the respiratory component outside its normal band.
func respiratoryEvents(records []models.RecoveryScoreRecord, days []time.Time) []models.DeviationEvent {
	var events []models.DeviationEvent
	run := 0
	for i, r := range records {
		c := r.Components.Respiratory
		if c == nil || (*c >= respiratoryLow && *c <= respiratoryHigh) {
			run = 0
			continue
		}
		if run > 0 && daysBetween(days[i-1], days[i]) != 1 {
			run = 0
		}
		run++
		if run >= 2 {
			events = append(events, models.DeviationEvent{
				Day:    r.Day,
				Type:   EventRespiratoryAnomaly,
				Value:  *c,
				Detail: fmt.Sprintf("respiratory component outside [%.0f, %.0f] for %d consecutive days", respiratoryLow, respiratoryHigh, run),
			})
		}
	}
	return events
}
