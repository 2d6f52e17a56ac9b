package analytics

import (
	"math"
	"time"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

const (
	minutesPerDay = 1440

	// Minutes subtracted from the mean wake time to recommend a bedtime (7.5 h).
	recommendedSleepMinutes = 450
	timingWindowMinutes     = 30

	// A reported duration this close to time in bed carries no efficiency signal.
	durationToleranceSeconds = 60.0
)

// Efficiency numerator and denominator sources.
const (
	SourceStages             = "stages"
	SourceDurationMinusAwake = "duration_minus_awake"
	SourceDuration           = "duration"
	SourceTimestamps         = "timestamps"
	SourceDurationPlusAwake  = "duration_plus_awake"
)

func positive(v *float64) float64 {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}

// timeInBed derives the in-bed span from the sleep timestamps, wrapping
// across midnight when the end precedes the start.
func timeInBed(row models.DailyMetricRow) (float64, bool) {
	if row.SleepStart == nil || row.SleepEnd == nil {
		return 0, false
	}
	delta := row.SleepEnd.Sub(*row.SleepStart)
	if delta <= 0 {
		delta += 24 * time.Hour
	}
	if delta <= 0 {
		return 0, false
	}
	return delta.Seconds(), true
}

// SleepEfficiency computes the efficiency of one night, or nil when the row
// cannot support a meaningful value.
func SleepEfficiency(row models.DailyMetricRow) models.SleepEfficiencyDay {
	out := models.SleepEfficiencyDay{Day: models.DayKey(dayOf(row.Day))}

	stages := positive(row.DeepSleepSeconds) + positive(row.LightSleepSeconds) + positive(row.RemSleepSeconds)
	hasStages := stages > 0
	awake := positive(row.AwakeSeconds)
	hasAwake := awake > 0

	var den float64
	tib, fromTimestamps := timeInBed(row)
	switch {
	case fromTimestamps:
		den = tib
		out.DenominatorSource = SourceTimestamps
	case row.SleepDurationSeconds != nil:
		den = *row.SleepDurationSeconds + awake
		out.DenominatorSource = SourceDurationPlusAwake
	default:
		return models.SleepEfficiencyDay{Day: out.Day}
	}

	var num float64
	switch {
	case hasStages:
		num = stages
		out.NumeratorSource = SourceStages
	case row.SleepDurationSeconds != nil && hasAwake && *row.SleepDurationSeconds >= awake:
		num = *row.SleepDurationSeconds - awake
		out.NumeratorSource = SourceDurationMinusAwake
	case row.SleepDurationSeconds != nil && fromTimestamps:
		duration := *row.SleepDurationSeconds
		if duration >= tib-durationToleranceSeconds {
			return models.SleepEfficiencyDay{Day: out.Day}
		}
		num = duration
		out.NumeratorSource = SourceDuration
	default:
		return models.SleepEfficiencyDay{Day: out.Day}
	}

	if den <= 0 {
		return models.SleepEfficiencyDay{Day: out.Day}
	}
	out.Efficiency = ptr(round(clampScore(num/den*100), 2))
	return out
}

// minuteOfDay reads the wall clock of t in loc; a nil loc keeps t's own
// location.
func minuteOfDay(t time.Time, loc *time.Location) float64 {
	if loc != nil {
		t = t.In(loc)
	}
	return float64(t.Hour()*60+t.Minute()) + float64(t.Second())/60
}

// circularMean returns the mean minute-of-day on a 1440-minute clock and the
// resultant length in [0, 1].
func circularMean(minutes []float64) (float64, float64) {
	if len(minutes) == 0 {
		return 0, 0
	}
	var sumSin, sumCos float64
	for _, m := range minutes {
		theta := 2 * math.Pi * m / minutesPerDay
		sumSin += math.Sin(theta)
		sumCos += math.Cos(theta)
	}
	n := float64(len(minutes))
	sumSin /= n
	sumCos /= n

	r := math.Min(1, math.Hypot(sumSin, sumCos))
	theta := math.Atan2(sumSin, sumCos)
	if theta < 0 {
		theta += 2 * math.Pi
	}
	return theta / (2 * math.Pi) * minutesPerDay, r
}

func wrapMinute(m int) int {
	return ((m % minutesPerDay) + minutesPerDay) % minutesPerDay
}

func window(center int) *models.TimeWindow {
	start := wrapMinute(center - timingWindowMinutes)
	end := wrapMinute(center + timingWindowMinutes)
	return &models.TimeWindow{
		StartMinute: start,
		EndMinute:   end,
		Start:       formatClock(start),
		End:         formatClock(end),
	}
}

// SleepTiming summarizes bedtime and wake regularity with circular statistics.
// Clock times are read in loc, or in each timestamp's location when loc is nil.
func SleepTiming(rows []models.DailyMetricRow, loc *time.Location) models.SleepTimingSummary {
	var bedtimes, wakes []float64
	nights := 0
	for _, row := range rows {
		if row.SleepStart == nil && row.SleepEnd == nil {
			continue
		}
		nights++
		if row.SleepStart != nil {
			bedtimes = append(bedtimes, minuteOfDay(*row.SleepStart, loc))
		}
		if row.SleepEnd != nil {
			wakes = append(wakes, minuteOfDay(*row.SleepEnd, loc))
		}
	}

	summary := models.SleepTimingSummary{Nights: nights}
	var consistency []float64

	if len(bedtimes) > 0 {
		m, r := circularMean(bedtimes)
		minute := wrapMinute(int(math.Round(m)))
		summary.MeanBedtimeMinute = intPtr(minute)
		summary.MeanBedtime = formatClock(minute)
		summary.BedtimeConsistency = ptr(round(r*100, 2))
		summary.BedtimeWindow = window(minute)
		consistency = append(consistency, r*100)
	}
	if len(wakes) > 0 {
		m, r := circularMean(wakes)
		minute := wrapMinute(int(math.Round(m)))
		summary.MeanWakeMinute = intPtr(minute)
		summary.MeanWake = formatClock(minute)
		summary.WakeConsistency = ptr(round(r*100, 2))
		summary.WakeWindow = window(minute)
		consistency = append(consistency, r*100)

		rec := wrapMinute(minute - recommendedSleepMinutes)
		summary.RecommendedBedtimeMinute = intPtr(rec)
		summary.RecommendedBedtime = formatClock(rec)
		summary.RecommendedWindow = window(rec)
	}
	if len(consistency) > 0 {
		summary.Consistency = ptr(round(mean(consistency), 2))
	}
	return summary
}

// AnalyzeSleep combines per-night efficiency with the timing summary.
func AnalyzeSleep(rows []models.DailyMetricRow, loc *time.Location) models.SleepReport {
	report := models.SleepReport{
		Efficiency: make([]models.SleepEfficiencyDay, 0, len(rows)),
		Status:     models.StatusOK,
	}

	var effs, durations []float64
	for _, row := range rows {
		day := SleepEfficiency(row)
		report.Efficiency = append(report.Efficiency, day)
		if day.Efficiency != nil {
			effs = append(effs, *day.Efficiency)
		}
		if row.SleepDurationSeconds != nil && *row.SleepDurationSeconds > 0 {
			durations = append(durations, *row.SleepDurationSeconds/3600)
		}
	}
	if len(effs) > 0 {
		report.MeanEfficiency = ptr(round(mean(effs), 2))
	}
	if len(durations) > 0 {
		report.AverageDurationHours = ptr(round(mean(durations), 2))
	}
	report.Timing = SleepTiming(rows, loc)

	if len(effs) == 0 && len(durations) == 0 && report.Timing.Nights == 0 {
		report.Status = models.StatusInsufficientData
		report.Reason = models.ReasonNoSleepData
	}
	return report
}
