package analytics

import (
	"math"
	"time"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

const (
	hrvBaselineLookbackDays = 14
	hrvBaselineMinSamples   = 5
	hrvEMAAlpha             = 0.1
	hrvEMAMinSamples        = 30
	hrvBaselineCapFactor    = 1.2
	hrvEMACapFactor         = 1.15
	hrvComponentExponent    = 0.7
	hrvSmoothingDays        = 3
	hrvWinsorLowPct         = 5
	hrvWinsorHighPct        = 95
	hrvCapPct               = 75

	// ReasonNoHRVSamples is reported when no day yields an HRV value.
	ReasonNoHRVSamples = "no_hrv_samples"
)

// HRV value sources.
const (
	HRVSourceDevice      = "device"
	HRVSourceManual      = "manual"
	HRVSourceForwardFill = "forward_fill"
	HRVSourceHRProxy     = "hr_proxy"
)

// HRVOptions tunes value selection.
type HRVOptions struct {
	// ManualMaxGapDays is how many calendar days a manual entry may be carried
	// forward. Zero disables forward filling.
	ManualMaxGapDays int
}

type hrvSample struct {
	day   time.Time
	value float64
}

// hrvBaselineState is the accumulator of the causal scan over the series.
// Everything it exposes for day i was built from days strictly before i.
type hrvBaselineState struct {
	lastManual    *float64
	lastManualDay time.Time
	window        []hrvSample
	ema           float64
	seen          int
}

func (s *hrvBaselineState) selectValue(row models.DailyMetricRow, day time.Time, maxGap int) (*float64, string) {
	if row.HRVManual != nil {
		v := *row.HRVManual
		s.lastManual = &v
		s.lastManualDay = day
	}

	switch {
	case row.HRVRaw != nil:
		return ptr(*row.HRVRaw), HRVSourceDevice
	case row.HRVManual != nil:
		return ptr(*row.HRVManual), HRVSourceManual
	case s.lastManual != nil && maxGap > 0 && daysBetween(s.lastManualDay, day) <= maxGap:
		return ptr(*s.lastManual), HRVSourceForwardFill
	case len(row.HRSamples) >= 2:
		return ptr(sampleStd(row.HRSamples)), HRVSourceHRProxy
	}
	return nil, ""
}

// prune drops samples older than the look-back window relative to day.
func (s *hrvBaselineState) prune(day time.Time) {
	cutoff := day.AddDate(0, 0, -hrvBaselineLookbackDays)
	keep := s.window[:0]
	for _, smp := range s.window {
		if !smp.day.Before(cutoff) {
			keep = append(keep, smp)
		}
	}
	s.window = keep
}

func (s *hrvBaselineState) baseline() *float64 {
	if len(s.window) < hrvBaselineMinSamples {
		return nil
	}
	vals := make([]float64, len(s.window))
	for i, smp := range s.window {
		vals[i] = smp.value
	}
	return ptr(median(vals))
}

func (s *hrvBaselineState) emaCap() *float64 {
	if s.seen < hrvEMAMinSamples {
		return nil
	}
	return ptr(hrvEMACapFactor * s.ema)
}

func (s *hrvBaselineState) push(day time.Time, v float64) {
	s.window = append(s.window, hrvSample{day: day, value: v})
	if s.seen == 0 {
		s.ema = v
	} else {
		s.ema = hrvEMAAlpha*v + (1-hrvEMAAlpha)*s.ema
	}
	s.seen++
}

// smoothed returns the median of the values within the trailing smoothing window ending at day.
func (s *hrvBaselineState) smoothed(day time.Time) *float64 {
	start := day.AddDate(0, 0, -(hrvSmoothingDays - 1))
	var vals []float64
	for _, smp := range s.window {
		if !smp.day.Before(start) && !smp.day.After(day) {
			vals = append(vals, smp.value)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	return ptr(median(vals))
}

type hrvScan struct {
	day      time.Time
	raw      *float64
	source   string
	baseline *float64
	emaCap   *float64
	smoothed *float64
}

// NormalizeHRV runs adaptive normalization over an ordered row sequence.
// One output day is produced per input row; it never fails for the whole series.
func NormalizeHRV(rows []models.DailyMetricRow, opts HRVOptions) models.HRVSeries {
	state := &hrvBaselineState{}
	scans := make([]hrvScan, len(rows))
	var selected []float64

	for i, row := range rows {
		day := dayOf(row.Day)
		raw, source := state.selectValue(row, day, opts.ManualMaxGapDays)

		state.prune(day)
		scan := hrvScan{
			day:      day,
			raw:      raw,
			source:   source,
			baseline: state.baseline(),
			emaCap:   state.emaCap(),
		}
		if raw != nil {
			state.push(day, *raw)
			selected = append(selected, *raw)
		}
		scan.smoothed = state.smoothed(day)
		scans[i] = scan
	}

	series := models.HRVSeries{
		Days:        make([]models.HRVDay, len(rows)),
		SampleCount: len(selected),
		Status:      models.StatusOK,
	}
	if len(selected) == 0 {
		series.Status = models.StatusInsufficientData
		series.Reason = ReasonNoHRVSamples
		for i, scan := range scans {
			series.Days[i] = models.HRVDay{Day: models.DayKey(scan.day)}
		}
		return series
	}

	low := percentile(selected, hrvWinsorLowPct)
	high := percentile(selected, hrvWinsorHighPct)
	winsorized := make([]float64, len(selected))
	for i, v := range selected {
		winsorized[i] = clamp(v, low, high)
	}
	p75 := percentile(winsorized, hrvCapPct)

	series.WinsorLow = ptr(round(low, 2))
	series.WinsorHigh = ptr(round(high, 2))
	series.GlobalP75 = ptr(round(p75, 2))

	for i, scan := range scans {
		out := models.HRVDay{
			Day:      models.DayKey(scan.day),
			Source:   scan.source,
			Baseline: roundPtr(scan.baseline, 2),
			Smoothed: roundPtr(scan.smoothed, 2),
		}

		limit := p75
		if scan.baseline != nil {
			baseline := *scan.baseline
			limit = math.Max(limit, hrvBaselineCapFactor*baseline)
		}
		if scan.emaCap != nil {
			limit = math.Max(limit, *scan.emaCap)
		}
		out.Cap = ptr(round(limit, 2))

		if scan.raw != nil {
			raw := *scan.raw
			out.Raw = ptr(round(raw, 2))
			out.Winsorized = ptr(round(clamp(raw, low, high), 2))
			if limit > 0 {
				out.Component = ptr(round(hrvComponent(raw, limit), 2))
			}
		}
		series.Days[i] = out
	}
	return series
}

func hrvComponent(raw, limit float64) float64 {
	if raw <= 0 {
		return 0
	}
	return clampScore(math.Pow(raw/limit, hrvComponentExponent) * 100)
}
