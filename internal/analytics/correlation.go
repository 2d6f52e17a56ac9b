package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

const (
	correlationMinRows     = 5
	correlationMinSamples  = 5
	significanceMinAbs     = 0.3
	significanceAlpha      = 0.05
	maxCorrelationInsights = 10

	// FieldRecoveryScore is supplied by the caller as an extra series.
	FieldRecoveryScore = "recovery_score"
)

// DefaultCorrelationFields is the field list used when none is requested.
var DefaultCorrelationFields = []string{
	"steps",
	"resting_heart_rate",
	"hrv",
	"sleep_score",
	"sleep_duration_hours",
	"stress_avg",
	"active_minutes",
	"mood",
	"energy",
	"journal_rating",
	FieldRecoveryScore,
	"energy_next_day",
	"mood_next_day",
}

// CorrelationOptions configures one correlation run.
type CorrelationOptions struct {
	Fields []string
	// MinAbs filters the long-form pair list by |r|.
	MinAbs float64
	// Extra holds caller-computed series aligned with the rows, keyed by field name.
	Extra map[string][]*float64
}

// rowField extracts a named field from a row. Unknown names yield ok=false.
func rowField(row models.DailyMetricRow, field string) (*float64, bool) {
	switch field {
	case "steps":
		return row.Steps, true
	case "resting_heart_rate":
		return row.RestingHeartRate, true
	case "hrv":
		if row.HRVRaw != nil {
			return row.HRVRaw, true
		}
		return row.HRVManual, true
	case "sleep_score":
		return row.SleepScore, true
	case "sleep_duration_hours":
		if row.SleepDurationSeconds == nil {
			return nil, true
		}
		return ptr(*row.SleepDurationSeconds / 3600), true
	case "stress_avg":
		return row.StressAvg, true
	case "active_minutes":
		return row.ActiveMinutes, true
	case "mood":
		return row.Mood, true
	case "energy":
		return row.Energy, true
	case "journal_rating":
		return row.JournalRating, true
	case "vo2max":
		return row.VO2Max, true
	case "respiratory_rate":
		return row.RespiratoryRate, true
	}
	return nil, false
}

// IsCorrelationField reports whether field names a row metric, a next-day
// metric or the recovery composite.
func IsCorrelationField(field string) bool {
	if field == FieldRecoveryScore {
		return true
	}
	field, _ = strings.CutSuffix(field, "_next_day")
	_, known := rowField(models.DailyMetricRow{}, field)
	return known
}

// fieldSeries builds the aligned series for one field. Next-day fields look up
// the row for the following calendar day.
func fieldSeries(rows []models.DailyMetricRow, field string, extra map[string][]*float64) ([]*float64, bool) {
	if s, ok := extra[field]; ok && len(s) == len(rows) {
		return s, true
	}
	if base, found := strings.CutSuffix(field, "_next_day"); found {
		byDay := make(map[string]int, len(rows))
		for i, row := range rows {
			byDay[models.DayKey(dayOf(row.Day))] = i
		}
		out := make([]*float64, len(rows))
		for i, row := range rows {
			j, ok := byDay[models.DayKey(dayOf(row.Day).AddDate(0, 0, 1))]
			if !ok {
				continue
			}
			v, known := rowField(rows[j], base)
			if !known {
				return nil, false
			}
			out[i] = v
		}
		return out, true
	}

	out := make([]*float64, len(rows))
	for i, row := range rows {
		v, known := rowField(row, field)
		if !known {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Correlate computes pairwise Pearson, Spearman and Kendall coefficients.
func Correlate(rows []models.DailyMetricRow, opts CorrelationOptions) models.CorrelationResult {
	if len(rows) < correlationMinRows {
		return models.CorrelationResult{
			Pearson: models.CorrelationMatrix{},
			Meta: models.CorrelationMeta{
				Rows:        len(rows),
				Reason:      models.ReasonInsufficientRows,
				MinRequired: correlationMinRows,
			},
		}
	}

	requested := opts.Fields
	if len(requested) == 0 {
		requested = DefaultCorrelationFields
	}

	var fields []string
	series := make(map[string][]*float64)
	counts := make(map[string]int)
	for _, f := range requested {
		if _, dup := series[f]; dup {
			continue
		}
		s, ok := fieldSeries(rows, f, opts.Extra)
		if !ok {
			continue
		}
		n := len(values(s))
		if n < correlationMinSamples {
			continue
		}
		series[f] = s
		counts[f] = n
		fields = append(fields, f)
	}

	result := models.CorrelationResult{
		Pearson:      models.CorrelationMatrix{},
		Spearman:     models.CorrelationMatrix{},
		Kendall:      models.CorrelationMatrix{},
		SampleCounts: counts,
		Pairs:        []models.CorrelationPair{},
		Insights:     []string{},
		Meta:         models.CorrelationMeta{Rows: len(rows), Fields: fields},
	}
	if len(fields) == 0 {
		result.Meta.Reason = models.ReasonInsufficientFieldSamples
		result.Meta.MinRequired = correlationMinSamples
		return result
	}

	for _, f := range fields {
		result.Pearson[f] = map[string]*float64{}
		result.Spearman[f] = map[string]*float64{}
		result.Kendall[f] = map[string]*float64{}
	}

	for i, a := range fields {
		result.Pearson[a][a] = ptr(1)
		result.Spearman[a][a] = ptr(1)
		result.Kendall[a][a] = ptr(1)

		for _, b := range fields[i+1:] {
			xs, ys := alignPairwise(series[a], series[b])
			var p, s, k *float64
			if len(xs) >= correlationMinSamples {
				p = pearson(xs, ys)
				s = pearson(averageRanks(xs), averageRanks(ys))
				k = kendallTauB(xs, ys)
			}
			p, s, k = roundPtr(p, 4), roundPtr(s, 4), roundPtr(k, 4)
			result.Pearson[a][b], result.Pearson[b][a] = p, p
			result.Spearman[a][b], result.Spearman[b][a] = s, s
			result.Kendall[a][b], result.Kendall[b][a] = k, k

			if p == nil || math.Abs(*p) < opts.MinAbs {
				continue
			}
			pv := pValue(*p, len(xs))
			result.Pairs = append(result.Pairs, models.CorrelationPair{
				A:           a,
				B:           b,
				Value:       *p,
				N:           len(xs),
				PValue:      round(pv, 4),
				Significant: math.Abs(*p) >= significanceMinAbs && pv < significanceAlpha,
			})
		}
	}

	sort.SliceStable(result.Pairs, func(i, j int) bool {
		return math.Abs(result.Pairs[i].Value) > math.Abs(result.Pairs[j].Value)
	})
	for _, pair := range result.Pairs {
		if !pair.Significant {
			continue
		}
		result.Insights = append(result.Insights, insight(pair))
		if len(result.Insights) == maxCorrelationInsights {
			break
		}
	}
	return result
}

func alignPairwise(a, b []*float64) ([]float64, []float64) {
	var xs, ys []float64
	for i := range a {
		if a[i] == nil || b[i] == nil {
			continue
		}
		xs = append(xs, *a[i])
		ys = append(ys, *b[i])
	}
	return xs, ys
}

func pearson(xs, ys []float64) *float64 {
	r := stat.Correlation(xs, ys, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return ptr(clamp(r, -1, 1))
}

// kendallTauB handles ties in either variable; nil when one side is constant.
func kendallTauB(xs, ys []float64) *float64 {
	var concordant, discordant, tiesX, tiesY float64
	n := len(xs)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dx := xs[i] - xs[j]
			dy := ys[i] - ys[j]
			switch {
			case dx == 0 && dy == 0:
				// tied in both, counts toward neither
			case dx == 0:
				tiesX++
			case dy == 0:
				tiesY++
			case dx*dy > 0:
				concordant++
			default:
				discordant++
			}
		}
	}
	denom := math.Sqrt((concordant + discordant + tiesX) * (concordant + discordant + tiesY))
	if denom == 0 {
		return nil
	}
	return ptr(clamp((concordant-discordant)/denom, -1, 1))
}

// pValue is the two-sided p-value of a Pearson coefficient under a t-test with n-2 df.
func pValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return clamp(2*(1-dist.CDF(math.Abs(t))), 0, 1)
}

func fieldLabel(field string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(field, "_", " "))
}

func direction(r float64, pos, neg string) string {
	if r >= 0 {
		return pos
	}
	return neg
}

type insightTemplate func(pair models.CorrelationPair) string

var knownInsights = map[string]insightTemplate{
	"sleep_score|energy_next_day": func(p models.CorrelationPair) string {
		return fmt.Sprintf("Better sleep scores tend to be followed by %s energy the next day (r=%.2f, n=%d).",
			direction(p.Value, "higher", "lower"), p.Value, p.N)
	},
	"steps|mood": func(p models.CorrelationPair) string {
		return fmt.Sprintf("More active days tend to come with %s mood (r=%.2f, n=%d).",
			direction(p.Value, "better", "worse"), p.Value, p.N)
	},
	"stress_avg|sleep_score": func(p models.CorrelationPair) string {
		return fmt.Sprintf("Higher stress tends to go with %s sleep scores (r=%.2f, n=%d).",
			direction(p.Value, "higher", "lower"), p.Value, p.N)
	},
	"hrv|resting_heart_rate": func(p models.CorrelationPair) string {
		return fmt.Sprintf("Higher HRV tends to go with a %s resting heart rate (r=%.2f, n=%d).",
			direction(p.Value, "higher", "lower"), p.Value, p.N)
	},
	"sleep_duration_hours|energy": func(p models.CorrelationPair) string {
		return fmt.Sprintf("Longer sleep tends to go with %s energy (r=%.2f, n=%d).",
			direction(p.Value, "higher", "lower"), p.Value, p.N)
	},
	"steps|sleep_score": func(p models.CorrelationPair) string {
		return fmt.Sprintf("More steps tend to go with %s sleep scores (r=%.2f, n=%d).",
			direction(p.Value, "higher", "lower"), p.Value, p.N)
	},
}

func insight(pair models.CorrelationPair) string {
	if tmpl, ok := knownInsights[pair.A+"|"+pair.B]; ok {
		return tmpl(pair)
	}
	if tmpl, ok := knownInsights[pair.B+"|"+pair.A]; ok {
		return tmpl(pair)
	}
	strength := "moderate"
	if math.Abs(pair.Value) >= 0.7 {
		strength = "strong"
	}
	return fmt.Sprintf("%s and %s show a %s %s relationship (r=%.2f, n=%d).",
		fieldLabel(pair.A), fieldLabel(pair.B), strength,
		direction(pair.Value, "positive", "negative"), pair.Value, pair.N)
}
