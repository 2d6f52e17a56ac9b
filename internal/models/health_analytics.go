package models

import (
	"encoding/json"
	"time"
)

// HRVDay is the per-day output of the HRV normalizer.
type HRVDay struct {
	Day        string   `json:"day"`
	Raw        *float64 `json:"raw"`
	Source     string   `json:"source,omitempty"` // "device", "manual", "forward_fill", "hr_proxy"
	Winsorized *float64 `json:"winsorized"`
	Baseline   *float64 `json:"baseline"`
	Cap        *float64 `json:"cap"`
	Smoothed   *float64 `json:"smoothed"`
	Component  *float64 `json:"component"`
}

// HRVSeries is the full normalized series plus its global statistics.
type HRVSeries struct {
	Days        []HRVDay `json:"days"`
	WinsorLow   *float64 `json:"winsor_low"`
	WinsorHigh  *float64 `json:"winsor_high"`
	GlobalP75   *float64 `json:"global_p75"`
	SampleCount int      `json:"sample_count"`
	Status      string   `json:"status"`
	Reason      string   `json:"reason,omitempty"`
}

// RecoveryComponents holds the per-day sub-scores, each 0-100 or null.
type RecoveryComponents struct {
	RHR             *float64 `json:"rhr"`
	HRV             *float64 `json:"hrv"`
	Sleep           *float64 `json:"sleep"`
	Stress          *float64 `json:"stress"`
	ActivityBalance *float64 `json:"activity_balance"`
	Energy          *float64 `json:"energy"`
	Variability     *float64 `json:"variability"`
	VO2Max          *float64 `json:"vo2max"`
	Respiratory     *float64 `json:"respiratory"`
}

// RecoveryScoreRecord is the composite recovery score for one day.
type RecoveryScoreRecord struct {
	Day            string             `json:"day"`
	Components     RecoveryComponents `json:"components"`
	Composite      *float64           `json:"composite"`
	Classification string             `json:"classification,omitempty"` // "optimal", "balanced", "under_recovered", "overreached"
}

// DeviationEvent flags a physiological deviation on a given day.
type DeviationEvent struct {
	Day    string  `json:"day"`
	Type   string  `json:"type"` // "hrv_drop", "hrv_spike", "rhr_elevated", "respiratory_anomaly"
	Value  float64 `json:"value"`
	Detail string  `json:"detail"`
}

// RecoveryReport bundles scores, trend and deviation events.
type RecoveryReport struct {
	Records    []RecoveryScoreRecord `json:"records"`
	Trend      string                `json:"trend"` // "improving", "stable", "insufficient_data"
	RecentMean *float64              `json:"recent_mean"`
	PriorMean  *float64              `json:"prior_mean"`
	Events     []DeviationEvent      `json:"events"`
	Status     string                `json:"status"`
	Reason     string                `json:"reason,omitempty"`
}

// SleepEfficiencyDay is the efficiency computed for one night.
type SleepEfficiencyDay struct {
	Day               string   `json:"day"`
	Efficiency        *float64 `json:"efficiency"`
	NumeratorSource   string   `json:"numerator_source,omitempty"`   // "stages", "duration_minus_awake", "duration"
	DenominatorSource string   `json:"denominator_source,omitempty"` // "timestamps", "duration_plus_awake"
}

// TimeWindow is a clock window expressed in minutes-of-day and HH:MM.
type TimeWindow struct {
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

// SleepTimingSummary holds circular statistics over bedtime and wake time.
type SleepTimingSummary struct {
	Nights                   int         `json:"nights"`
	MeanBedtimeMinute        *int        `json:"mean_bedtime_minute"`
	MeanWakeMinute           *int        `json:"mean_wake_minute"`
	MeanBedtime              string      `json:"mean_bedtime,omitempty"`
	MeanWake                 string      `json:"mean_wake,omitempty"`
	BedtimeConsistency       *float64    `json:"bedtime_consistency"`
	WakeConsistency          *float64    `json:"wake_consistency"`
	Consistency              *float64    `json:"consistency"`
	BedtimeWindow            *TimeWindow `json:"bedtime_window"`
	WakeWindow               *TimeWindow `json:"wake_window"`
	RecommendedBedtimeMinute *int        `json:"recommended_bedtime_minute"`
	RecommendedBedtime       string      `json:"recommended_bedtime,omitempty"`
	RecommendedWindow        *TimeWindow `json:"recommended_window"`
}

// SleepReport is the combined efficiency and timing result.
type SleepReport struct {
	Efficiency           []SleepEfficiencyDay `json:"efficiency"`
	MeanEfficiency       *float64             `json:"mean_efficiency"`
	AverageDurationHours *float64             `json:"average_duration_hours"`
	Timing               SleepTimingSummary   `json:"timing"`
	Status               string               `json:"status"`
	Reason               string               `json:"reason,omitempty"`
}

// CorrelationPair is one long-form entry of the correlation matrix.
type CorrelationPair struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Value       float64 `json:"value"`
	N           int     `json:"n"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
}

// CorrelationMeta describes how a correlation result was produced.
type CorrelationMeta struct {
	Rows        int      `json:"rows"`
	Fields      []string `json:"fields,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	MinRequired int      `json:"min_required,omitempty"`
}

// CorrelationMatrix maps field -> field -> coefficient (null when not computable).
type CorrelationMatrix map[string]map[string]*float64

// CorrelationResult is the output of the correlation engine.
type CorrelationResult struct {
	Pearson      CorrelationMatrix `json:"pearson"`
	Spearman     CorrelationMatrix `json:"spearman,omitempty"`
	Kendall      CorrelationMatrix `json:"kendall,omitempty"`
	SampleCounts map[string]int    `json:"sample_counts,omitempty"`
	Pairs        []CorrelationPair `json:"pairs,omitempty"`
	Insights     []string          `json:"insights,omitempty"`
	Meta         CorrelationMeta   `json:"meta"`
}

// FeatureStats summarizes one feature inside a cluster.
type FeatureStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ClusterAssignment describes one behavioral cluster.
type ClusterAssignment struct {
	ID         int                     `json:"id"`
	Size       int                     `json:"size"`
	Percentage float64                 `json:"percentage"`
	Features   map[string]FeatureStats `json:"features"`
	Tags       []string                `json:"tags"`
	Days       []string                `json:"days"`
}

// ClusterResult is the output of the cluster analyzer.
type ClusterResult struct {
	K           int                 `json:"k"`
	Rows        int                 `json:"rows"`
	Clusters    []ClusterAssignment `json:"clusters"`
	Status      string              `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	MinRequired int                 `json:"min_required,omitempty"`
}

// Confidence is a forecast confidence that may be unknown.
// It serializes as a number, or as the string "unknown".
type Confidence struct {
	Value float64
	Known bool
}

// KnownConfidence wraps a numeric confidence.
func KnownConfidence(v float64) Confidence {
	return Confidence{Value: v, Known: true}
}

// MarshalJSON implements json.Marshaler.
func (c Confidence) MarshalJSON() ([]byte, error) {
	if !c.Known {
		return json.Marshal("unknown")
	}
	return json.Marshal(c.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Confidence) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*c = KnownConfidence(v)
		return nil
	}
	*c = Confidence{}
	return nil
}

// ForecastPoint is one projected day.
type ForecastPoint struct {
	Day            string     `json:"day"`
	PredictedValue float64    `json:"predicted_value"`
	Confidence     Confidence `json:"confidence"`
}

// ForecastResult is the output of the forecast engine for one metric.
type ForecastResult struct {
	Metric            string             `json:"metric"`
	ModelKind         string             `json:"model_kind"` // "linear", "ridge", "random_forest", "trend_baseline"
	Source            string             `json:"source"`     // "trained", "loaded", "trend_baseline"
	Horizon           int                `json:"horizon"`
	Points            []ForecastPoint    `json:"points"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	CandidateScores   map[string]float64 `json:"candidate_scores,omitempty"`
	HoldoutR2         *float64           `json:"holdout_r2"`
	TrainingRows      int                `json:"training_rows"`
	GeneratedAt       time.Time          `json:"generated_at"`
	Status            string             `json:"status"`
	Reason            string             `json:"reason,omitempty"`
	MinRequired       int                `json:"min_required,omitempty"`
}
