package models

import "time"

// DailyMetricRow represents one joined day of wearable and journal data.
// Rows arrive ordered ascending by Day and are never mutated by the analytics core.
type DailyMetricRow struct {
	Day time.Time `json:"day" db:"day"`

	Steps            *float64  `json:"steps" db:"steps"`
	RestingHeartRate *float64  `json:"resting_heart_rate" db:"resting_heart_rate"`
	HRVRaw           *float64  `json:"hrv_raw" db:"hrv_raw"`
	HRVManual        *float64  `json:"hrv_manual" db:"hrv_manual"`
	HRSamples        []float64 `json:"hr_samples,omitempty" db:"hr_samples"`

	SleepScore           *float64   `json:"sleep_score" db:"sleep_score"`
	SleepDurationSeconds *float64   `json:"sleep_duration_seconds" db:"sleep_duration_seconds"`
	DeepSleepSeconds     *float64   `json:"deep_sleep_seconds" db:"deep_sleep_seconds"`
	LightSleepSeconds    *float64   `json:"light_sleep_seconds" db:"light_sleep_seconds"`
	RemSleepSeconds      *float64   `json:"rem_sleep_seconds" db:"rem_sleep_seconds"`
	AwakeSeconds         *float64   `json:"awake_seconds" db:"awake_seconds"`
	SleepStart           *time.Time `json:"sleep_start" db:"sleep_start"`
	SleepEnd             *time.Time `json:"sleep_end" db:"sleep_end"`

	StressAvg       *float64 `json:"stress_avg" db:"stress_avg"`
	ActiveMinutes   *float64 `json:"active_minutes" db:"active_minutes"`
	VO2Max          *float64 `json:"vo2max" db:"vo2max"`
	RespiratoryRate *float64 `json:"respiratory_rate" db:"respiratory_rate"`

	// Journal ratings (1-5 scale)
	Mood          *float64 `json:"mood" db:"mood"`
	Energy        *float64 `json:"energy" db:"energy"`
	JournalRating *float64 `json:"journal_rating" db:"journal_rating"`
}

// Float returns a pointer to v. Handy for building rows in code and tests.
func Float(v float64) *float64 {
	return &v
}

// DayKey formats a calendar day the way every analytic output does.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Status values shared by every analytic result.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
)

// Reason codes reported alongside StatusInsufficientData.
const (
	ReasonInsufficientRows         = "insufficient_rows"
	ReasonInsufficientFieldSamples = "insufficient_field_samples"
	ReasonInsufficientCompleteRows = "insufficient_complete_rows"
	ReasonNoTargetValues           = "no_target_values"
	ReasonNoSleepData              = "no_sleep_data"
	ReasonNoScores                 = "no_scores"
)
