// Package analytics is the health-signal analytics core: HRV normalization,
// recovery scoring, sleep statistics, correlations, clustering and forecasting.
// Everything except the forecast engine's model store is pure and operates on
// already-joined, day-ordered rows.
package analytics

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/models"
)

// Options configures an Engine.
type Options struct {
	HRVManualMaxGapDays int
	ClusterCount        int
	CorrelationMinAbs   float64
	ForecastHorizon     int
	ModelDir            string
	Weights             *RecoveryWeights
	// Location is the zone sleep clock times are reported in; nil means UTC.
	Location *time.Location
}

// Engine bundles the analytic components behind one configured value.
type Engine struct {
	opts     Options
	weights  RecoveryWeights
	forecast *ForecastEngine
}

// NewEngine creates an engine from opts, filling defaults for zero values.
func NewEngine(opts Options, logger *logrus.Logger) *Engine {
	if opts.ClusterCount < clusterMinK {
		opts.ClusterCount = 3
	}
	if opts.ForecastHorizon <= 0 {
		opts.ForecastHorizon = DefaultForecastHorizon
	}
	if opts.ModelDir == "" {
		opts.ModelDir = "./var/models"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	weights := DefaultRecoveryWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	return &Engine{
		opts:     opts,
		weights:  weights,
		forecast: NewForecastEngine(NewModelStore(opts.ModelDir), logger),
	}
}

// Options returns the effective configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// SetEventLogger routes forecast model events to l.
func (e *Engine) SetEventLogger(l logging.Logger) {
	e.forecast.SetEventLogger(l)
}

// Models lists the metrics with a persisted forecast model.
func (e *Engine) Models() ([]string, error) {
	return e.forecast.Models()
}

// HRV normalizes the HRV signal of rows.
func (e *Engine) HRV(rows []models.DailyMetricRow) models.HRVSeries {
	return NormalizeHRV(rows, HRVOptions{ManualMaxGapDays: e.opts.HRVManualMaxGapDays})
}

// Recovery scores every day, normalizing HRV first.
func (e *Engine) Recovery(rows []models.DailyMetricRow) models.RecoveryReport {
	return ScoreRecovery(rows, e.HRV(rows), e.weights)
}

// Sleep analyzes sleep efficiency and timing.
func (e *Engine) Sleep(rows []models.DailyMetricRow) models.SleepReport {
	return AnalyzeSleep(rows, e.opts.Location)
}

// Correlations runs the correlation engine. The recovery composite is made
// available as the recovery_score field.
func (e *Engine) Correlations(rows []models.DailyMetricRow, fields []string) models.CorrelationResult {
	opts := CorrelationOptions{Fields: fields, MinAbs: e.opts.CorrelationMinAbs}
	if len(rows) >= correlationMinRows && wantsField(fields, FieldRecoveryScore) {
		report := e.Recovery(rows)
		scores := make([]*float64, len(rows))
		for i, r := range report.Records {
			scores[i] = r.Composite
		}
		opts.Extra = map[string][]*float64{FieldRecoveryScore: scores}
	}
	return Correlate(rows, opts)
}

func wantsField(fields []string, name string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

// Clusters groups complete days; k <= 0 uses the configured cluster count.
func (e *Engine) Clusters(rows []models.DailyMetricRow, k int) models.ClusterResult {
	if k <= 0 {
		k = e.opts.ClusterCount
	}
	return Cluster(rows, k)
}

// Forecast projects metric; horizon <= 0 uses the configured horizon.
func (e *Engine) Forecast(rows []models.DailyMetricRow, metric string, horizon int) (models.ForecastResult, error) {
	if horizon <= 0 {
		horizon = e.opts.ForecastHorizon
	}
	return e.forecast.Forecast(rows, metric, horizon)
}
