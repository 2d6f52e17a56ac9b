package analytics

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ModelKind tags the variant held by a ForecastModel.
type ModelKind string

const (
	KindLinear        ModelKind = "linear"
	KindRidge         ModelKind = "ridge"
	KindRandomForest  ModelKind = "random_forest"
	KindTrendBaseline ModelKind = "trend_baseline"
)

// Bumped whenever the persisted layout changes; older artifacts are discarded.
const modelFormatVersion = 1

// TrendParams is a straight line over the most recent known values, indexed
// by step from the oldest value in the fitting window.
type TrendParams struct {
	Intercept float64
	Slope     float64
	// LastStep is the step index of the newest known value.
	LastStep int
}

// At projects h days past the newest known value.
func (t *TrendParams) At(h int) float64 {
	return t.Intercept + t.Slope*float64(t.LastStep+h)
}

// ForecastModel is a trained forecaster bound to one metric. Exactly one of
// Linear, Forest or Trend is set, selected by Kind.
type ForecastModel struct {
	Version      int
	Kind         ModelKind
	Metric       string
	Features     []string
	Scaler       *StandardScaler
	Linear       *LinearParams
	Forest       *RandomForest
	Trend        *TrendParams
	HoldoutR2    float64
	TrainingRows int
	TrainedAt    time.Time
}

// Predict evaluates one unscaled feature vector.
func (m *ForecastModel) Predict(x []float64) (float64, error) {
	var (
		y   float64
		err error
	)
	switch m.Kind {
	case KindLinear, KindRidge:
		if m.Linear == nil || m.Scaler == nil {
			return 0, fmt.Errorf("%w: %s model missing parameters", ErrModelIncompatible, m.Kind)
		}
		scaled, serr := m.Scaler.Transform(x)
		if serr != nil {
			return 0, fmt.Errorf("%w: %v", ErrModelIncompatible, serr)
		}
		y, err = m.Linear.Predict(scaled)
	case KindRandomForest:
		if m.Forest == nil {
			return 0, fmt.Errorf("%w: random forest missing trees", ErrModelIncompatible)
		}
		y, err = m.Forest.Predict(x)
	case KindTrendBaseline:
		return 0, fmt.Errorf("trend baseline projects by step, use Project")
	default:
		return 0, fmt.Errorf("%w: unknown model kind %q", ErrModelIncompatible, m.Kind)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, fmt.Errorf("model produced a non-finite prediction")
	}
	return y, nil
}

// Project returns the trend baseline's value h days past the newest known
// value. Learned kinds need a feature vector and go through Predict.
func (m *ForecastModel) Project(h int) (float64, error) {
	if m.Kind != KindTrendBaseline {
		return 0, fmt.Errorf("%s model predicts from features, not by step", m.Kind)
	}
	if m.Trend == nil {
		return 0, fmt.Errorf("%w: trend baseline missing parameters", ErrModelIncompatible)
	}
	return m.Trend.At(h), nil
}

// FeatureImportance returns normalized importances keyed by feature name.
func (m *ForecastModel) FeatureImportance() map[string]float64 {
	switch m.Kind {
	case KindLinear, KindRidge:
		if m.Linear != nil {
			return normalizedImportance(m.Features, m.Linear.Coef)
		}
	case KindRandomForest:
		if m.Forest != nil {
			return normalizedImportance(m.Features, m.Forest.Importances)
		}
	}
	return nil
}

// newTrendModel wraps a line over the newest known values of metric.
func newTrendModel(metric string, known []float64, window int, trainedAt time.Time) *ForecastModel {
	trend := fitTrend(known, window)
	return &ForecastModel{
		Version:      modelFormatVersion,
		Kind:         KindTrendBaseline,
		Metric:       metric,
		Trend:        trend,
		TrainingRows: trend.LastStep + 1,
		TrainedAt:    trainedAt,
	}
}

// fitTrend fits a line over the last window known values; with fewer than
// three values the line is flat at their mean.
func fitTrend(known []float64, window int) *TrendParams {
	if len(known) > window {
		known = known[len(known)-window:]
	}
	last := len(known) - 1
	if len(known) < 3 {
		return &TrendParams{Intercept: mean(known), LastStep: last}
	}
	xs := make([]float64, len(known))
	for i := range xs {
		xs[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(xs, known, nil, false)
	return &TrendParams{Intercept: alpha, Slope: beta, LastStep: last}
}

// confidenceDecay falls linearly from 1.0 on the first day to 0.5 on the last.
func confidenceDecay(h, horizon int) float64 {
	if horizon <= 1 {
		return 1
	}
	return 1 - 0.5*float64(h-1)/float64(horizon-1)
}
