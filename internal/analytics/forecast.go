package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/models"
)

const (
	// DefaultForecastHorizon is used when the caller does not ask for one.
	DefaultForecastHorizon = 7
	// MaxForecastHorizon bounds autoregressive projection.
	MaxForecastHorizon = 30

	minTrainingRows    = 20
	trendWindowValues  = 14
	trainFraction      = 0.8
	ridgeAlpha         = 1.0
	forestSearchDraws  = 8
	forestSearchSplits = 3
	forestSeed         = 42
)

// Forecast result sources.
const (
	SourceTrained       = "trained"
	SourceLoaded        = "loaded"
	SourceTrendBaseline = "trend_baseline"
)

// Model lifecycle events.
const (
	ModelEventRetrained     = "retrained"
	ModelEventDiscarded     = "incompatible_discarded"
	ModelEventPredictFailed = "predict_failed"
)

// ErrUnknownMetric is returned for a metric the engine cannot forecast.
var ErrUnknownMetric = errors.New("unknown forecast metric")

// ForecastEngine projects target metrics, reusing persisted models when they
// still fit the current feature layout.
type ForecastEngine struct {
	store  *ModelStore
	logger *logrus.Logger
	events logging.Logger
	now    func() time.Time
}

// NewForecastEngine creates an engine persisting models in store.
func NewForecastEngine(store *ModelStore, logger *logrus.Logger) *ForecastEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ForecastEngine{store: store, logger: logger, now: time.Now}
}

// SetEventLogger sends model lifecycle events (retrain, discard, persist
// failure) to the application logger instead of the logrus logger.
func (e *ForecastEngine) SetEventLogger(l logging.Logger) {
	e.events = l
}

// Models lists the metrics that have a persisted model.
func (e *ForecastEngine) Models() ([]string, error) {
	return e.store.List()
}

func (e *ForecastEngine) modelEvent(metric, event string, details map[string]interface{}) {
	if e.events != nil {
		e.events.LogModelEvent(metric, event, details)
		return
	}
	e.logger.WithFields(logrus.Fields(details)).WithFields(logrus.Fields{
		"metric":      metric,
		"model_event": event,
	}).Info("Forecast model event")
}

func (e *ForecastEngine) persistFailed(metric string, err error) {
	if e.events != nil {
		e.events.WithMetric(metric).Error("Failed to persist trained model", "error", err.Error())
		return
	}
	e.logger.WithError(err).WithField("metric", metric).Error("Failed to persist trained model")
}

// Forecast projects metric horizon days past the last row.
func (e *ForecastEngine) Forecast(rows []models.DailyMetricRow, metric string, horizon int) (models.ForecastResult, error) {
	target, ok := forecastTargets[metric]
	if !ok {
		return models.ForecastResult{}, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	if horizon <= 0 {
		horizon = DefaultForecastHorizon
	}
	if horizon > MaxForecastHorizon {
		horizon = MaxForecastHorizon
	}

	frame := buildFeatureFrame(rows, target)
	result := models.ForecastResult{
		Metric:       metric,
		Horizon:      horizon,
		Points:       []models.ForecastPoint{},
		TrainingRows: len(frame.X),
		GeneratedAt:  e.now().UTC(),
		Status:       models.StatusOK,
	}

	if len(frame.known) == 0 {
		result.Status = models.StatusInsufficientData
		result.Reason = models.ReasonNoTargetValues
		return result, nil
	}
	if len(frame.X) < minTrainingRows {
		e.trendBaseline(&result, frame, target)
		result.Reason = models.ReasonInsufficientCompleteRows
		result.MinRequired = minTrainingRows
		return result, nil
	}

	unlock := e.store.Lock(metric)
	defer unlock()

	logger := e.logger.WithFields(logrus.Fields{"metric": metric, "rows": len(frame.X)})

	model, err := e.store.Load(metric)
	switch {
	case err == nil:
		preds, perr := e.rollout(model, frame, target, horizon)
		if perr == nil {
			fillLoaded(&result, model, frame, preds)
			return result, nil
		}
		e.modelEvent(metric, ModelEventPredictFailed, map[string]interface{}{"error": perr.Error()})
		if derr := e.store.Delete(metric); derr != nil {
			return result, derr
		}
	case errors.Is(err, ErrModelNotFound):
		// first run for this metric
	case errors.Is(err, ErrModelIncompatible):
		e.modelEvent(metric, ModelEventDiscarded, map[string]interface{}{"error": err.Error()})
		if derr := e.store.Delete(metric); derr != nil {
			return result, derr
		}
	default:
		return result, err
	}

	model, scores, err := e.train(metric, frame)
	if err != nil {
		logger.WithError(err).Warn("Training failed, using trend baseline")
		e.trendBaseline(&result, frame, target)
		return result, nil
	}
	preds, err := e.rollout(model, frame, target, horizon)
	if err != nil {
		logger.WithError(err).Warn("Trained model failed to predict, using trend baseline")
		e.trendBaseline(&result, frame, target)
		return result, nil
	}
	if err := e.store.Save(model); err != nil {
		e.persistFailed(metric, err)
	}

	result.ModelKind = string(model.Kind)
	result.Source = SourceTrained
	result.CandidateScores = scores
	result.HoldoutR2 = ptr(round(model.HoldoutR2, 4))
	result.FeatureImportance = model.FeatureImportance()
	quality := clamp(model.HoldoutR2, 0, 1)
	for h, y := range preds {
		result.Points = append(result.Points, models.ForecastPoint{
			Day:            models.DayKey(frame.lastDay.AddDate(0, 0, h+1)),
			PredictedValue: round(y, 2),
			Confidence:     models.KnownConfidence(round(quality*confidenceDecay(h+1, horizon), 3)),
		})
	}
	e.modelEvent(metric, ModelEventRetrained, map[string]interface{}{
		"model_kind":    string(model.Kind),
		"holdout_r2":    model.HoldoutR2,
		"training_rows": model.TrainingRows,
	})
	return result, nil
}

func fillLoaded(result *models.ForecastResult, model *ForecastModel, frame *featureFrame, preds []float64) {
	result.ModelKind = string(model.Kind)
	result.Source = SourceLoaded
	result.HoldoutR2 = ptr(round(model.HoldoutR2, 4))
	result.TrainingRows = model.TrainingRows
	result.FeatureImportance = model.FeatureImportance()
	for h, y := range preds {
		result.Points = append(result.Points, models.ForecastPoint{
			Day:            models.DayKey(frame.lastDay.AddDate(0, 0, h+1)),
			PredictedValue: round(y, 2),
			Confidence:     models.Confidence{},
		})
	}
}

func (e *ForecastEngine) trendBaseline(result *models.ForecastResult, frame *featureFrame, target forecastTarget) {
	model := newTrendModel(result.Metric, frame.known, trendWindowValues, e.now().UTC())
	result.ModelKind = string(model.Kind)
	result.Source = SourceTrendBaseline
	result.Points = result.Points[:0]
	for h := 1; h <= result.Horizon; h++ {
		y, err := model.Project(h)
		if err != nil {
			e.logger.WithError(err).WithField("metric", result.Metric).Error("Trend baseline projection failed")
			result.Points = result.Points[:0]
			return
		}
		result.Points = append(result.Points, models.ForecastPoint{
			Day:            models.DayKey(frame.lastDay.AddDate(0, 0, h)),
			PredictedValue: round(clamp(y, target.min, target.max), 2),
			Confidence:     models.KnownConfidence(round(confidenceDecay(h, result.Horizon), 3)),
		})
	}
}

// rollout projects autoregressively, feeding each prediction back as the
// previous value of the next day.
func (e *ForecastEngine) rollout(model *ForecastModel, frame *featureFrame, target forecastTarget, horizon int) ([]float64, error) {
	if !sameFeatures(model.Features, frame.names) {
		return nil, fmt.Errorf("%w: feature layout changed", ErrModelIncompatible)
	}
	history := append([]float64(nil), frame.history...)
	preds := make([]float64, 0, horizon)
	for h := 1; h <= horizon; h++ {
		x := featuresAt(history, len(history), newRollingMeans(history), frame.lastDay.AddDate(0, 0, h), frame.exoLast)
		y, err := model.Predict(x)
		if err != nil {
			return nil, err
		}
		y = clamp(y, target.min, target.max)
		preds = append(preds, y)
		history = append(history, y)
	}
	return preds, nil
}

func sameFeatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type candidate struct {
	model *ForecastModel
	score float64
}

// train fits every candidate on the chronological training split and keeps
// the best holdout R². Ties go to the simpler model.
func (e *ForecastEngine) train(metric string, frame *featureFrame) (*ForecastModel, map[string]float64, error) {
	n := len(frame.X)
	split := int(float64(n) * trainFraction)
	if split < 1 || split >= n {
		return nil, nil, fmt.Errorf("cannot split %d rows for training", n)
	}
	trainX, trainY := frame.X[:split], frame.y[:split]
	testX, testY := frame.X[split:], frame.y[split:]

	base := ForecastModel{
		Version:      modelFormatVersion,
		Metric:       metric,
		Features:     append([]string(nil), frame.names...),
		TrainingRows: split,
		TrainedAt:    e.now().UTC(),
	}

	var candidates []candidate
	scaler := FitScaler(trainX)
	scaledTrain, err := scaler.TransformAll(trainX)
	if err != nil {
		return nil, nil, err
	}
	for _, linear := range []struct {
		kind   ModelKind
		lambda float64
	}{{KindLinear, 0}, {KindRidge, ridgeAlpha}} {
		params, err := fitLinear(scaledTrain, trainY, linear.lambda)
		if err != nil {
			e.logger.WithError(err).WithField("model_kind", linear.kind).Warn("Candidate failed to fit")
			continue
		}
		m := base
		m.Kind = linear.kind
		m.Scaler = scaler
		m.Linear = params
		candidates = append(candidates, candidate{model: &m})
	}

	forest, err := searchForest(trainX, trainY, forestSearchDraws, forestSearchSplits, forestSeed)
	if err != nil {
		e.logger.WithError(err).WithField("model_kind", KindRandomForest).Warn("Candidate failed to fit")
	} else {
		m := base
		m.Kind = KindRandomForest
		m.Forest = forest
		candidates = append(candidates, candidate{model: &m})
	}
	if len(candidates) == 0 {
		return nil, nil, errors.New("no forecast candidate could be fitted")
	}

	scores := make(map[string]float64, len(candidates))
	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		preds := make([]float64, len(testX))
		ok := true
		for j, x := range testX {
			y, err := c.model.Predict(x)
			if err != nil {
				ok = false
				break
			}
			preds[j] = y
		}
		if !ok {
			continue
		}
		c.score = rSquared(preds, testY)
		c.model.HoldoutR2 = c.score
		scores[string(c.model.Kind)] = round(c.score, 4)
		if best == nil || c.score > best.score {
			best = c
		}
	}
	if best == nil {
		return nil, nil, errors.New("no forecast candidate could predict the holdout")
	}
	return best.model, scores, nil
}
