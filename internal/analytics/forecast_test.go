package analytics

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestForecaster(t *testing.T) *ForecastEngine {
	t.Helper()
	return NewForecastEngine(NewModelStore(t.TempDir()), quietLogger())
}

// weeklyRows produces an energy signal driven by the weekday and the previous
// day's steps, so the learned models have something real to pick up.
func weeklyRows(n int, withSteps bool) []models.DailyMetricRow {
	return rowsWith(n, func(i int, r *models.DailyMetricRow) {
		steps := 6000 + 1000*math.Mod(float64(i*7), 9)
		if withSteps {
			r.Steps = f(steps)
		}
		r.SleepScore = f(70 + math.Mod(float64(i*3), 20))
		energy := 2 + float64(weekdayIndex(r.Day)%3) + math.Mod(float64(i), 2)*0.5
		r.Energy = f(clamp(energy, 1, 5))
	})
}

func TestForecast_UnknownMetric(t *testing.T) {
	engine := newTestForecaster(t)
	_, err := engine.Forecast(weeklyRows(5, true), "weight", 3)
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestForecast_NoTargetValues(t *testing.T) {
	engine := newTestForecaster(t)
	rows := rowsWith(10, func(i int, r *models.DailyMetricRow) { r.Steps = f(5000) })

	result, err := engine.Forecast(rows, "mood", 3)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInsufficientData, result.Status)
	assert.Equal(t, models.ReasonNoTargetValues, result.Reason)
	assert.Empty(t, result.Points)
}

func TestForecast_TrendBaselineBelowTwentyRows(t *testing.T) {
	engine := newTestForecaster(t)
	rows := rowsWith(10, func(i int, r *models.DailyMetricRow) { r.Energy = f(2 + 0.1*float64(i)) })

	result, err := engine.Forecast(rows, "energy", 5)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, result.Status)
	assert.Equal(t, SourceTrendBaseline, result.Source)
	assert.Equal(t, string(KindTrendBaseline), result.ModelKind)
	assert.Equal(t, minTrainingRows, result.MinRequired)
	require.Len(t, result.Points, 5)

	assert.Equal(t, models.DayKey(testDay(10)), result.Points[0].Day)
	assert.InDelta(t, 3.0, result.Points[0].PredictedValue, 0.01)
	assert.Equal(t, 1.0, result.Points[0].Confidence.Value)
	assert.Equal(t, 0.5, result.Points[4].Confidence.Value)
	for i := 1; i < len(result.Points); i++ {
		assert.True(t, result.Points[i].Confidence.Known)
		assert.LessOrEqual(t, result.Points[i].Confidence.Value, result.Points[i-1].Confidence.Value)
	}

	entries, err := os.ReadDir(engine.store.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the trend baseline is never persisted")
}

func TestForecast_TrendBaselineClamped(t *testing.T) {
	engine := newTestForecaster(t)
	rows := rowsWith(9, func(i int, r *models.DailyMetricRow) { r.Energy = f(1 + 0.5*float64(i)) })

	result, err := engine.Forecast(rows, "energy", 4)
	require.NoError(t, err)
	for _, p := range result.Points {
		assert.Equal(t, 5.0, p.PredictedValue)
	}

	sleepRows := rowsWith(5, func(i int, r *models.DailyMetricRow) { r.SleepScore = f(20 - 5*float64(i)) })
	result, err = engine.Forecast(sleepRows, "sleep_quality", 3)
	require.NoError(t, err)
	for _, p := range result.Points {
		assert.Equal(t, 0.0, p.PredictedValue)
	}
}

func TestForecast_TrendBaselineFewValuesUsesMean(t *testing.T) {
	engine := newTestForecaster(t)
	rows := []models.DailyMetricRow{
		{Day: testDay(0), Mood: f(2)},
		{Day: testDay(1), Mood: f(4)},
	}

	result, err := engine.Forecast(rows, "mood", 2)
	require.NoError(t, err)
	require.Len(t, result.Points, 2)
	assert.Equal(t, 3.0, result.Points[0].PredictedValue)
	assert.Equal(t, 3.0, result.Points[1].PredictedValue)
}

func TestForecast_TrainsPersistsAndReloads(t *testing.T) {
	engine := newTestForecaster(t)
	rows := weeklyRows(60, true)

	first, err := engine.Forecast(rows, "energy", 7)
	require.NoError(t, err)
	assert.Equal(t, SourceTrained, first.Source)
	assert.Contains(t, []string{"linear", "ridge", "random_forest"}, first.ModelKind)
	assert.Len(t, first.CandidateScores, 3)
	require.NotNil(t, first.HoldoutR2)
	assert.NotEmpty(t, first.FeatureImportance)
	assert.Contains(t, first.FeatureImportance, "lag_steps")
	require.Len(t, first.Points, 7)
	for i, p := range first.Points {
		assert.True(t, p.Confidence.Known)
		assert.GreaterOrEqual(t, p.Confidence.Value, 0.0)
		assert.LessOrEqual(t, p.Confidence.Value, 1.0)
		assert.GreaterOrEqual(t, p.PredictedValue, 1.0)
		assert.LessOrEqual(t, p.PredictedValue, 5.0)
		if i > 0 {
			assert.LessOrEqual(t, p.Confidence.Value, first.Points[i-1].Confidence.Value)
		}
	}
	assert.FileExists(t, filepath.Join(engine.store.dir, "energy.model"))

	second, err := engine.Forecast(rows, "energy", 7)
	require.NoError(t, err)
	assert.Equal(t, SourceLoaded, second.Source)
	assert.Equal(t, first.ModelKind, second.ModelKind)
	require.Len(t, second.Points, 7)
	for i, p := range second.Points {
		assert.False(t, p.Confidence.Known)
		assert.Equal(t, first.Points[i].PredictedValue, p.PredictedValue)
	}

	data, err := json.Marshal(second.Points[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"confidence":"unknown"`)
}

func TestForecast_CorruptArtifactIsReplaced(t *testing.T) {
	engine := newTestForecaster(t)
	dir := engine.store.dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "energy.model"), []byte("garbage"), 0o644))

	result, err := engine.Forecast(weeklyRows(40, true), "energy", 3)
	require.NoError(t, err)
	assert.Equal(t, SourceTrained, result.Source)

	model, err := engine.store.Load("energy")
	require.NoError(t, err)
	assert.Equal(t, "energy", model.Metric)
}

func TestForecast_ModelEventsGoToEventLogger(t *testing.T) {
	var buf bytes.Buffer
	engine := newTestForecaster(t)
	engine.SetEventLogger(logging.NewStandardLoggerWithWriter(&buf, "info", ""))
	require.NoError(t, os.WriteFile(filepath.Join(engine.store.dir, "energy.model"), []byte("garbage"), 0o644))

	_, err := engine.Forecast(weeklyRows(40, true), "energy", 3)
	require.NoError(t, err)

	var events []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["event"] == "model" {
			assert.Equal(t, "energy", entry["metric"])
			events = append(events, entry["model_event"].(string))
		}
	}
	assert.Equal(t, []string{ModelEventDiscarded, ModelEventRetrained}, events)

	metrics, err := engine.Models()
	require.NoError(t, err)
	assert.Equal(t, []string{"energy"}, metrics)

	buf.Reset()
	engine.persistFailed("energy", errors.New("disk full"))
	assert.Contains(t, buf.String(), `"metric":"energy"`)
	assert.Contains(t, buf.String(), `"error":"disk full"`)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestForecast_FeatureLayoutChangeRetrains(t *testing.T) {
	engine := newTestForecaster(t)

	_, err := engine.Forecast(weeklyRows(40, true), "energy", 3)
	require.NoError(t, err)

	result, err := engine.Forecast(weeklyRows(40, false), "energy", 3)
	require.NoError(t, err)
	assert.Equal(t, SourceTrained, result.Source)
	assert.NotContains(t, result.FeatureImportance, "lag_steps")

	model, err := engine.store.Load("energy")
	require.NoError(t, err)
	assert.NotContains(t, model.Features, "lag_steps")
}

func TestForecast_HorizonBounds(t *testing.T) {
	engine := newTestForecaster(t)
	rows := rowsWith(6, func(i int, r *models.DailyMetricRow) { r.Mood = f(3) })

	result, err := engine.Forecast(rows, "mood", 0)
	require.NoError(t, err)
	assert.Len(t, result.Points, DefaultForecastHorizon)

	result, err = engine.Forecast(rows, "mood", 365)
	require.NoError(t, err)
	assert.Len(t, result.Points, MaxForecastHorizon)
}

func TestBuildFeatureFrame(t *testing.T) {
	rows := rowsWith(5, func(i int, r *models.DailyMetricRow) {
		r.Energy = f(float64(i + 1))
		if i >= 1 {
			r.Steps = f(1000 * float64(i))
		}
	})
	rows[3].Energy = nil

	frame := buildFeatureFrame(rows, forecastTargets["energy"])
	assert.Equal(t, append(append([]string(nil), baseFeatureNames...), "lag_steps"), frame.names)
	assert.Equal(t, []float64{1, 2, 3, 3, 5}, frame.history)
	assert.Equal(t, []float64{1, 2, 3, 5}, frame.known)

	// Row 1 has no lagged steps, row 3 has no target: rows 2 and 4 remain.
	require.Len(t, frame.X, 2)
	assert.Equal(t, []float64{3, 5}, frame.y)

	row4 := frame.X[1]
	assert.Equal(t, 3.0, row4[0], "prev_value is the forward-filled value")
	assert.InDelta(t, 2.25, row4[1], 1e-9, "ma_7 over a partial window")
	assert.Equal(t, 0.0, row4[4], "delta_1")
	assert.Equal(t, 3000.0, row4[len(row4)-1], "lag_steps")
	assert.Equal(t, []float64{4000}, frame.exoLast)
}

func TestTrailingMeans(t *testing.T) {
	series := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	out := trailingMeans(series, 3)
	assert.Equal(t, []float64{1, 1.5, 2, 3, 4, 5, 6, 7}, out)

	short := trailingMeans([]float64{2, 4}, 7)
	assert.Equal(t, []float64{2, 3}, short)
}
