package analytics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// linearJitter keeps the normal equations solvable when a feature is constant
// over the training window.
const linearJitter = 1e-8

// StandardScaler z-scores features using training-set statistics.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler learns per-column mean and population standard deviation.
func FitScaler(X [][]float64) *StandardScaler {
	if len(X) == 0 {
		return &StandardScaler{}
	}
	dim := len(X[0])
	s := &StandardScaler{Mean: make([]float64, dim), Scale: make([]float64, dim)}
	col := make([]float64, len(X))
	for d := 0; d < dim; d++ {
		for i := range X {
			col[i] = X[i][d]
		}
		s.Mean[d] = mean(col)
		std := populationStd(col)
		if std == 0 {
			std = 1
		}
		s.Scale[d] = std
	}
	return s
}

// Transform returns a scaled copy of x.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

// TransformAll scales every row of X.
func (s *StandardScaler) TransformAll(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

// LinearParams are the fitted parameters of a linear or ridge model.
type LinearParams struct {
	Intercept float64
	Coef      []float64
}

// Predict evaluates the model on an already-scaled feature vector.
func (p *LinearParams) Predict(x []float64) (float64, error) {
	if len(x) != len(p.Coef) {
		return 0, fmt.Errorf("linear model expects %d features, got %d", len(p.Coef), len(x))
	}
	y := p.Intercept
	for i, c := range p.Coef {
		y += c * x[i]
	}
	return y, nil
}

// fitLinear solves (XcᵀXc + λI)w = Xcᵀ(y - ȳ) on centered data, so the
// intercept is never penalized. λ=0 is ordinary least squares.
func fitLinear(X [][]float64, y []float64, lambda float64) (*LinearParams, error) {
	n := len(X)
	if n == 0 || n != len(y) {
		return nil, fmt.Errorf("cannot fit linear model on %d rows and %d targets", n, len(y))
	}
	dim := len(X[0])

	colMeans := make([]float64, dim)
	for _, row := range X {
		for d, v := range row {
			colMeans[d] += v / float64(n)
		}
	}
	yMean := mean(y)

	xc := mat.NewDense(n, dim, nil)
	yc := mat.NewVecDense(n, nil)
	for i, row := range X {
		for d, v := range row {
			xc.Set(i, d, v-colMeans[d])
		}
		yc.SetVec(i, y[i]-yMean)
	}

	var gram mat.Dense
	gram.Mul(xc.T(), xc)
	reg := lambda
	if reg < linearJitter {
		reg = linearJitter
	}
	for d := 0; d < dim; d++ {
		gram.Set(d, d, gram.At(d, d)+reg)
	}

	var rhs mat.VecDense
	rhs.MulVec(xc.T(), yc)

	var w mat.VecDense
	if err := w.SolveVec(&gram, &rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("failed to solve normal equations: %w", err)
		}
	}

	params := &LinearParams{Coef: make([]float64, dim)}
	intercept := yMean
	for d := 0; d < dim; d++ {
		c := w.AtVec(d)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, errors.New("linear model produced non-finite coefficients")
		}
		params.Coef[d] = c
		intercept -= c * colMeans[d]
	}
	params.Intercept = intercept
	return params, nil
}

// normalizedImportance maps absolute weights to shares summing to 1.
func normalizedImportance(names []string, weights []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	var total float64
	for _, w := range weights {
		total += math.Abs(w)
	}
	for i, name := range names {
		if i >= len(weights) {
			break
		}
		share := 0.0
		if total > 0 {
			share = math.Abs(weights[i]) / total
		}
		out[name] = round(share, 4)
	}
	return out
}
