package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"waste-pricing/features"
)

const ctxCheckEvery = 1024

// fit runs ridge regression on z-scored features. The intercept is the label
// mean and is not penalized.
func fit(ctx context.Context, records []features.TrainingRecord, lambda float64) (*ModelState, error) {
	p := features.NumFeatures
	n := len(records)
	if n == 0 {
		return nil, &InsufficientDataError{Got: 0, Required: 1}
	}

	// Column-major copy of the features so each column can be standardized.
	columns := make([][]float64, p)
	for j := range columns {
		columns[j] = make([]float64, n)
	}
	labels := make([]float64, n)
	for i, r := range records {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		x := r.Features.Values()
		for j := range x {
			if !finite(x[j]) {
				return nil, &features.ValidationError{Field: features.FeatureNames[j], Reason: fmt.Sprintf("record %d is not a finite number", i)}
			}
			columns[j][i] = x[j]
		}
		if !finite(r.RewardMoney) {
			return nil, &features.ValidationError{Field: "reward_money", Reason: fmt.Sprintf("record %d is not a finite number", i)}
		}
		labels[i] = r.RewardMoney
	}

	means := make([]float64, p)
	stds := make([]float64, p)
	for j, col := range columns {
		means[j], stds[j] = stat.PopMeanStdDev(col, nil)
		// Constant column: its z-scores are all zero and ridge drives the
		// coefficient to zero.
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	yMean := stat.Mean(labels, nil)

	z := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			z.Set(i, j, (columns[j][i]-means[j])/stds[j])
		}
		yc.SetVec(i, labels[i]-yMean)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gram := mat.NewSymDense(p, nil)
	gram.SymOuterK(1, z.T())
	var rhs mat.VecDense
	rhs.MulVec(z.T(), yc)

	coefs, err := solveRidge(gram, rhs.RawVector().Data, lambda)
	if err != nil {
		return nil, err
	}

	state := &ModelState{
		Version:      uuid.NewString(),
		TrainedAt:    time.Now().UTC(),
		FeatureNames: append([]string(nil), features.FeatureNames...),
		Means:        means,
		StdDevs:      stds,
		Coefficients: coefs,
		Intercept:    yMean,
		SampleCount:  n,
	}

	predictions := make([]float64, n)
	var ssRes float64
	for i, r := range records {
		predictions[i] = state.Predict(r.Features)
		d := labels[i] - predictions[i]
		ssRes += d * d
	}
	state.RMSE = math.Sqrt(ssRes / float64(n))
	switch {
	case stat.PopVariance(labels, nil) > 0:
		state.RSquared = stat.RSquaredFrom(predictions, labels, nil)
	case ssRes < 1e-12:
		state.RSquared = 1
	}
	state.Importances = importances(coefs)
	return state, nil
}

// solveRidge solves the ridge normal equations (a + λI)·x = b for a
// symmetric a.
func solveRidge(a *mat.SymDense, b []float64, lambda float64) ([]float64, error) {
	n := len(b)
	sys := mat.NewSymDense(n, nil)
	sys.CopySym(a)
	for j := 0; j < n; j++ {
		sys.SetSym(j, j, sys.At(j, j)+lambda)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sys); !ok {
		return nil, errNotPositiveDefinite
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, b)); err != nil {
		return nil, fmt.Errorf("failed to solve normal equations: %w", err)
	}
	out := make([]float64, n)
	for j := range out {
		out[j] = x.AtVec(j)
	}
	return out, nil
}

// importances normalizes |coefficient| on the standardized scale so the
// weights sum to 1. A model with all-zero coefficients weighs every feature
// equally.
func importances(coefs []float64) map[string]float64 {
	out := make(map[string]float64, len(coefs))
	var total float64
	for _, c := range coefs {
		total += math.Abs(c)
	}
	for j, c := range coefs {
		if total == 0 {
			out[features.FeatureNames[j]] = 1 / float64(len(coefs))
		} else {
			out[features.FeatureNames[j]] = math.Abs(c) / total
		}
	}
	return out
}

var errNotPositiveDefinite = errors.New("normal equations are not positive definite")
