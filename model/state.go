package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"waste-pricing/features"
)

// ModelState is one fitted snapshot. It is never modified after a training
// run publishes it.
type ModelState struct {
	Version      string             `json:"version"`
	TrainedAt    time.Time          `json:"trained_at"`
	FeatureNames []string           `json:"feature_names"`
	Means        []float64          `json:"means"`
	StdDevs      []float64          `json:"std_devs"`
	Coefficients []float64          `json:"coefficients"`
	Intercept    float64            `json:"intercept"`
	RSquared     float64            `json:"r_squared"`
	RMSE         float64            `json:"rmse"`
	SampleCount  int                `json:"sample_count"`
	Importances  map[string]float64 `json:"importances"`
}

// Store persists fitted states across restarts.
type Store interface {
	Load(ctx context.Context) (*ModelState, error)
	Save(ctx context.Context, state *ModelState) error
}

// Predict evaluates the regression on one feature vector.
func (s *ModelState) Predict(v features.Vector) float64 {
	x := v.Values()
	y := s.Intercept
	for j := range x {
		y += s.Coefficients[j] * (x[j] - s.Means[j]) / s.StdDevs[j]
	}
	return y
}

// FitQuality is the R² of the training fit clamped to [0,1].
func (s *ModelState) FitQuality() float64 {
	if math.IsNaN(s.RSquared) {
		return 0
	}
	return math.Max(0, math.Min(1, s.RSquared))
}

// Validate checks that a state loaded from storage matches the current
// feature schema.
func (s *ModelState) Validate() error {
	n := features.NumFeatures
	if len(s.FeatureNames) != n || len(s.Means) != n || len(s.StdDevs) != n || len(s.Coefficients) != n {
		return fmt.Errorf("state %s has %d features, expected %d", s.Version, len(s.Coefficients), n)
	}
	for i, name := range features.FeatureNames {
		if s.FeatureNames[i] != name {
			return fmt.Errorf("state %s feature %d is %q, expected %q", s.Version, i, s.FeatureNames[i], name)
		}
		if s.StdDevs[i] <= 0 || !finite(s.StdDevs[i]) || !finite(s.Means[i]) || !finite(s.Coefficients[i]) {
			return fmt.Errorf("state %s has invalid parameters for %s", s.Version, name)
		}
	}
	if !finite(s.Intercept) {
		return fmt.Errorf("state %s has a non-finite intercept", s.Version)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
