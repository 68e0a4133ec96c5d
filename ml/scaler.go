package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

// FeatureScaler holds the per-feature z-score parameters fit during training.
type FeatureScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform standardizes x as (x[i] - mean[i]) / scale[i].
func (s FeatureScaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out
}

// Inverse undoes Transform.
func (s FeatureScaler) Inverse(z []float64) []float64 {
	out := make([]float64, len(z))
	for i, v := range z {
		out[i] = float64(v*s.Scale[i]) + s.Mean[i]
	}
	return out
}

// TargetScaler holds the scalar standardization of the regression target.
type TargetScaler struct {
	Mean  float64 `json:"mean"`
	Scale float64 `json:"scale"`
}

func (s TargetScaler) Transform(y float64) float64 {
	return (y - s.Mean) / s.Scale
}

func (s TargetScaler) Inverse(z float64) float64 {
	return float64(z*s.Scale) + s.Mean
}

// ScalerSpec mirrors scaler_params.json: {"X": {...}, "y": {...}}.
type ScalerSpec struct {
	X FeatureScaler `json:"X"`
	Y TargetScaler  `json:"y"`
}

// UnmarshalJSON requires both sections and the y mean and scale. A missing field would
// otherwise decode as zero and silently collapse every prediction to the same value.
func (s *ScalerSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		X *FeatureScaler `json:"X"`
		Y *struct {
			Mean  *float64 `json:"mean"`
			Scale *float64 `json:"scale"`
		} `json:"y"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.X == nil:
		return fmt.Errorf("%w: missing X section", ErrInvalidScaler)
	case raw.Y == nil:
		return fmt.Errorf("%w: missing y section", ErrInvalidScaler)
	case raw.Y.Mean == nil || raw.Y.Scale == nil:
		return fmt.Errorf("%w: y needs mean and scale", ErrInvalidScaler)
	}
	s.X = *raw.X
	s.Y = TargetScaler{Mean: *raw.Y.Mean, Scale: *raw.Y.Scale}
	return nil
}

// validate rejects parameters that cannot standardize: non-finite values or a zero scale.
func (s ScalerSpec) validate() error {
	for i := range s.X.Mean {
		if !finite(s.X.Mean[i]) || !finite(s.X.Scale[i]) || s.X.Scale[i] == 0 {
			return fmt.Errorf("%w: X feature %d has mean %v, scale %v", ErrInvalidScaler, i, s.X.Mean[i], s.X.Scale[i])
		}
	}
	if !finite(s.Y.Mean) || !finite(s.Y.Scale) || s.Y.Scale == 0 {
		return fmt.Errorf("%w: y has mean %v, scale %v", ErrInvalidScaler, s.Y.Mean, s.Y.Scale)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
