package ml

import (
	"math"
	"testing"
)

func identityModel(t *testing.T) *Model {
	t.Helper()
	weights := WeightSpec{{
		Weights: [][]float64{{1}, {1}, {1}, {1}},
		Bias:    []float64{0},
	}}
	scaler := ScalerSpec{
		X: FeatureScaler{Mean: []float64{0, 0, 0, 0}, Scale: []float64{1, 1, 1, 1}},
		Y: TargetScaler{Mean: 0, Scale: 1},
	}
	model, err := NewModel(weights, scaler, []LayerDescriptor{{Units: 1, Activation: ActivationIdentity}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return model
}

func TestIdentityModelForwardPass(t *testing.T) {
	model := identityModel(t)
	res := model.Predict(InputVector{0.5, 0.5, 1e-6, 1e-6})

	if !closeTo(res.Log10K, 1.000002, 1e-12) {
		t.Fatalf("expected log10K 1.000002, got %.17g", res.Log10K)
	}
	if !closeTo(res.Permeability, math.Pow(10, 1.000002), 1e-12) {
		t.Fatalf("expected K %.17g, got %.17g", math.Pow(10, 1.000002), res.Permeability)
	}
}

func TestForwardPassDoesNotClamp(t *testing.T) {
	weights := WeightSpec{{Weights: [][]float64{{400}, {0}, {0}, {0}}, Bias: []float64{0}}}
	scaler := ScalerSpec{
		X: FeatureScaler{Mean: []float64{0, 0, 0, 0}, Scale: []float64{1, 1, 1, 1}},
		Y: TargetScaler{Mean: 0, Scale: 1},
	}
	model, err := NewModel(weights, scaler, []LayerDescriptor{{Units: 1, Activation: ActivationIdentity}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res := model.Predict(InputVector{1, 0, 0, 0}); !math.IsInf(res.Permeability, 1) {
		t.Fatalf("expected +Inf permeability, got %v", res.Permeability)
	}
	if res := model.Predict(InputVector{-1, 0, 0, 0}); res.Permeability != 0 || res.Log10K != -400 {
		t.Fatalf("expected underflow to 0 with log10K -400, got %+v", res)
	}
}
