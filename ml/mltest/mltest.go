// Package mltest writes small model artifacts for tests.
package mltest

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"permnet/ml"
)

// IdentityTopology is a single linear layer summing the four inputs.
var IdentityTopology = []ml.LayerDescriptor{{Units: 1, Activation: ml.ActivationIdentity}}

// IdentityWeights returns weights [[1],[1],[1],[1]] with zero bias.
func IdentityWeights() ml.WeightSpec {
	return ml.WeightSpec{{
		Weights: [][]float64{{1}, {1}, {1}, {1}},
		Bias:    []float64{0},
	}}
}

// UnitScaler leaves inputs and output unchanged.
func UnitScaler() ml.ScalerSpec {
	return ml.ScalerSpec{
		X: ml.FeatureScaler{Mean: []float64{0, 0, 0, 0}, Scale: []float64{1, 1, 1, 1}},
		Y: ml.TargetScaler{Mean: 0, Scale: 1},
	}
}

// FullWeights builds deterministic weights for ml.Topology. Values stay small so the
// output remains in a realistic log10(K) range.
func FullWeights() ml.WeightSpec {
	spec := make(ml.WeightSpec, len(ml.Topology))
	inputs := ml.NumFeatures
	seed := 1.0
	for i, desc := range ml.Topology {
		matrix := make([][]float64, inputs)
		for r := range matrix {
			matrix[r] = make([]float64, desc.Units)
			for c := range matrix[r] {
				seed++
				matrix[r][c] = 0.25 * math.Sin(seed*0.7)
			}
		}
		bias := make([]float64, desc.Units)
		for c := range bias {
			seed++
			bias[c] = 0.05 * math.Cos(seed)
		}
		spec[i] = ml.LayerSpec{Weights: matrix, Bias: bias}
		inputs = desc.Units
	}
	return spec
}

// FullScaler is a scaler fit in meters, close to the trained model's.
func FullScaler() ml.ScalerSpec {
	return ml.ScalerSpec{
		X: ml.FeatureScaler{
			Mean:  []float64{0.75, 0.5, 3e-6, 3e-6},
			Scale: []float64{0.1, 0.2, 1e-6, 1e-6},
		},
		Y: ml.TargetScaler{Mean: -11.5, Scale: 0.8},
	}
}

// WriteArtifacts writes model_weights.json and scaler_params.json into dir.
func WriteArtifacts(t testing.TB, dir string, weights ml.WeightSpec, scaler ml.ScalerSpec) {
	t.Helper()
	writeJSON(t, filepath.Join(dir, ml.DefaultWeightsFile), weights)
	writeJSON(t, filepath.Join(dir, ml.DefaultScalerFile), scaler)
}

// IdentityDir writes the identity artifacts into a fresh temp dir.
func IdentityDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	WriteArtifacts(t, dir, IdentityWeights(), UnitScaler())
	return dir
}

// LoadedIdentity returns a predictor with the identity model already loaded.
func LoadedIdentity(t testing.TB, opts ...ml.PredictorOption) *ml.Predictor {
	t.Helper()
	loader := ml.NewLoader(ml.DirSource{Dir: IdentityDir(t)}, ml.WithTopology(IdentityTopology))
	p := ml.NewPredictor(loader, opts...)
	if !p.LoadModel(context.Background()) {
		t.Fatal("identity model failed to load")
	}
	return p
}

func writeJSON(t testing.TB, path string, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
