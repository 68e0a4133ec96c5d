package ml

import "math"

// InputVector is one sample in model units: porosity, particle ratio, Df_mean (m), Dp_mean (m).
type InputVector [NumFeatures]float64

// PredictionResult carries the model output in log10 and linear domains.
type PredictionResult struct {
	Log10K       float64 `json:"Pred_log10K"`
	Permeability float64 `json:"Pred_Permeability"`
}

// Evaluator runs the forward pass for one input vector.
type Evaluator interface {
	Predict(x InputVector) PredictionResult
}

// Predict standardizes x, propagates it through every layer in order, inverse-scales the
// single output into log10(K) and returns K = 10^log10(K). K is not clamped.
func (m *Model) Predict(x InputVector) PredictionResult {
	z := m.scaler.X.Transform(x[:])
	for _, l := range m.layers {
		z = Dense(z, l.weights, l.bias, l.activation)
	}
	log10K := m.scaler.Y.Inverse(z[0])
	return PredictionResult{
		Log10K:       log10K,
		Permeability: math.Pow(10, log10K),
	}
}
