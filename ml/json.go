package ml

import (
	"encoding/json"
	"math"
)

// FiniteOrNil returns nil for NaN and ±Inf so they encode as JSON null.
func FiniteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// MarshalJSON encodes non-finite predictions as null; K is never clamped and may overflow.
func (r PredictionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Log10K       *float64 `json:"Pred_log10K"`
		Permeability *float64 `json:"Pred_Permeability"`
	}{FiniteOrNil(r.Log10K), FiniteOrNil(r.Permeability)})
}
