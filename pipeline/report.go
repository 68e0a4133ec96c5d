package pipeline

import (
	"encoding/json"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"permnet/ml"
)

// Summary describes a batch of predictions.
type Summary struct {
	Count     int           `json:"count"`
	NonFinite int           `json:"non_finite"`
	MinK      *float64      `json:"min_k,omitempty"`
	MaxK      *float64      `json:"max_k,omitempty"`
	Parity    *ParityReport `json:"parity,omitempty"`
}

// ParityReport compares predictions with measured K in log10 space.
type ParityReport struct {
	Pairs       int     `json:"pairs"`
	RMSELog10   float64 `json:"rmse_log10"`
	R2Log10     float64 `json:"r2_log10"`
	Correlation float64 `json:"correlation"`
}

// MarshalJSON encodes undefined statistics (constant measured K) as null.
func (p ParityReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Pairs       int      `json:"pairs"`
		RMSELog10   *float64 `json:"rmse_log10"`
		R2Log10     *float64 `json:"r2_log10"`
		Correlation *float64 `json:"correlation"`
	}{p.Pairs, ml.FiniteOrNil(p.RMSELog10), ml.FiniteOrNil(p.R2Log10), ml.FiniteOrNil(p.Correlation)})
}

// Summarize reports the range of finite predicted K and, when at least two rows carry a
// positive measured K, parity statistics. Non-finite predictions are counted, not dropped
// from the results.
func Summarize(rows []ResultRow) Summary {
	s := Summary{Count: len(rows)}

	ks := make([]float64, 0, len(rows))
	var predicted, measured []float64
	for _, r := range rows {
		k := r.Prediction.Permeability
		if math.IsNaN(k) || math.IsInf(k, 0) {
			s.NonFinite++
			continue
		}
		ks = append(ks, k)
		if r.TrueK != nil && *r.TrueK > 0 && !math.IsInf(*r.TrueK, 0) {
			predicted = append(predicted, r.Prediction.Log10K)
			measured = append(measured, math.Log10(*r.TrueK))
		}
	}

	if len(ks) > 0 {
		minK, maxK := floats.Min(ks), floats.Max(ks)
		s.MinK, s.MaxK = &minK, &maxK
	}
	if len(predicted) >= 2 {
		s.Parity = &ParityReport{
			Pairs:       len(predicted),
			RMSELog10:   floats.Distance(predicted, measured, 2) / math.Sqrt(float64(len(predicted))),
			R2Log10:     stat.RSquaredFrom(predicted, measured, nil),
			Correlation: stat.Correlation(predicted, measured, nil),
		}
	}
	return s
}

// KRange renders the predicted K span as "min ~ max", or a single value when they agree.
func (s Summary) KRange() string {
	if s.MinK == nil || s.MaxK == nil {
		return ""
	}
	if *s.MinK == *s.MaxK {
		return FormatExponential(*s.MinK, 2)
	}
	return FormatExponential(*s.MinK, 2) + " ~ " + FormatExponential(*s.MaxK, 2)
}

// ChartSeries returns (porosity, K) points ordered by porosity for a K-vs-porosity plot.
func ChartSeries(rows []ResultRow) (porosity, k []float64) {
	sorted := make([]ResultRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Input.Porosity < sorted[j].Input.Porosity
	})
	porosity = make([]float64, len(sorted))
	k = make([]float64, len(sorted))
	for i, r := range sorted {
		porosity[i] = r.Input.Porosity
		k[i] = r.Prediction.Permeability
	}
	return porosity, k
}
