package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"permnet/ml"
)

// ResultsFileName is the suggested download name for exported results.
const ResultsFileName = "permeability_results.csv"

// ExportColumns is the header of exported result files.
var ExportColumns = []string{"porosity", "particle_ratio", "Df_mean", "Dp_mean", "Pred_log10K", "Pred_Permeability"}

// ResultRow joins one input sample (micrometers) with its prediction.
type ResultRow struct {
	Input      ml.BatchRow
	Prediction ml.PredictionResult
	TrueK      *float64
}

func (r ResultRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Porosity      *float64 `json:"porosity"`
		ParticleRatio *float64 `json:"particle_ratio"`
		DfMean        *float64 `json:"Df_mean"`
		DpMean        *float64 `json:"Dp_mean"`
		Log10K        *float64 `json:"Pred_log10K"`
		Permeability  *float64 `json:"Pred_Permeability"`
		TrueK         *float64 `json:"True_K,omitempty"`
	}{
		Porosity:      ml.FiniteOrNil(r.Input.Porosity),
		ParticleRatio: ml.FiniteOrNil(r.Input.ParticleRatio),
		DfMean:        ml.FiniteOrNil(r.Input.DfMean),
		DpMean:        ml.FiniteOrNil(r.Input.DpMean),
		Log10K:        ml.FiniteOrNil(r.Prediction.Log10K),
		Permeability:  ml.FiniteOrNil(r.Prediction.Permeability),
		TrueK:         r.TrueK,
	})
}

// JoinResults pairs the dataset rows with their predictions. predictions must be parallel to ds.Rows.
func JoinResults(ds *Dataset, predictions []ml.PredictionResult) []ResultRow {
	rows := make([]ResultRow, len(ds.Rows))
	for i, in := range ds.Rows {
		rows[i] = ResultRow{Input: in, Prediction: predictions[i], TrueK: ds.TrueKAt(i)}
	}
	return rows
}

// WriteResultsCSV writes results with ExportColumns as header.
func WriteResultsCSV(w io.Writer, rows []ResultRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ExportColumns); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			FormatNumber(r.Input.Porosity),
			FormatNumber(r.Input.ParticleRatio),
			FormatNumber(r.Input.DfMean),
			FormatNumber(r.Input.DpMean),
			FormatNumber(r.Prediction.Log10K),
			FormatNumber(r.Prediction.Permeability),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// FormatNumber renders v in shortest round-trip form: plain decimals for 1e-6 <= |v| < 1e21,
// otherwise exponent notation without zero padding (1e-7, 2.5e+21).
func FormatNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case v == 0:
		return "0"
	}
	abs := math.Abs(v)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return trimExponent(strconv.FormatFloat(v, 'e', -1, 64))
}

// FormatExponential renders v with a fixed number of fraction digits in exponent notation.
func FormatExponential(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return FormatNumber(v)
	}
	return trimExponent(strconv.FormatFloat(v, 'e', digits, 64))
}

func trimExponent(s string) string {
	mantissa, exp, ok := strings.Cut(s, "e")
	if !ok || len(exp) < 2 {
		return s
	}
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + exp[:1] + digits
}
