package pipeline

import (
	"errors"
	"fmt"
	"math"

	"permnet/ml"
)

// CleaningRule rejects samples the model must not be asked about.
type CleaningRule interface {
	Apply(sample ml.BatchRow) error
	Name() string
}

// QualityIssue records why a row was skipped.
type QualityIssue struct {
	Row     int    `json:"row"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (q QualityIssue) String() string {
	return fmt.Sprintf("Row %d: %s", q.Row, q.Message)
}

// CleaningStats counts rows through the cleaner.
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
}

// DataCleaner applies its rules in order; the first failing rule rejects the row.
// It is not safe for concurrent use.
type DataCleaner struct {
	rules []CleaningRule
	stats CleaningStats
}

// NewDataCleaner returns a cleaner with the numeric and range rules.
func NewDataCleaner() *DataCleaner {
	cleaner := &DataCleaner{
		stats: CleaningStats{Issues: make(map[string]int64)},
	}
	cleaner.AddRule(NumericRule{})
	cleaner.AddRule(RangeRule{})
	return cleaner
}

func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Check returns nil when the sample passes every rule.
func (dc *DataCleaner) Check(row int, sample ml.BatchRow) *QualityIssue {
	dc.stats.TotalProcessed++
	for _, rule := range dc.rules {
		if err := rule.Apply(sample); err != nil {
			dc.stats.Rejected++
			dc.stats.Issues[rule.Name()]++
			return &QualityIssue{
				Row:     row,
				Rule:    rule.Name(),
				Message: fmt.Sprintf("%s - %s", err.Error(), describeSample(sample)),
			}
		}
	}
	dc.stats.Passed++
	return nil
}

// Stats returns a copy of the counters; Issues maps rule name to rejected rows.
func (dc *DataCleaner) Stats() CleaningStats {
	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

func describeSample(s ml.BatchRow) string {
	return fmt.Sprintf("p=%s, pr=%s, df=%s, dp=%s",
		FormatNumber(s.Porosity), FormatNumber(s.ParticleRatio), FormatNumber(s.DfMean), FormatNumber(s.DpMean))
}

// NumericRule rejects rows with a missing or non-numeric field.
type NumericRule struct{}

func (NumericRule) Name() string {
	return "numeric"
}

func (NumericRule) Apply(s ml.BatchRow) error {
	for _, v := range []float64{s.Porosity, s.ParticleRatio, s.DfMean, s.DpMean} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("NaN values")
		}
	}
	return nil
}

// RangeRule enforces porosity and particle ratio in [0,1] and positive diameters.
type RangeRule struct{}

func (RangeRule) Name() string {
	return "range"
}

func (RangeRule) Apply(s ml.BatchRow) error {
	if s.Porosity < 0 || s.Porosity > 1 || s.ParticleRatio < 0 || s.ParticleRatio > 1 || s.DfMean <= 0 || s.DpMean <= 0 {
		return errors.New("Invalid range")
	}
	return nil
}

var (
	ErrPorosityRange      = errors.New("porosity must be between 0 and 1")
	ErrParticleRatioRange = errors.New("particle ratio must be between 0 and 1")
	ErrDiameterRange      = errors.New("diameters must be > 0")
	ErrNotANumber         = errors.New("all values must be numbers")
)

// ValidateSample checks a manually entered sample (diameters in micrometers) before it
// reaches the predictor.
func ValidateSample(s ml.BatchRow) error {
	if err := (NumericRule{}).Apply(s); err != nil {
		return ErrNotANumber
	}
	if s.Porosity < 0 || s.Porosity > 1 {
		return ErrPorosityRange
	}
	if s.ParticleRatio < 0 || s.ParticleRatio > 1 {
		return ErrParticleRatioRange
	}
	if s.DfMean <= 0 || s.DpMean <= 0 {
		return ErrDiameterRange
	}
	return nil
}
