package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"permnet/ml"
)

// RequiredColumns are the CSV headers every batch file must carry. Diameters are micrometers.
var RequiredColumns = []string{"porosity", "particle_ratio", "Df_mean", "Dp_mean"}

// TrueKColumns are checked in order; the first one present supplies the measured K.
var TrueKColumns = []string{"K", "True_K", "Permeability"}

const maxSkipReasons = 3

var ErrNoValidRows = errors.New("no valid rows")

// MissingColumnsError lists required headers absent from the file.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "missing columns: " + strings.Join(e.Columns, ", ")
}

// Dataset is a cleaned batch ready for prediction.
type Dataset struct {
	Columns     []string         `json:"columns"`
	Rows        []ml.BatchRow    `json:"rows"`
	TrueK       []*float64       `json:"true_k,omitempty"`
	TrueKColumn string           `json:"true_k_column,omitempty"`
	Skipped     int              `json:"skipped"`
	SkipReasons []string         `json:"skip_reasons,omitempty"`
	SkipCounts  map[string]int64 `json:"skip_counts,omitempty"`
}

// IsCSVName reports whether an uploaded file name has a .csv extension.
func IsCSVName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".csv")
}

// ReadCSV parses a headered batch file. Rows with non-numeric or out-of-range values are
// skipped and counted; a file without any valid row fails with ErrNoValidRows.
func ReadCSV(r io.Reader) (*Dataset, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &MissingColumnsError{Columns: append([]string(nil), RequiredColumns...)}
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		if _, seen := index[name]; !seen {
			index[name] = i
		}
	}
	var missing []string
	cols := make([]int, len(RequiredColumns))
	for i, name := range RequiredColumns {
		idx, ok := index[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		cols[i] = idx
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	ds := &Dataset{Columns: header}
	trueKIdx := -1
	for _, name := range TrueKColumns {
		if idx, ok := index[name]; ok {
			trueKIdx = idx
			ds.TrueKColumn = name
			break
		}
	}

	cleaner := NewDataCleaner()
	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}

		sample := ml.BatchRow{
			Porosity:      field(record, cols[0]),
			ParticleRatio: field(record, cols[1]),
			DfMean:        field(record, cols[2]),
			DpMean:        field(record, cols[3]),
		}
		if issue := cleaner.Check(row, sample); issue != nil {
			ds.Skipped++
			if len(ds.SkipReasons) < maxSkipReasons {
				ds.SkipReasons = append(ds.SkipReasons, issue.String())
			}
			continue
		}

		ds.Rows = append(ds.Rows, sample)
		if trueKIdx >= 0 {
			ds.TrueK = append(ds.TrueK, optionalField(record, trueKIdx))
		}
	}
	if ds.Skipped > 0 {
		ds.SkipCounts = cleaner.Stats().Issues
	}

	if len(ds.Rows) == 0 {
		return nil, ErrNoValidRows
	}
	return ds, nil
}

// TrueKAt returns the measured K of valid row i, if the file had one.
func (ds *Dataset) TrueKAt(i int) *float64 {
	if i < 0 || i >= len(ds.TrueK) {
		return nil
	}
	return ds.TrueK[i]
}

func field(record []string, idx int) float64 {
	if idx >= len(record) {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func optionalField(record []string, idx int) *float64 {
	v := field(record, idx)
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
