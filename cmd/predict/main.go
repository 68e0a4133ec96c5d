// Command predict runs the permeability model offline against a CSV file or a single sample.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"permnet/logging"
	"permnet/ml"
	"permnet/pipeline"
)

// createOutput opens the -out file; tests replace it.
var createOutput = func(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	modelDir string
	modelURL string
	in       string
	out      string
	single   string
	unit     string
	logLevel string
	timeout  time.Duration
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.modelDir, "model-dir", "models", "directory holding model_weights.json and scaler_params.json")
	fs.StringVar(&opts.modelURL, "model-url", "", "base URL serving the model artifacts (overrides -model-dir)")
	fs.StringVar(&opts.in, "in", "", "input .csv with porosity, particle_ratio, Df_mean, Dp_mean (micrometers)")
	fs.StringVar(&opts.out, "out", "", "output .csv (default stdout)")
	fs.StringVar(&opts.single, "single", "", "one sample as porosity,particle_ratio,Df_mean,Dp_mean")
	fs.StringVar(&opts.unit, "unit", "um", "diameter unit for -single: um or m")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "artifact fetch timeout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if (opts.in == "") == (opts.single == "") {
		fs.Usage()
		return nil, errors.New("exactly one of -in or -single is required")
	}
	if opts.in != "" && !pipeline.IsCSVName(opts.in) {
		return nil, fmt.Errorf("%s: input must be a .csv file", opts.in)
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, err := logging.New(logging.Config{Level: opts.logLevel})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer logger.Sync()

	var source ml.ArtifactSource = ml.DirSource{Dir: opts.modelDir}
	if opts.modelURL != "" {
		source = ml.HTTPSource{BaseURL: opts.modelURL}
	}
	predictor := ml.NewPredictor(ml.NewLoader(source, ml.WithLoaderLogger(logger)), ml.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	loaded := predictor.LoadModel(ctx)
	cancel()
	if !loaded {
		fmt.Fprintf(stderr, "failed to load model from %s\n", source)
		return 1
	}

	if opts.single != "" {
		err = predictSingle(predictor, opts, stdout)
	} else {
		err = predictFile(predictor, opts, stdout, stderr, logger)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func predictSingle(p *ml.Predictor, opts *options, stdout io.Writer) error {
	fields := strings.Split(opts.single, ",")
	if len(fields) != ml.NumFeatures {
		return fmt.Errorf("-single needs %d comma separated values, got %d", ml.NumFeatures, len(fields))
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return fmt.Errorf("%w: %q", pipeline.ErrNotANumber, f)
		}
		values[i] = v
	}

	unit, err := ml.ParseLengthUnit(opts.unit)
	if err != nil {
		return err
	}
	row := ml.BatchRow{
		Porosity:      values[0],
		ParticleRatio: values[1],
		DfMean:        unit.ToMicrometers(values[2]),
		DpMean:        unit.ToMicrometers(values[3]),
	}
	if err := pipeline.ValidateSample(row); err != nil {
		return err
	}

	res, err := p.PredictSingle(row.Porosity, row.ParticleRatio, row.DfMean, row.DpMean)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pipeline.ResultRow{Input: row, Prediction: res})
}

func predictFile(p *ml.Predictor, opts *options, stdout, stderr io.Writer, logger *zap.Logger) (err error) {
	in, err := os.Open(opts.in)
	if err != nil {
		return err
	}
	defer in.Close()

	ds, err := pipeline.ReadCSV(in)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.in, err)
	}
	predictions, err := p.PredictBatch(ds.Rows)
	if err != nil {
		return err
	}
	rows := pipeline.JoinResults(ds, predictions)

	out := stdout
	if opts.out != "" {
		f, createErr := createOutput(opts.out)
		if createErr != nil {
			return createErr
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("%s: %w", opts.out, cerr)
			}
		}()
		out = f
	}
	if err := pipeline.WriteResultsCSV(out, rows); err != nil {
		return err
	}

	summary := pipeline.Summarize(rows)
	if summary.NonFinite > 0 {
		logger.Warn("non-finite permeability predicted", zap.Int("count", summary.NonFinite))
	}
	fmt.Fprintf(stderr, "predicted %d rows, skipped %d\n", len(rows), ds.Skipped)
	for _, reason := range ds.SkipReasons {
		fmt.Fprintf(stderr, "  %s\n", reason)
	}
	if len(ds.SkipCounts) > 0 {
		rules := make([]string, 0, len(ds.SkipCounts))
		for rule, n := range ds.SkipCounts {
			rules = append(rules, fmt.Sprintf("%s=%d", rule, n))
		}
		sort.Strings(rules)
		fmt.Fprintf(stderr, "skipped by rule: %s\n", strings.Join(rules, " "))
	}
	if r := summary.KRange(); r != "" {
		fmt.Fprintf(stderr, "K range: %s m^2\n", r)
	}
	if summary.Parity != nil {
		fmt.Fprintf(stderr, "parity vs %s: n=%d rmse(log10)=%s r2=%s\n",
			ds.TrueKColumn, summary.Parity.Pairs,
			pipeline.FormatNumber(summary.Parity.RMSELog10), pipeline.FormatNumber(summary.Parity.R2Log10))
	}
	return nil
}
