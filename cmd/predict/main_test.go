package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"permnet/ml/mltest"
)

func modelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mltest.WriteArtifacts(t, dir, mltest.FullWeights(), mltest.FullScaler())
	return dir
}

func TestRunSingle(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-model-dir", modelDir(t), "-single", "0.8, 0.5, 3, 3"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}

	var got map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("invalid output %q: %v", stdout.String(), err)
	}
	if got["porosity"] != 0.8 || got["Df_mean"] != 3.0 {
		t.Fatalf("unexpected inputs echoed: %v", got)
	}
	if _, ok := got["Pred_log10K"].(float64); !ok {
		t.Fatalf("missing Pred_log10K: %v", got)
	}
}

func TestRunSingleMeters(t *testing.T) {
	dir := modelDir(t)
	var um, m, stderr bytes.Buffer
	if code := run([]string{"-model-dir", dir, "-single", "0.8,0.5,3,3"}, &um, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if code := run([]string{"-model-dir", dir, "-single", "0.8,0.5,3e-6,3e-6", "-unit", "m"}, &m, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}

	var a, b map[string]interface{}
	json.Unmarshal(um.Bytes(), &a)
	json.Unmarshal(m.Bytes(), &b)
	if a["Pred_log10K"] == nil || b["Pred_log10K"] == nil {
		t.Fatalf("missing predictions: %v %v", a, b)
	}
	if diff := a["Pred_log10K"].(float64) - b["Pred_log10K"].(float64); diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("meters and micrometers disagree: %v vs %v", a["Pred_log10K"], b["Pred_log10K"])
	}
}

func TestRunSingleInvalid(t *testing.T) {
	dir := modelDir(t)
	tests := []struct {
		name string
		args []string
	}{
		{"porosity out of range", []string{"-single", "1.5,0.5,3,3"}},
		{"not a number", []string{"-single", "0.8,abc,3,3"}},
		{"too few values", []string{"-single", "0.8,0.5,3"}},
		{"bad unit", []string{"-single", "0.8,0.5,3,3", "-unit", "ft"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(append([]string{"-model-dir", dir}, tt.args...), &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if stderr.Len() == 0 {
				t.Fatal("expected an error message")
			}
		})
	}
}

func TestRunBatch(t *testing.T) {
	dir := modelDir(t)
	work := t.TempDir()
	in := filepath.Join(work, "samples.csv")
	out := filepath.Join(work, "results.csv")
	data := "porosity,particle_ratio,Df_mean,Dp_mean,K\n" +
		"0.8,0.5,3,3,1e-11\n" +
		"0.7,0.4,2,4,2e-11\n" +
		"abc,0.4,2,4,\n"
	if err := os.WriteFile(in, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-model-dir", dir, "-in", in, "-out", out}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected nothing on stdout, got %q", stdout.String())
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(records))
	}
	if strings.Join(records[0], ",") != "porosity,particle_ratio,Df_mean,Dp_mean,Pred_log10K,Pred_Permeability" {
		t.Fatalf("unexpected header %v", records[0])
	}

	summary := stderr.String()
	for _, want := range []string{"predicted 2 rows, skipped 1", "skipped by rule: numeric=1", "K range:", "parity vs K: n=2"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary %q missing %q", summary, want)
		}
	}
}

func TestRunBatchToStdout(t *testing.T) {
	in := filepath.Join(t.TempDir(), "samples.csv")
	os.WriteFile(in, []byte("porosity,particle_ratio,Df_mean,Dp_mean\n0.8,0.5,3,3\n"), 0o600)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-model-dir", modelDir(t), "-in", in}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "porosity,particle_ratio,Df_mean,Dp_mean,Pred_log10K,Pred_Permeability\n") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no input", nil},
		{"both inputs", []string{"-in", "a.csv", "-single", "0.8,0.5,3,3"}},
		{"not csv", []string{"-in", "samples.xlsx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != 2 {
				t.Fatalf("expected exit 2, got %d", code)
			}
		})
	}
}

func TestRunLoadFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-model-dir", t.TempDir(), "-single", "0.8,0.5,3,3"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "failed to load model") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

type failingCloser struct {
	bytes.Buffer
}

func (failingCloser) Close() error {
	return errors.New("disk quota exceeded")
}

func TestRunBatchReportsCloseError(t *testing.T) {
	in := filepath.Join(t.TempDir(), "samples.csv")
	os.WriteFile(in, []byte("porosity,particle_ratio,Df_mean,Dp_mean\n0.8,0.5,3,3\n"), 0o600)

	orig := createOutput
	defer func() { createOutput = orig }()
	out := &failingCloser{}
	createOutput = func(string) (io.WriteCloser, error) { return out, nil }

	var stdout, stderr bytes.Buffer
	code := run([]string{"-model-dir", modelDir(t), "-in", in, "-out", "results.csv"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "results.csv: disk quota exceeded") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if out.Len() == 0 {
		t.Fatal("expected results written before close")
	}
}
