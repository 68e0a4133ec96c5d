package ml_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"permnet/ml"
	"permnet/ml/mltest"
)

func TestLoaderDirSource(t *testing.T) {
	dir := t.TempDir()
	mltest.WriteArtifacts(t, dir, mltest.FullWeights(), mltest.FullScaler())

	model, err := ml.NewLoader(ml.DirSource{Dir: dir}).Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(model.Topology()); got != len(ml.Topology) {
		t.Fatalf("expected %d layers, got %d", len(ml.Topology), got)
	}
	if model.Scaler().Y.Mean != mltest.FullScaler().Y.Mean {
		t.Fatalf("unexpected scaler: %+v", model.Scaler())
	}
	if !strings.Contains(model.Source(), dir) {
		t.Fatalf("unexpected source %q", model.Source())
	}
}

func TestLoaderHTTPSource(t *testing.T) {
	dir := t.TempDir()
	mltest.WriteArtifacts(t, dir, mltest.IdentityWeights(), mltest.UnitScaler())
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	loader := ml.NewLoader(ml.HTTPSource{BaseURL: srv.URL + "/"}, ml.WithTopology(mltest.IdentityTopology))
	model, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res := model.Predict(ml.InputVector{1, 2, 3, 4}); res.Log10K != 10 {
		t.Fatalf("expected log10K 10, got %v", res.Log10K)
	}
}

func TestLoaderHTTPNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := ml.NewLoader(ml.HTTPSource{BaseURL: srv.URL}).Load(context.Background())
	if err == nil {
		t.Fatal("expected error for missing artifacts")
	}
	for _, name := range []string{ml.DefaultWeightsFile, ml.DefaultScalerFile} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("expected error to mention %s, got %v", name, err)
		}
	}
}

func TestLoaderMissingFile(t *testing.T) {
	dir := t.TempDir()
	mltest.WriteArtifacts(t, dir, mltest.IdentityWeights(), mltest.UnitScaler())
	if err := os.Remove(filepath.Join(dir, ml.DefaultScalerFile)); err != nil {
		t.Fatal(err)
	}

	_, err := ml.NewLoader(ml.DirSource{Dir: dir}, ml.WithTopology(mltest.IdentityTopology)).Load(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoaderMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	mltest.WriteArtifacts(t, dir, mltest.IdentityWeights(), mltest.UnitScaler())
	if err := os.WriteFile(filepath.Join(dir, ml.DefaultWeightsFile), []byte(`[{"weights": [`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := ml.NewLoader(ml.DirSource{Dir: dir}, ml.WithTopology(mltest.IdentityTopology)).Load(context.Background()); err == nil {
		t.Fatal("expected error for malformed weights")
	}
}

func TestLoaderTopologyMismatch(t *testing.T) {
	dir := mltest.IdentityDir(t)
	_, err := ml.NewLoader(ml.DirSource{Dir: dir}).Load(context.Background())
	if !errors.Is(err, ml.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestLoaderCustomArtifactNames(t *testing.T) {
	dir := t.TempDir()
	mltest.WriteArtifacts(t, dir, mltest.IdentityWeights(), mltest.UnitScaler())
	for from, to := range map[string]string{ml.DefaultWeightsFile: "w.json", ml.DefaultScalerFile: "s.json"} {
		if err := os.Rename(filepath.Join(dir, from), filepath.Join(dir, to)); err != nil {
			t.Fatal(err)
		}
	}

	loader := ml.NewLoader(ml.DirSource{Dir: dir},
		ml.WithArtifactNames("w.json", "s.json"),
		ml.WithTopology(mltest.IdentityTopology))
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoaderRejectsTrailingData(t *testing.T) {
	dir := t.TempDir()
	mltest.WriteArtifacts(t, dir, mltest.IdentityWeights(), mltest.UnitScaler())
	path := filepath.Join(dir, ml.DefaultScalerFile)
	valid, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(valid, []byte(" }garbage{")...), 0o600); err != nil {
		t.Fatal(err)
	}

	loader := ml.NewLoader(ml.DirSource{Dir: dir}, ml.WithTopology(mltest.IdentityTopology))
	if _, err := loader.Load(context.Background()); !errors.Is(err, ml.ErrTrailingData) {
		t.Fatalf("expected ErrTrailingData, got %v", err)
	}
	if ml.NewPredictor(loader).LoadModel(context.Background()) {
		t.Fatal("expected load to fail")
	}
}

func TestLoaderRejectsIncompleteScaler(t *testing.T) {
	cases := []struct {
		name   string
		scaler string
	}{
		{"missing y", `{"X": {"mean": [0, 0, 0, 0], "scale": [1, 1, 1, 1]}}`},
		{"y without scale", `{"X": {"mean": [0, 0, 0, 0], "scale": [1, 1, 1, 1]}, "y": {"mean": 0}}`},
		{"missing X", `{"y": {"mean": 0, "scale": 1}}`},
		{"zero y scale", `{"X": {"mean": [0, 0, 0, 0], "scale": [1, 1, 1, 1]}, "y": {"mean": 0, "scale": 0}}`},
		{"zero X scale", `{"X": {"mean": [0, 0, 0, 0], "scale": [1, 0, 1, 1]}, "y": {"mean": 0, "scale": 1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			mltest.WriteArtifacts(t, dir, mltest.IdentityWeights(), mltest.UnitScaler())
			if err := os.WriteFile(filepath.Join(dir, ml.DefaultScalerFile), []byte(tc.scaler), 0o600); err != nil {
				t.Fatal(err)
			}

			loader := ml.NewLoader(ml.DirSource{Dir: dir}, ml.WithTopology(mltest.IdentityTopology))
			if _, err := loader.Load(context.Background()); !errors.Is(err, ml.ErrInvalidScaler) {
				t.Fatalf("expected ErrInvalidScaler, got %v", err)
			}
			p := ml.NewPredictor(loader)
			if p.LoadModel(context.Background()) {
				t.Fatal("expected load to fail")
			}
			if _, err := p.PredictSingle(0.5, 0.5, 1, 1); !errors.Is(err, ml.ErrModelNotLoaded) {
				t.Fatalf("expected ErrModelNotLoaded, got %v", err)
			}
		})
	}
}
