package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"permnet/logging"
)

const (
	DefaultWeightsFile = "model_weights.json"
	DefaultScalerFile  = "scaler_params.json"
)

// ArtifactSource opens a named model artifact.
type ArtifactSource interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	String() string
}

// DirSource reads artifacts from a local directory.
type DirSource struct {
	Dir string
}

func (s DirSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.Dir, name))
}

func (s DirSource) String() string {
	return "file://" + s.Dir
}

// HTTPSource fetches artifacts from static hosting under BaseURL.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func (s HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	target, err := url.JoinPath(s.BaseURL, name)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", target, resp.Status)
	}
	return resp.Body, nil
}

func (s HTTPSource) String() string {
	return s.BaseURL
}

// Loader fetches and decodes the weight and scaler artifacts into a Model.
type Loader struct {
	source      ArtifactSource
	weightsFile string
	scalerFile  string
	topology    []LayerDescriptor
	logger      *zap.Logger
}

type LoaderOption func(*Loader)

func WithArtifactNames(weightsFile, scalerFile string) LoaderOption {
	return func(l *Loader) {
		if weightsFile != "" {
			l.weightsFile = weightsFile
		}
		if scalerFile != "" {
			l.scalerFile = scalerFile
		}
	}
}

// WithTopology overrides the default permeability topology.
func WithTopology(topology []LayerDescriptor) LoaderOption {
	return func(l *Loader) {
		l.topology = topology
	}
}

func WithLoaderLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logging.OrNop(logger)
	}
}

func NewLoader(source ArtifactSource, opts ...LoaderOption) *Loader {
	l := &Loader{
		source:      source,
		weightsFile: DefaultWeightsFile,
		scalerFile:  DefaultScalerFile,
		topology:    Topology,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ArtifactNames returns the weights and scaler file names.
func (l *Loader) ArtifactNames() (string, string) {
	return l.weightsFile, l.scalerFile
}

func (l *Loader) Source() ArtifactSource {
	return l.source
}

// Load fetches both artifacts concurrently. Both must decode and match the topology.
func (l *Loader) Load(ctx context.Context) (*Model, error) {
	var (
		weights WeightSpec
		scaler  ScalerSpec
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    error
	)
	fetch := func(name string, dst interface{}) {
		defer wg.Done()
		l.logger.Info("loading model artifact", zap.String("artifact", name), zap.Stringer("source", l.source))
		if err := l.decode(ctx, name, dst); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			mu.Unlock()
		}
	}

	wg.Add(2)
	go fetch(l.weightsFile, &weights)
	go fetch(l.scalerFile, &scaler)
	wg.Wait()
	if errs != nil {
		return nil, errs
	}

	model, err := NewModel(weights, scaler, l.topology)
	if err != nil {
		return nil, err
	}
	model.source = l.source.String()

	l.logger.Info("model loaded",
		zap.String("source", model.source),
		zap.Int("layers", len(model.layers)),
		zap.Float64s("scaler_x_mean", scaler.X.Mean),
		zap.Float64s("scaler_x_scale", scaler.X.Scale),
		zap.Float64("scaler_y_mean", scaler.Y.Mean),
		zap.Float64("scaler_y_scale", scaler.Y.Scale),
	)
	return model, nil
}

func (l *Loader) decode(ctx context.Context, name string, dst interface{}) error {
	rc, err := l.source.Open(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", ErrTrailingData)
	}
	return nil
}
