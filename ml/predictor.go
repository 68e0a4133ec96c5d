package ml

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"permnet/logging"
)

// BatchRow is one sample as the caller supplies it, diameters in micrometers.
type BatchRow struct {
	Porosity      float64 `json:"porosity"`
	ParticleRatio float64 `json:"particle_ratio"`
	DfMean        float64 `json:"Df_mean"`
	DpMean        float64 `json:"Dp_mean"`
}

// Vector converts the row to model units.
func (r BatchRow) Vector() InputVector {
	return InputVector{
		r.Porosity,
		r.ParticleRatio,
		MicrometersToMeters(r.DfMean),
		MicrometersToMeters(r.DpMean),
	}
}

// PredictSingle converts micrometer diameters to meters and evaluates one sample.
func PredictSingle(e Evaluator, porosity, particleRatio, dfMeanUm, dpMeanUm float64) PredictionResult {
	row := BatchRow{Porosity: porosity, ParticleRatio: particleRatio, DfMean: dfMeanUm, DpMean: dpMeanUm}
	return e.Predict(row.Vector())
}

// PredictBatch evaluates rows in order; the result has one entry per row.
func PredictBatch(e Evaluator, rows []BatchRow) []PredictionResult {
	results := make([]PredictionResult, len(rows))
	for i, row := range rows {
		results[i] = e.Predict(row.Vector())
	}
	return results
}

// loadedModel pairs a model with a memo of its single-sample predictions. A new memo is
// created for every load so cached results never outlive their weights.
type loadedModel struct {
	model *Model
	cache *lru.Cache[InputVector, PredictionResult]
}

func (lm *loadedModel) Predict(x InputVector) PredictionResult {
	if lm.cache == nil {
		return lm.model.Predict(x)
	}
	if res, ok := lm.cache.Get(x); ok {
		return res
	}
	res := lm.model.Predict(x)
	lm.cache.Add(x, res)
	return res
}

// Predictor owns the currently loaded model. Until a load succeeds every prediction fails
// with ErrModelNotLoaded.
type Predictor struct {
	loader    *Loader
	logger    *zap.Logger
	cacheSize int
	onLoad    func(err error)

	loadMu  sync.Mutex
	current atomic.Pointer[loadedModel]
}

type PredictorOption func(*Predictor)

// WithCacheSize memoizes up to size single-sample predictions per loaded model. Zero disables it.
func WithCacheSize(size int) PredictorOption {
	return func(p *Predictor) {
		p.cacheSize = size
	}
}

func WithLogger(logger *zap.Logger) PredictorOption {
	return func(p *Predictor) {
		p.logger = logging.OrNop(logger)
	}
}

// WithLoadHook is called after every load or reload attempt with its error (nil on success).
func WithLoadHook(fn func(err error)) PredictorOption {
	return func(p *Predictor) {
		p.onLoad = fn
	}
}

func NewPredictor(loader *Loader, opts ...PredictorOption) *Predictor {
	p := &Predictor{
		loader: loader,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadModel loads the artifacts and reports success. On failure the predictor is left
// unloaded and the error is logged, never returned.
func (p *Predictor) LoadModel(ctx context.Context) bool {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	lm, err := p.load(ctx)
	if err != nil {
		p.current.Store(nil)
		p.logger.Error("failed to load model", zap.Error(err))
		p.notify(err)
		return false
	}
	p.current.Store(lm)
	p.notify(nil)
	return true
}

// Reload swaps in freshly loaded artifacts. On failure the previous model stays active.
func (p *Predictor) Reload(ctx context.Context) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	lm, err := p.load(ctx)
	if err != nil {
		p.logger.Warn("model reload failed, keeping previous model", zap.Error(err))
		p.notify(err)
		return err
	}
	p.current.Store(lm)
	p.logger.Info("model reloaded", zap.String("source", lm.model.Source()))
	p.notify(nil)
	return nil
}

func (p *Predictor) load(ctx context.Context) (*loadedModel, error) {
	model, err := p.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	lm := &loadedModel{model: model}
	if p.cacheSize > 0 {
		cache, err := lru.New[InputVector, PredictionResult](p.cacheSize)
		if err != nil {
			return nil, err
		}
		lm.cache = cache
	}
	return lm, nil
}

func (p *Predictor) notify(err error) {
	if p.onLoad != nil {
		p.onLoad(err)
	}
}

func (p *Predictor) IsModelLoaded() bool {
	return p.current.Load() != nil
}

// Model returns the active model or ErrModelNotLoaded.
func (p *Predictor) Model() (*Model, error) {
	lm := p.current.Load()
	if lm == nil {
		return nil, ErrModelNotLoaded
	}
	return lm.model, nil
}

// PredictSingle predicts one sample with diameters in micrometers.
func (p *Predictor) PredictSingle(porosity, particleRatio, dfMeanUm, dpMeanUm float64) (PredictionResult, error) {
	lm := p.current.Load()
	if lm == nil {
		return PredictionResult{}, ErrModelNotLoaded
	}
	return PredictSingle(lm, porosity, particleRatio, dfMeanUm, dpMeanUm), nil
}

// PredictBatch predicts every row (micrometers) against a single model snapshot.
func (p *Predictor) PredictBatch(rows []BatchRow) ([]PredictionResult, error) {
	lm := p.current.Load()
	if lm == nil {
		return nil, ErrModelNotLoaded
	}
	return PredictBatch(lm.model, rows), nil
}
