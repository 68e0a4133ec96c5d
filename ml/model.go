package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NumFeatures is the model's input arity: porosity, particle ratio, Df_mean, Dp_mean.
const NumFeatures = 4

var (
	ErrModelNotLoaded = errors.New("model not loaded")
	ErrShapeMismatch  = errors.New("model shape mismatch")
	ErrInvalidScaler  = errors.New("invalid scaler parameters")
	ErrTrailingData   = errors.New("unexpected data after JSON value")
)

// LayerSpec is one dense layer of model_weights.json, serialized as {"weights": [matrix, bias]}.
type LayerSpec struct {
	Weights [][]float64
	Bias    []float64
}

func (l *LayerSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Weights []json.RawMessage `json:"weights"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Weights) != 2 {
		return fmt.Errorf("layer weights: expected [matrix, bias], got %d entries", len(raw.Weights))
	}
	if err := json.Unmarshal(raw.Weights[0], &l.Weights); err != nil {
		return fmt.Errorf("layer matrix: %w", err)
	}
	if err := json.Unmarshal(raw.Weights[1], &l.Bias); err != nil {
		return fmt.Errorf("layer bias: %w", err)
	}
	return nil
}

func (l LayerSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Weights [2]interface{} `json:"weights"`
	}{Weights: [2]interface{}{l.Weights, l.Bias}})
}

// WeightSpec is the ordered list of layers in model_weights.json.
type WeightSpec []LayerSpec

// LayerDescriptor declares the width and activation of one layer.
type LayerDescriptor struct {
	Units      int        `json:"units"`
	Activation Activation `json:"activation"`
}

// Topology is the trained permeability network: 4 -> 128 -> 64 -> 32 -> 32 -> 1.
var Topology = []LayerDescriptor{
	{Units: 128, Activation: ActivationReLU},
	{Units: 64, Activation: ActivationReLU},
	{Units: 32, Activation: ActivationReLU},
	{Units: 32, Activation: ActivationReLU},
	{Units: 1, Activation: ActivationIdentity},
}

type layer struct {
	weights    [][]float64
	bias       []float64
	activation Activation
}

// Model is a loaded, shape-checked network with its scalers. It is never mutated after
// construction and is safe for concurrent use.
type Model struct {
	layers   []layer
	topology []LayerDescriptor
	scaler   ScalerSpec
	source   string
	loadedAt time.Time
}

// NewModel binds weights and scaler to a topology. Every dimension is checked here so that
// the forward pass can index without checks.
func NewModel(weights WeightSpec, scaler ScalerSpec, topology []LayerDescriptor) (*Model, error) {
	if len(topology) == 0 {
		return nil, fmt.Errorf("%w: empty topology", ErrShapeMismatch)
	}
	if topology[len(topology)-1].Units != 1 {
		return nil, fmt.Errorf("%w: output layer must have 1 unit, has %d", ErrShapeMismatch, topology[len(topology)-1].Units)
	}
	if len(weights) != len(topology) {
		return nil, fmt.Errorf("%w: expected %d layers, got %d", ErrShapeMismatch, len(topology), len(weights))
	}
	if len(scaler.X.Mean) != NumFeatures || len(scaler.X.Scale) != NumFeatures {
		return nil, fmt.Errorf("%w: input scaler needs %d means and scales, got %d and %d",
			ErrShapeMismatch, NumFeatures, len(scaler.X.Mean), len(scaler.X.Scale))
	}
	if err := scaler.validate(); err != nil {
		return nil, err
	}

	layers := make([]layer, len(topology))
	inputs := NumFeatures
	for i, desc := range topology {
		spec := weights[i]
		if len(spec.Bias) != desc.Units {
			return nil, fmt.Errorf("%w: layer %d bias has %d entries, want %d", ErrShapeMismatch, i, len(spec.Bias), desc.Units)
		}
		if len(spec.Weights) != inputs {
			return nil, fmt.Errorf("%w: layer %d matrix has %d rows, want %d", ErrShapeMismatch, i, len(spec.Weights), inputs)
		}
		for r, row := range spec.Weights {
			if len(row) != desc.Units {
				return nil, fmt.Errorf("%w: layer %d row %d has %d columns, want %d", ErrShapeMismatch, i, r, len(row), desc.Units)
			}
		}
		layers[i] = layer{weights: spec.Weights, bias: spec.Bias, activation: desc.Activation}
		inputs = desc.Units
	}

	return &Model{
		layers:   layers,
		topology: append([]LayerDescriptor(nil), topology...),
		scaler:   scaler,
		loadedAt: time.Now(),
	}, nil
}

// Topology returns a copy of the layer descriptors the model was built with.
func (m *Model) Topology() []LayerDescriptor {
	return append([]LayerDescriptor(nil), m.topology...)
}

func (m *Model) Scaler() ScalerSpec {
	return ScalerSpec{
		X: FeatureScaler{
			Mean:  append([]float64(nil), m.scaler.X.Mean...),
			Scale: append([]float64(nil), m.scaler.X.Scale...),
		},
		Y: m.scaler.Y,
	}
}

// Source describes where the artifacts came from.
func (m *Model) Source() string {
	return m.source
}

func (m *Model) LoadedAt() time.Time {
	return m.loadedAt
}
