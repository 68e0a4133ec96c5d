package ml

import (
	"fmt"
	"math"
)

// Activation selects the nonlinearity applied to a dense layer's pre-activation sums.
type Activation int

const (
	ActivationIdentity Activation = iota
	ActivationReLU
)

// Apply evaluates the activation for a single pre-activation value.
func (a Activation) Apply(x float64) float64 {
	switch a {
	case ActivationReLU:
		// NaN propagates; -0 becomes +0.
		if x > 0 || math.IsNaN(x) {
			return x
		}
		return 0
	default:
		return x
	}
}

func (a Activation) String() string {
	switch a {
	case ActivationIdentity:
		return "linear"
	case ActivationReLU:
		return "relu"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// MarshalText lets topology descriptors render as "relu"/"linear" in JSON responses.
func (a Activation) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
