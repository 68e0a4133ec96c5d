package ml

import (
	"errors"
	"fmt"
	"strings"
)

// LengthUnit is the unit a caller typed diameters in.
type LengthUnit string

const (
	Micrometer LengthUnit = "um"
	Meter      LengthUnit = "m"
)

const (
	metersPerMicrometer = 1e-6
	micrometersPerMeter = 1e6
)

var ErrUnknownUnit = errors.New("unknown length unit")

// ParseLengthUnit accepts "um", "µm" or "m". An empty string means micrometers.
func ParseLengthUnit(s string) (LengthUnit, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "um", "µm", "micrometer", "micrometers":
		return Micrometer, nil
	case "m", "meter", "meters":
		return Meter, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
	}
}

// ToMicrometers normalizes a manually entered diameter to the caller-side canonical unit.
func (u LengthUnit) ToMicrometers(v float64) float64 {
	if u == Meter {
		return v * micrometersPerMeter
	}
	return v
}

// MicrometersToMeters converts a diameter to the unit the model was trained in.
func MicrometersToMeters(um float64) float64 {
	return um * metersPerMicrometer
}
