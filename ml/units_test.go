package ml

import (
	"errors"
	"testing"
)

func TestParseLengthUnit(t *testing.T) {
	cases := map[string]LengthUnit{
		"":    Micrometer,
		"um":  Micrometer,
		"µm":  Micrometer,
		" M ": Meter,
		"m":   Meter,
	}
	for in, want := range cases {
		got, err := ParseLengthUnit(in)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
	if _, err := ParseLengthUnit("mm"); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
}

func TestUnitConversion(t *testing.T) {
	if got := Meter.ToMicrometers(3e-6); got != 3 {
		t.Fatalf("expected 3 um, got %v", got)
	}
	if got := Micrometer.ToMicrometers(3); got != 3 {
		t.Fatalf("expected 3 um, got %v", got)
	}
	if got := MicrometersToMeters(3.0); got != 3.0e-6 {
		t.Fatalf("expected 3e-6 m, got %v", got)
	}
}
