package simd

import (
	"math"
	"testing"
)

func TestShrink(t *testing.T) {
	tests := []struct {
		name string
		x, t float64
		want float64
	}{
		{"inside band positive", 0.5, 1, 0},
		{"inside band negative", -0.5, 1, 0},
		{"on boundary", 1, 1, 0},
		{"on negative boundary", -1, 1, 0},
		{"above band", 6, 1, 5},
		{"below band", -10, 1, -9},
		{"zero threshold is identity", -3.25, 0, -3.25},
		{"zero input", 0, 0, 0},
		{"nan collapses to zero", math.NaN(), 1, 0},
		{"negative infinity", math.Inf(-1), 2, math.Inf(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Shrink(tt.x, tt.t)
			if got != tt.want {
				t.Errorf("Shrink(%v, %v) = %v, want %v", tt.x, tt.t, got, tt.want)
			}
		})
	}
}

func TestShrink_ContinuousAtThreshold(t *testing.T) {
	const thr = 0.75
	for _, eps := range []float64{1e-3, 1e-6, 1e-9} {
		above := Shrink(thr+eps, thr)
		below := Shrink(thr-eps, thr)
		if math.Abs(above-below) > 2*eps {
			t.Errorf("jump at threshold for eps=%g: above=%g below=%g", eps, above, below)
		}
	}
}

func TestSoftThreshold(t *testing.T) {
	// Odd length exercises both the unrolled body and the remainder loop.
	src := []float32{6, 10, -0.5, 1, -4, 2.5, 0}
	dst := make([]float32, len(src))
	expected := []float32{5, 9, 0, 0, -3, 1.5, 0}

	SoftThreshold(dst, src, 1)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("SoftThreshold(%d) = %f, want %f", i, v, expected[i])
		}
	}
	if src[0] != 6 {
		t.Errorf("source mutated: %v", src)
	}
}

func TestSoftThreshold_InPlace(t *testing.T) {
	data := []float64{1, 1, -2, 3, 0.25}
	SoftThreshold(data, data, 1)

	expected := []float64{0, 0, -1, 2, 0}
	for i, v := range data {
		if v != expected[i] {
			t.Errorf("in-place SoftThreshold(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestL1Norm(t *testing.T) {
	x := []float64{1, -2, 3, -4, 5}
	if got := L1Norm(x); got != 15 {
		t.Errorf("L1Norm = %f, want 15", got)
	}
	if got := L1Norm([]float32{}); got != 0 {
		t.Errorf("L1Norm(empty) = %f, want 0", got)
	}
}

func TestCountNonZero(t *testing.T) {
	if got := CountNonZero([]float64{0, 1, 0, -2, 0}); got != 2 {
		t.Errorf("CountNonZero = %d, want 2", got)
	}
}

func TestSquaredDistance(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 3, 4, 5, 6}
	if got := SquaredDistance(a, b); got != 5 {
		t.Errorf("SquaredDistance = %f, want 5", got)
	}
}

func TestAddScaled(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	src := []float64{10, 20, 30, 40, 50}
	expected := []float64{6, 12, 18, 24, 30}

	AddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("AddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}
