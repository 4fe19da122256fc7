package quarry

import (
	"math"
	"testing"
)

func TestFloat32NearEqual(t *testing.T) {
	tol := DefaultTolerance()

	tests := []struct {
		name string
		a, b float32
		want bool
	}{
		{"exact", 1.0, 1.0, true},
		{"signed zero", 0.0, float32(math.Copysign(0, -1)), true},
		{"both NaN", float32(math.NaN()), float32(math.NaN()), true},
		{"within abs tol", 0, 5e-7, true},
		{"within rel tol", 1000, 1000.005, true},
		{"outside rel tol", 1000, 1001, false},
		{"opposite signs", 0.1, -0.1, false},
		{"one NaN", 1, float32(math.NaN()), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Float32NearEqual(tt.a, tt.b, tol); got != tt.want {
				t.Errorf("NearEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFloat32ULPDiff(t *testing.T) {
	if d := Float32ULPDiff(1.0, 1.0); d != 0 {
		t.Errorf("ULP distance of equal values = %d", d)
	}
	next := math.Float32frombits(math.Float32bits(1.0) + 1)
	if d := Float32ULPDiff(1.0, next); d != 1 {
		t.Errorf("adjacent values ULP distance = %d, want 1", d)
	}
	if d := Float32ULPDiff(1.0, -1.0); d != math.MaxInt32 {
		t.Errorf("opposite sign ULP distance = %d, want MaxInt32", d)
	}
}

func TestVerifyFloat32Array(t *testing.T) {
	tol := DefaultTolerance()

	expected := []float32{1, 2, 3, 4}
	actual := []float32{1, 2, 3, 4}
	if r := VerifyFloat32Array(expected, actual, tol); !r.OK() {
		t.Errorf("identical arrays rejected: %v", r)
	}

	actual = []float32{1, 2.5, 3, 4.5}
	r := VerifyFloat32Array(expected, actual, tol)
	if r.OK() {
		t.Fatal("diverging arrays accepted")
	}
	if r.NumErrors != 2 {
		t.Errorf("NumErrors = %d, want 2", r.NumErrors)
	}
	if r.FirstError != 1 {
		t.Errorf("FirstError = %d, want 1", r.FirstError)
	}
	if r.MaxAbsError != 0.5 {
		t.Errorf("MaxAbsError = %v, want 0.5", r.MaxAbsError)
	}

	if r := VerifyFloat32Array([]float32{1}, []float32{1, 2}, tol); r.OK() {
		t.Error("length mismatch accepted")
	}
}

func TestRelaxedToleranceOrdering(t *testing.T) {
	// Reordered accumulation error sits between the default and half bounds.
	d, r, h := DefaultTolerance(), RelaxedTolerance(), HalfTolerance()
	if !(r.RelTol > d.RelTol && r.RelTol < h.RelTol) {
		t.Errorf("relaxed RelTol %v not between default %v and half %v",
			r.RelTol, d.RelTol, h.RelTol)
	}
	// A representative blocked-GEMM deviation passes relaxed, fails default.
	if Float32NearEqual(1000, 1000.15, d) {
		t.Error("default tolerance accepted a reordering-scale error")
	}
	if !Float32NearEqual(1000, 1000.15, r) {
		t.Error("relaxed tolerance rejected a reordering-scale error")
	}
}

func TestHalfToleranceCoversQuantization(t *testing.T) {
	// Any float32 in a moderate range must round trip through half within
	// the half tolerance.
	tol := HalfTolerance()
	for _, v := range []float32{0.001, 0.37, 1.5, 42.42, 999} {
		got := ToF32(FromF32[Half](v))
		if !Float32NearEqual(v, got, tol) {
			t.Errorf("half round trip of %v = %v exceeds tolerance", v, got)
		}
	}
}
