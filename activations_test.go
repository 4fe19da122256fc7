package quarry

import (
	"math"
	"testing"
)

func TestReLU(t *testing.T) {
	tests := []struct{ x, want float32 }{
		{-1, 0}, {0, 0}, {2.5, 2.5}, {-1e-30, 0},
	}
	for _, tt := range tests {
		if got := ReLU(tt.x); got != tt.want {
			t.Errorf("ReLU(%v) = %v, want %v", tt.x, got, tt.want)
		}
	}
}

func TestSigmoid(t *testing.T) {
	tol := DefaultTolerance()

	if got := Sigmoid(0); got != 0.5 {
		t.Errorf("Sigmoid(0) = %v, want 0.5", got)
	}
	// Symmetry: sigmoid(-x) = 1 - sigmoid(x).
	for _, x := range []float32{0.5, 2, 10} {
		if !Float32NearEqual(Sigmoid(-x), 1-Sigmoid(x), tol) {
			t.Errorf("symmetry broken at x=%v: %v vs %v", x, Sigmoid(-x), 1-Sigmoid(x))
		}
	}
	if got := Sigmoid(100); got != 1 {
		t.Errorf("Sigmoid(100) = %v, want saturated 1", got)
	}
	if got := Sigmoid(-100); got != 0 {
		t.Errorf("Sigmoid(-100) = %v, want saturated 0", got)
	}
}

func TestTanh(t *testing.T) {
	tol := DefaultTolerance()
	for _, x := range []float32{-3, -0.5, 0, 0.5, 3} {
		want := float32(math.Tanh(float64(x)))
		if !Float32NearEqual(Tanh(x), want, tol) {
			t.Errorf("Tanh(%v) = %v, want %v", x, Tanh(x), want)
		}
	}
	if Tanh(100) != 1 || Tanh(-100) != -1 {
		t.Error("Tanh does not saturate to ±1")
	}
}

func TestExp(t *testing.T) {
	tol := DefaultTolerance()
	for _, x := range []float32{-5, -1, 0, 1, 5} {
		want := float32(math.Exp(float64(x)))
		if !Float32NearEqual(Exp(x), want, tol) {
			t.Errorf("Exp(%v) = %v, want %v", x, Exp(x), want)
		}
	}
}
