package quarry

import "github.com/chewxy/math32"

// Scalar activation primitives shared by the fused kernels. All of them
// operate in float32 regardless of the layer's storage precision.

// ReLU computes max(x, 0).
func ReLU(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// Sigmoid computes 1 / (1 + exp(-x)), saturating for large |x|.
func Sigmoid(x float32) float32 {
	if x < -ActivationSaturation {
		return 0
	}
	if x > ActivationSaturation {
		return 1
	}
	// Evaluate in the numerically favorable half-plane.
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	e := math32.Exp(x)
	return e / (1 + e)
}

// Tanh computes the hyperbolic tangent.
func Tanh(x float32) float32 {
	if x > ActivationSaturation {
		return 1
	}
	if x < -ActivationSaturation {
		return -1
	}
	return math32.Tanh(x)
}

// Exp computes e**x.
func Exp(x float32) float32 {
	return math32.Exp(x)
}
