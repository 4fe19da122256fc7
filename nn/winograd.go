package nn

import (
	"math"
)

// Winograd F(4x4, 3x3) transforms. A 3x3 convolution over a 4x4 output
// tile becomes 36 pointwise multiplies between the transformed 6x6 input
// tile and the transformed filter, cutting the multiply count versus the
// 144 of direct convolution. The basis below spreads the transform range
// with sqrt(2) factors to keep intermediate magnitudes friendly to half
// precision.

const (
	winTile   = 4 // output tile edge
	winKernel = 3 // filter edge
	winAlpha  = 6 // input tile edge = winTile + winKernel - 1
	winSpots  = winAlpha * winAlpha
)

var sq2 = float32(math.Sqrt2)

// winBt is the input transform: V = Bt * d * Bt^T.
var winBt = [6][6]float32{
	{1, 0, -2.5, 0, 1, 0},
	{0, -sq2, -2, sq2 / 2, 1, 0},
	{0, sq2, -2, -sq2 / 2, 1, 0},
	{0, -sq2 / 2, -0.5, sq2, 1, 0},
	{0, sq2 / 2, -0.5, -sq2, 1, 0},
	{0, 1, 0, -2.5, 0, 1},
}

// winG is the filter transform: U = G * g * G^T.
var winG = [6][3]float32{
	{1, 0, 0},
	{-2.0 / 3, -sq2 / 3, -1.0 / 3},
	{-2.0 / 3, sq2 / 3, -1.0 / 3},
	{1.0 / 6, sq2 / 6, 1.0 / 3},
	{1.0 / 6, -sq2 / 6, 1.0 / 3},
	{0, 0, 1},
}

// winAt is the output transform: Y = At * M * At^T.
var winAt = [4][6]float32{
	{1, 1, 1, 1, 1, 0},
	{0, sq2 / 2, -sq2 / 2, sq2, -sq2, 0},
	{0, 0.5, 0.5, 2, 2, 0},
	{0, sq2 / 4, -sq2 / 4, 2 * sq2, -2 * sq2, 1},
}

// winTiles returns the tile grid covering an HxW plane.
func winTiles(h, w int) (th, tw int) {
	return (h + winTile - 1) / winTile, (w + winTile - 1) / winTile
}

// winFilterTransform maps raw [cout][cin][3][3] filters into the Winograd
// domain, laid out [36][cout][cin] so the multiply pass is a batch of 36
// GEMMs. The transform has no learned parameters and is a pure function of
// the filter, applied exactly once at load time.
func winFilterTransform(dst, filter []float32, cout, cin int) {
	var tmp [6][3]float32
	var u [6][6]float32
	for oc := 0; oc < cout; oc++ {
		for ic := 0; ic < cin; ic++ {
			g := filter[(oc*cin+ic)*9 : (oc*cin+ic)*9+9]
			// tmp = G * g
			for i := 0; i < 6; i++ {
				for j := 0; j < 3; j++ {
					var s float32
					for k := 0; k < 3; k++ {
						s += winG[i][k] * g[k*3+j]
					}
					tmp[i][j] = s
				}
			}
			// u = tmp * G^T
			for i := 0; i < 6; i++ {
				for j := 0; j < 6; j++ {
					var s float32
					for k := 0; k < 3; k++ {
						s += tmp[i][k] * winG[j][k]
					}
					u[i][j] = s
				}
			}
			for i := 0; i < 6; i++ {
				for j := 0; j < 6; j++ {
					dst[(i*6+j)*cout*cin+oc*cin+ic] = u[i][j]
				}
			}
		}
	}
}

// winInputTile computes v = Bt * d * Bt^T for one 6x6 input tile.
func winInputTile(d, v *[6][6]float32) {
	var t [6][6]float32
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			var s float32
			for k := 0; k < 6; k++ {
				s += winBt[i][k] * d[k][j]
			}
			t[i][j] = s
		}
	}
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			var s float32
			for k := 0; k < 6; k++ {
				s += t[i][k] * winBt[j][k]
			}
			v[i][j] = s
		}
	}
}

// winOutputTile computes y = At * m * At^T, mapping a 6x6 Winograd-domain
// tile back to its 4x4 spatial tile.
func winOutputTile(m *[6][6]float32, y *[4][4]float32) {
	var t [4][6]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 6; j++ {
			var s float32
			for k := 0; k < 6; k++ {
				s += winAt[i][k] * m[k][j]
			}
			t[i][j] = s
		}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float32
			for k := 0; k < 6; k++ {
				s += t[i][k] * winAt[j][k]
			}
			y[i][j] = s
		}
	}
}
