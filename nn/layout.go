package nn

import (
	"github.com/quarrylab/quarry"
)

// Tensor layout conversion between channel-first and channel-last order.
// The compute kernels work in NCHW; these conversions serve ingestion
// boundaries where a producer hands over channel-last data, and the
// policy-map table rewrite that channel-last padding requires.

// NCHWToNHWC rewrites src ([n][c][h][w]) into dst ([n][h][w][c]).
// dst and src must not alias.
func NCHWToNHWC[E quarry.Elem](dst, src []E, n, c, h, w int) {
	plane := h * w
	for img := 0; img < n; img++ {
		sBase := img * c * plane
		dBase := img * plane * c
		for ch := 0; ch < c; ch++ {
			for p := 0; p < plane; p++ {
				dst[dBase+p*c+ch] = src[sBase+ch*plane+p]
			}
		}
	}
}

// NHWCToNCHW rewrites src ([n][h][w][c]) into dst ([n][c][h][w]).
// dst and src must not alias.
func NHWCToNCHW[E quarry.Elem](dst, src []E, n, c, h, w int) {
	plane := h * w
	for img := 0; img < n; img++ {
		sBase := img * plane * c
		dBase := img * c * plane
		for ch := 0; ch < c; ch++ {
			for p := 0; p < plane; p++ {
				dst[dBase+ch*plane+p] = src[sBase+p*c+ch]
			}
		}
	}
}

// PolicyMapNHWC rewrites a channel-first policy table for a channel-last
// raw tensor whose channel dimension is padded from c to padC. The
// returned table's length, padC*h*w, becomes the layer's new used size;
// positions introduced by padding carry the sentinel and never map to a
// move.
func PolicyMapNHWC(table []int16, c, padC, h, w int) []int16 {
	plane := h * w
	out := make([]int16, padC*plane)
	for i := range out {
		out[i] = -1
	}
	for i := 0; i < len(table) && i < c*plane; i++ {
		ch := i / plane
		p := i % plane
		out[p*padC+ch] = table[i]
	}
	return out
}
