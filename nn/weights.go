package nn

import (
	"github.com/pkg/errors"

	"github.com/quarrylab/quarry"
)

// Host-side weight containers, in the producer's layout: convolution
// filters as [outC][inC][kH][kW], biases as [outC], fully-connected
// weights as [outC][inC].

// ConvWeights holds one convolution's host parameters.
type ConvWeights struct {
	Filter []float32
	Bias   []float32
}

// FCWeights holds one dense transform's host parameters.
type FCWeights struct {
	Weight []float32
	Bias   []float32
}

// SEWeights holds the two weight/bias pairs of a squeeze-excitation block.
type SEWeights struct {
	W1, B1 []float32 // reduction C -> k
	W2, B2 []float32 // expansion k -> C
}

// BlockWeights holds one residual block's host parameters.
type BlockWeights struct {
	Conv1, Conv2 ConvWeights
	SE           *SEWeights
}

// TowerWeights holds a complete network's host parameters.
type TowerWeights struct {
	Input  ConvWeights
	Blocks []BlockWeights

	PolicyConv1 ConvWeights // 3x3, C -> C, ReLU
	PolicyConv2 ConvWeights // 3x3, C -> policy channels
	PolicyMap   []int16

	ValueConv ConvWeights // 1x1, C -> value channels
	ValueFC1  FCWeights
	ValueFC2  FCWeights
}

// param is a device-resident parameter buffer in its working precision,
// together with a widened float32 rendering used by the compute kernels.
// Both are pure deterministic functions of the host data: loading the same
// values twice produces identical buffers.
type param[E quarry.Elem] struct {
	dev *quarry.Buffer // canonical representation, quantized to E
	f32 *quarry.Buffer // widened compute copy
	n   int
}

// loadParam quantizes host values to the working precision and uploads
// both the canonical and the widened compute buffer. On any failure every
// partial allocation is released.
func loadParam[E quarry.Elem](ctx *quarry.Context, op string, host []float32) (param[E], error) {
	n := len(host)
	dev, err := ctx.NewBuffer(n * quarry.SizeOf[E]())
	if err != nil {
		return param[E]{}, errors.Wrapf(err, "%s: device buffer (%d elements)", op, n)
	}
	f32, err := ctx.NewBuffer(n * 4)
	if err != nil {
		dev.Release()
		return param[E]{}, errors.Wrapf(err, "%s: compute buffer (%d elements)", op, n)
	}

	elems := quarry.Elems[E](dev.Ptr())[:n]
	quarry.NarrowSlice(elems, host)
	// The compute copy reflects the quantized values, not the raw host
	// data, so both precisions evaluate the same parameters.
	quarry.WidenSlice(f32.Ptr().Float32()[:n], elems)

	return param[E]{dev: dev, f32: f32, n: n}, nil
}

// data returns the float32 compute view.
func (p param[E]) data() []float32 {
	if p.f32 == nil {
		return nil
	}
	return p.f32.Ptr().Float32()[:p.n]
}

// elems returns the canonical quantized view.
func (p param[E]) elems() []E {
	if p.dev == nil {
		return nil
	}
	return quarry.Elems[E](p.dev.Ptr())[:p.n]
}

func (p *param[E]) free() {
	p.dev.Release()
	p.f32.Release()
	p.dev, p.f32 = nil, nil
}

// transpose writes the [rows][cols] row-major matrix src into dst in
// [cols][rows] order.
func transpose(dst, src []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
}
