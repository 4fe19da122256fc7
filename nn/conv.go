package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// convStrategy is the execution plan of the vendor-backed convolution,
// chosen once at construction from the layer's shape.
type convStrategy int

const (
	// convDirect computes the convolution with plain loops; cheapest for
	// small channel/kernel products.
	convDirect convStrategy = iota
	// convIm2col lowers the convolution to one GEMM per image.
	convIm2col
)

// im2colThreshold is the Cin*K*K product above which the GEMM lowering
// beats the direct loops.
const im2colThreshold = 16

// ConvLayer is the standard convolution stage backed by the runtime's
// native primitives, used where Winograd fusion is unnecessary: arbitrary
// odd kernel sizes, stride one, same padding. Bias and ReLU are applied as
// a trailing pass.
type ConvLayer[E quarry.Elem] struct {
	BaseLayer[E]
	ctx      *quarry.Context
	cin      int
	size     int // kernel edge
	mode     FuseMode
	strategy convStrategy

	weights param[E] // [C][Cin][K][K], the primitive's native filter layout
	bias    param[E]
	ready   bool
}

// NewConvLayer constructs a convolution stage with c output channels and a
// size×size kernel over the predecessor's spatial extent.
func NewConvLayer[E quarry.Elem](ctx *quarry.Context, prev Layer[E], c, h, w, size, cin int, mode FuseMode) (*ConvLayer[E], error) {
	const op = "NewConvLayer"
	shape, err := inheritShape[E](prev, c, h, w)
	if err != nil {
		return nil, err
	}
	if cin == 0 && prev != nil {
		cin = prev.Shape().C
	}
	if cin <= 0 {
		return nil, quarry.NewShapeError(op, "input channel count unresolved")
	}
	if size < 1 || size%2 == 0 {
		return nil, quarry.NewShapeError(op, fmt.Sprintf("kernel size %d must be odd", size))
	}
	if mode != FuseNone && mode != FuseBias && mode != FuseBiasReLU {
		return nil, quarry.NewShapeError(op, fmt.Sprintf("unsupported fuse mode %d for plain convolution", mode))
	}
	strategy := convDirect
	if cin*size*size >= im2colThreshold {
		strategy = convIm2col
	}
	return &ConvLayer[E]{
		BaseLayer: BaseLayer[E]{shape: shape},
		ctx:       ctx,
		cin:       cin,
		size:      size,
		mode:      mode,
		strategy:  strategy,
	}, nil
}

// LoadWeights uploads the [C][Cin][K][K] filter and optional bias.
func (l *ConvLayer[E]) LoadWeights(filter, bias []float32) error {
	const op = "ConvLayer.LoadWeights"
	c, k2 := l.shape.C, l.size*l.size
	if len(filter) != c*l.cin*k2 {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("filter length %d, want %d", len(filter), c*l.cin*k2))
	}
	if l.mode.hasBias() && len(bias) != c {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("bias length %d, want %d", len(bias), c))
	}
	wp, err := loadParam[E](l.ctx, op, filter)
	if err != nil {
		return err
	}
	var bp param[E]
	if l.mode.hasBias() {
		if bp, err = loadParam[E](l.ctx, op, bias); err != nil {
			wp.free()
			return err
		}
	}
	if l.ready {
		l.weights.free()
		l.bias.free()
	}
	l.weights, l.bias = wp, bp
	l.ready = true
	return nil
}

// ScratchSize covers one image's float32 staging, the im2col matrix and
// the float32 output plane; images are processed sequentially.
func (l *ConvLayer[E]) ScratchSize(int) int {
	plane := l.shape.H * l.shape.W
	k2 := l.size * l.size
	floats := l.cin*plane + l.shape.C*plane
	if l.strategy == convIm2col {
		floats += l.cin * k2 * plane
	}
	return alignUp(4 * floats)
}

func (l *ConvLayer[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "ConvLayer.Eval"
	if err := checkEval(op, l.ready, n, scratch, scratchSize, l.ScratchSize(n)); err != nil {
		return err
	}

	c, h, w := l.shape.C, l.shape.H, l.shape.W
	plane := h * w
	cin, size := l.cin, l.size
	k2 := size * size
	pad := size / 2

	in := quarry.Elems[E](input)[:n*cin*plane]
	out := quarry.Elems[E](output)[:n*c*plane]
	wdata := l.weights.data()
	var biasData []float32
	if l.mode.hasBias() {
		biasData = l.bias.data()
	}
	mode := l.mode
	strategy := l.strategy

	buf := scratch.Float32()
	inF := buf[:cin*plane]
	outF := buf[cin*plane : (cin+c)*plane]
	var cols []float32
	if strategy == convIm2col {
		cols = buf[(cin+c)*plane : (cin+c)*plane+cin*k2*plane]
	}

	ctx.Queue().Submit(func() {
		for img := 0; img < n; img++ {
			quarry.WidenSlice(inF, in[img*cin*plane:(img+1)*cin*plane])

			switch strategy {
			case convIm2col:
				im2col(cols, inF, cin, h, w, size, pad)
				quarry.Sgemm(c, plane, cin*k2, 1, wdata, cin*k2, cols, plane, 0, outF, plane)
			default:
				convDirectLoops(outF, inF, wdata, c, cin, h, w, size, pad)
			}

			for oc := 0; oc < c; oc++ {
				var b float32
				if biasData != nil {
					b = biasData[oc]
				}
				row := outF[oc*plane : (oc+1)*plane]
				for i := range row {
					v := row[i] + b
					if mode.hasReLU() {
						v = quarry.ReLU(v)
					}
					row[i] = v
				}
			}
			quarry.NarrowSlice(out[img*c*plane:(img+1)*c*plane], outF)
		}
	})
	return nil
}

// im2col extracts padded image patches as columns, one row per
// (channel, ky, kx) and one column per output position.
func im2col(cols, in []float32, cin, h, w, size, pad int) {
	plane := h * w
	for ch := 0; ch < cin; ch++ {
		for ky := 0; ky < size; ky++ {
			for kx := 0; kx < size; kx++ {
				row := (ch*size+ky)*size + kx
				dst := cols[row*plane : (row+1)*plane]
				for y := 0; y < h; y++ {
					sy := y - pad + ky
					for x := 0; x < w; x++ {
						sx := x - pad + kx
						if sy >= 0 && sy < h && sx >= 0 && sx < w {
							dst[y*w+x] = in[ch*plane+sy*w+sx]
						} else {
							dst[y*w+x] = 0
						}
					}
				}
			}
		}
	}
}

// convDirectLoops is the direct convolution for one image.
func convDirectLoops(out, in, filter []float32, c, cin, h, w, size, pad int) {
	plane := h * w
	for oc := 0; oc < c; oc++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var sum float32
				for ic := 0; ic < cin; ic++ {
					for ky := 0; ky < size; ky++ {
						sy := y - pad + ky
						if sy < 0 || sy >= h {
							continue
						}
						for kx := 0; kx < size; kx++ {
							sx := x - pad + kx
							if sx < 0 || sx >= w {
								continue
							}
							sum += in[ic*plane+sy*w+sx] *
								filter[((oc*cin+ic)*size+ky)*size+kx]
						}
					}
				}
				out[oc*plane+y*w+x] = sum
			}
		}
	}
}

// Close releases the layer's device parameter buffers.
func (l *ConvLayer[E]) Close() {
	if l.ready {
		l.weights.free()
		l.bias.free()
		l.ready = false
	}
}
