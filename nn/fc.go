package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// FCLayer is the dense transform output = act(W*input + b), with the
// activation fixed at construction. It serves the output heads and the SE
// sub-transforms. Weights are stored transposed at load time so evaluation
// is one plain row-major GEMM over the batch.
type FCLayer[E quarry.Elem] struct {
	BaseLayer[E]
	ctx     *quarry.Context
	cinAll  int // flattened input width
	act     Activation
	useBias bool

	weights param[E] // transposed, [cinAll][outAll]
	bias    param[E]
	ready   bool
}

// NewFCLayer constructs a dense stage producing c*h*w outputs per batch
// entry from the predecessor's flattened output.
func NewFCLayer[E quarry.Elem](ctx *quarry.Context, prev Layer[E], c, h, w int, act Activation, useBias bool) (*FCLayer[E], error) {
	const op = "NewFCLayer"
	if prev == nil {
		return nil, quarry.NewShapeError(op, "predecessor required for input width")
	}
	shape, err := inheritShape[E](prev, c, h, w)
	if err != nil {
		return nil, err
	}
	if act < ActNone || act > ActSigmoid {
		return nil, quarry.NewShapeError(op, fmt.Sprintf("unsupported activation %d", act))
	}
	return &FCLayer[E]{
		BaseLayer: BaseLayer[E]{shape: shape},
		ctx:       ctx,
		cinAll:    prev.Shape().Elems(),
		act:       act,
		useBias:   useBias,
	}, nil
}

// LoadWeights uploads the [out][in] weight matrix (transposing it for the
// evaluation GEMM) and the optional bias.
func (l *FCLayer[E]) LoadWeights(weight, bias []float32) error {
	const op = "FCLayer.LoadWeights"
	outAll := l.shape.Elems()
	if len(weight) != outAll*l.cinAll {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("weight length %d, want %d", len(weight), outAll*l.cinAll))
	}
	if l.useBias && len(bias) != outAll {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("bias length %d, want %d", len(bias), outAll))
	}

	wt := make([]float32, l.cinAll*outAll)
	transpose(wt, weight, outAll, l.cinAll)

	wp, err := loadParam[E](l.ctx, op, wt)
	if err != nil {
		return err
	}
	var bp param[E]
	if l.useBias {
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

// ScratchSize covers the float32 staging of input and output when the
// working precision is half; full precision computes in place.
func (l *FCLayer[E]) ScratchSize(n int) int {
	if quarry.SizeOf[E]() == 4 {
		return 0
	}
	return alignUp(4 * n * (l.cinAll + l.shape.Elems()))
}

func (l *FCLayer[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "FCLayer.Eval"
	if err := checkEval(op, l.ready, n, scratch, scratchSize, l.ScratchSize(n)); err != nil {
		return err
	}

	outAll := l.shape.Elems()
	in := quarry.Elems[E](input)[:n*l.cinAll]
	out := quarry.Elems[E](output)[:n*outAll]
	wdata := l.weights.data()
	var biasData []float32
	if l.useBias {
		biasData = l.bias.data()
	}
	act := l.act

	ctx.Queue().Submit(func() {
		var inF, outF []float32
		if quarry.SizeOf[E]() == 4 {
			inF = any(in).([]float32)
			outF = any(out).([]float32)
		} else {
			buf := scratch.Float32()
			inF = buf[:n*l.cinAll]
			outF = buf[n*l.cinAll : n*(l.cinAll+outAll)]
			quarry.WidenSlice(inF, in)
		}

		quarry.Sgemm(n, outAll, l.cinAll, 1, inF, l.cinAll, wdata, outAll, 0, outF, outAll)

		for i := 0; i < n; i++ {
			row := outF[i*outAll : (i+1)*outAll]
			for j := range row {
				v := row[j]
				if biasData != nil {
					v += biasData[j]
				}
				row[j] = act.apply(v)
			}
		}

		if quarry.SizeOf[E]() != 4 {
			quarry.NarrowSlice(out, outF)
		}
	})
	return nil
}

// Close releases the layer's device parameter buffers.
func (l *FCLayer[E]) Close() {
	if l.ready {
		l.weights.free()
		l.bias.free()
		l.ready = false
	}
}
