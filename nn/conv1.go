package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// Conv1Layer is the pointwise (1x1) convolution stage. A 1x1 convolution
// is a per-pixel dense transform, so it runs as one batched GEMM per image
// instead of taking the general convolution path: out[i] = W * in[i] with
// W of shape C×Cin and in[i] of shape Cin×(H*W).
type Conv1Layer[E quarry.Elem] struct {
	BaseLayer[E]
	ctx  *quarry.Context
	cin  int
	mode FuseMode

	weights param[E] // [C][Cin]
	bias    param[E]
	ready   bool
}

// NewConv1Layer constructs a pointwise stage with c output channels over
// the predecessor's spatial extent. Only bias and ReLU fusions apply.
func NewConv1Layer[E quarry.Elem](ctx *quarry.Context, prev Layer[E], c, h, w, cin int, mode FuseMode) (*Conv1Layer[E], error) {
	const op = "NewConv1Layer"
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
	if mode != FuseNone && mode != FuseBias && mode != FuseBiasReLU {
		return nil, quarry.NewShapeError(op, fmt.Sprintf("unsupported fuse mode %d for 1x1 convolution", mode))
	}
	return &Conv1Layer[E]{
		BaseLayer: BaseLayer[E]{shape: shape},
		ctx:       ctx,
		cin:       cin,
		mode:      mode,
	}, nil
}

// LoadWeights uploads the [C][Cin][1][1] filter and optional bias.
func (l *Conv1Layer[E]) LoadWeights(filter, bias []float32) error {
	const op = "Conv1Layer.LoadWeights"
	c := l.shape.C
	if len(filter) != c*l.cin {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("filter length %d, want %d", len(filter), c*l.cin))
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

// ScratchSize covers float32 staging of one batch's input and output.
func (l *Conv1Layer[E]) ScratchSize(n int) int {
	plane := l.shape.H * l.shape.W
	return alignUp(4 * n * plane * (l.cin + l.shape.C))
}

func (l *Conv1Layer[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "Conv1Layer.Eval"
	if err := checkEval(op, l.ready, n, scratch, scratchSize, l.ScratchSize(n)); err != nil {
		return err
	}

	c, plane := l.shape.C, l.shape.H*l.shape.W
	in := quarry.Elems[E](input)[:n*l.cin*plane]
	out := quarry.Elems[E](output)[:n*c*plane]
	wdata := l.weights.data()
	var biasData []float32
	if l.mode.hasBias() {
		biasData = l.bias.data()
	}
	mode := l.mode
	cin := l.cin

	buf := scratch.Float32()
	inF := buf[:n*cin*plane]
	outF := buf[n*cin*plane : n*(cin+c)*plane]

	ctx.Queue().Submit(func() {
		quarry.WidenSlice(inF, in)
		// Same W for every image: stride zero on the A operand.
		quarry.SgemmStridedBatched(c, plane, cin, 1,
			wdata, cin, 0,
			inF, plane, cin*plane,
			0,
			outF, plane, c*plane,
			n)
	})

	total := n * c
	grid := quarry.Dim3{X: (total + quarry.DefaultBlockSize - 1) / quarry.DefaultBlockSize}
	block := quarry.Dim3{X: quarry.DefaultBlockSize}
	err := ctx.Launch(grid, block, func(tid quarry.ThreadID) {
		idx := tid.Global()
		if idx >= total {
			return
		}
		ch := idx % c
		var b float32
		if biasData != nil {
			b = biasData[ch]
		}
		base := idx * plane
		for i := 0; i < plane; i++ {
			v := outF[base+i] + b
			if mode.hasReLU() {
				v = quarry.ReLU(v)
			}
			out[base+i] = quarry.FromF32[E](v)
		}
	})
	if err != nil {
		return quarry.NewExecutionError(op, "bias epilogue", err)
	}
	return nil
}

// Close releases the layer's device parameter buffers.
func (l *Conv1Layer[E]) Close() {
	if l.ready {
		l.weights.free()
		l.bias.free()
		l.ready = false
	}
}
