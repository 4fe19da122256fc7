package nn

import (
	"github.com/quarrylab/quarry"
)

// SoftmaxLayer normalizes each batch row of the predecessor's output into
// a probability distribution. The per-row maximum is subtracted before
// exponentiating, so the stage cannot overflow for any input the heads
// produce.
type SoftmaxLayer[E quarry.Elem] struct {
	BaseLayer[E]
}

// NewSoftmaxLayer constructs a softmax over the predecessor's shape.
func NewSoftmaxLayer[E quarry.Elem](prev Layer[E]) (*SoftmaxLayer[E], error) {
	shape, err := inheritShape[E](prev, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &SoftmaxLayer[E]{BaseLayer: BaseLayer[E]{shape: shape}}, nil
}

// ScratchSize is zero: each row is reduced in thread-local state.
func (l *SoftmaxLayer[E]) ScratchSize(int) int {
	return 0
}

func (l *SoftmaxLayer[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "SoftmaxLayer.Eval"
	if err := checkEval(op, true, n, scratch, scratchSize, 0); err != nil {
		return err
	}

	row := l.shape.Elems()
	in := quarry.Elems[E](input)[:n*row]
	out := quarry.Elems[E](output)[:n*row]

	grid := quarry.Dim3{X: n}
	block := quarry.Dim3{X: 1}
	err := ctx.Launch(grid, block, func(tid quarry.ThreadID) {
		img := tid.Global()
		if img >= n {
			return
		}
		base := img * row

		max := quarry.ToF32(in[base])
		for i := 1; i < row; i++ {
			if v := quarry.ToF32(in[base+i]); v > max {
				max = v
			}
		}

		var sum float32
		for i := 0; i < row; i++ {
			e := quarry.Exp(quarry.ToF32(in[base+i]) - max)
			out[base+i] = quarry.FromF32[E](e)
			sum += e
		}

		inv := 1 / sum
		for i := 0; i < row; i++ {
			out[base+i] = quarry.FromF32[E](quarry.ToF32(out[base+i]) * inv)
		}
	})
	if err != nil {
		return quarry.NewExecutionError(op, "softmax", err)
	}
	return nil
}

// Close is a no-op: the stage has no parameters.
func (l *SoftmaxLayer[E]) Close() {}
