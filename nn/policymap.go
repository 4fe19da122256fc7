package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/quarrylab/quarry"
)

// PolicyMapLayer reorders the raw policy-head tensor, which may be padded
// for alignment, into the move-probability index space the search expects.
// The index table is fixed at load time and read-only afterwards: entry i
// holds the destination move index of raw position i, or a negative
// sentinel when the position is padding. Entries at or beyond the used
// size are never read.
type PolicyMapLayer[E quarry.Elem] struct {
	BaseLayer[E]
	ctx      *quarry.Context
	inElems  int
	usedSize int

	table *quarry.Buffer // int16 destinations
	ready bool
}

// NewPolicyMapLayer constructs the remap stage producing c*h*w move
// probabilities. usedSize is the raw input prefix that carries real moves.
func NewPolicyMapLayer[E quarry.Elem](ctx *quarry.Context, prev Layer[E], c, h, w, usedSize int) (*PolicyMapLayer[E], error) {
	const op = "NewPolicyMapLayer"
	if prev == nil {
		return nil, quarry.NewShapeError(op, "predecessor required for raw input size")
	}
	shape, err := inheritShape[E](prev, c, h, w)
	if err != nil {
		return nil, err
	}
	inElems := prev.Shape().Elems()
	if usedSize <= 0 || usedSize > inElems {
		return nil, quarry.NewShapeError(op,
			fmt.Sprintf("used size %d out of range for %d raw inputs", usedSize, inElems))
	}
	return &PolicyMapLayer[E]{
		BaseLayer: BaseLayer[E]{shape: shape},
		ctx:       ctx,
		inElems:   inElems,
		usedSize:  usedSize,
	}, nil
}

// LoadWeights validates and uploads the index table. Each destination
// referenced by the used prefix must be unique and inside the output
// space; table entries beyond the used size are padding and are ignored.
func (l *PolicyMapLayer[E]) LoadWeights(table []int16) error {
	const op = "PolicyMapLayer.LoadWeights"
	if len(table) < l.usedSize {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("table length %d shorter than used size %d", len(table), l.usedSize))
	}
	outElems := l.shape.Elems()
	seen := make(map[int16]bool, l.usedSize)
	for i := 0; i < l.usedSize; i++ {
		dst := table[i]
		if dst < 0 {
			continue // padding sentinel
		}
		if int(dst) >= outElems {
			return quarry.NewInvalidArgError(op,
				fmt.Sprintf("entry %d maps to %d, beyond %d outputs", i, dst, outElems))
		}
		if seen[dst] {
			return quarry.NewInvalidArgError(op,
				fmt.Sprintf("destination %d mapped twice", dst))
		}
		seen[dst] = true
	}

	buf, err := l.ctx.NewBuffer(l.usedSize * 2)
	if err != nil {
		return errors.Wrap(err, op)
	}
	copy(buf.Ptr().Int16(), table[:l.usedSize])

	if l.ready {
		l.table.Release()
	}
	l.table = buf
	l.ready = true
	return nil
}

// ScratchSize is zero: the remap is a pure scatter.
func (l *PolicyMapLayer[E]) ScratchSize(int) int {
	return 0
}

func (l *PolicyMapLayer[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "PolicyMapLayer.Eval"
	if err := checkEval(op, l.ready, n, scratch, scratchSize, 0); err != nil {
		return err
	}

	outElems := l.shape.Elems()
	in := quarry.Elems[E](input)[:n*l.inElems]
	out := quarry.Elems[E](output)[:n*outElems]
	table := l.table.Ptr().Int16()
	used := l.usedSize
	inElems := l.inElems

	zero := quarry.FromF32[E](0)
	total := n * used
	grid := quarry.Dim3{X: (total + quarry.DefaultBlockSize - 1) / quarry.DefaultBlockSize}
	block := quarry.Dim3{X: quarry.DefaultBlockSize}

	// Destinations not covered by the table stay at zero probability.
	err := ctx.Launch(quarry.Dim3{X: (n*outElems + quarry.DefaultBlockSize - 1) / quarry.DefaultBlockSize}, block,
		func(tid quarry.ThreadID) {
			idx := tid.Global()
			if idx < n*outElems {
				out[idx] = zero
			}
		})
	if err != nil {
		return quarry.NewExecutionError(op, "clear", err)
	}

	err = ctx.Launch(grid, block, func(tid quarry.ThreadID) {
		idx := tid.Global()
		if idx >= total {
			return
		}
		img, i := idx/used, idx%used
		dst := table[i]
		if dst < 0 {
			return
		}
		out[img*outElems+int(dst)] = in[img*inElems+i]
	})
	if err != nil {
		return quarry.NewExecutionError(op, "scatter", err)
	}
	return nil
}

// Close releases the index table.
func (l *PolicyMapLayer[E]) Close() {
	if l.ready {
		l.table.Release()
		l.ready = false
	}
}
