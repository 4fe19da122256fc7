package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// ResidualBlock composes two fused Winograd convolutions, with an optional
// squeeze-excitation between the second convolution and its skip add, into
// one reusable tower unit:
//
//	out = conv2(conv1(in)) [+ SE] + in, ReLU applied per the fusion chain
//
// Weight loading is staged and ordered: LoadWeights0 for the first
// convolution, LoadWeights1 for the second, then LoadSEWeights, whose
// shapes depend on the channel width the convolutions fixed. The first
// flag marks the tower's entry block, which alone may take an input
// channel width different from C; interior blocks must match.
type ResidualBlock[E quarry.Elem] struct {
	BaseLayer[E]
	cin   int
	hasSE bool
	seK   int
	first bool

	conv1, conv2 *FusedWinogradConvSELayer[E]

	loaded0, loaded1, loadedSE bool
}

// NewResidualBlock constructs a block with C channels over the
// predecessor's spatial extent. seK of zero disables the SE sub-stage.
func NewResidualBlock[E quarry.Elem](ctx *quarry.Context, prev Layer[E], c, seK int, first bool) (*ResidualBlock[E], error) {
	const op = "NewResidualBlock"
	shape, err := inheritShape[E](prev, c, 0, 0)
	if err != nil {
		return nil, err
	}
	cin := shape.C
	if prev != nil {
		cin = prev.Shape().C
	}
	if !first && cin != shape.C {
		return nil, quarry.NewShapeError(op,
			fmt.Sprintf("interior block input width %d != C=%d", cin, shape.C))
	}

	conv1, err := NewFusedWinogradConvSE[E](ctx, nil, shape.C, shape.H, shape.W, cin, FuseBiasReLU, 0)
	if err != nil {
		return nil, err
	}
	mode, k := FuseBiasSkipReLU, 0
	if seK > 0 {
		mode, k = FuseBiasSE, seK
	}
	conv2, err := NewFusedWinogradConvSE[E](ctx, nil, shape.C, shape.H, shape.W, shape.C, mode, k)
	if err != nil {
		conv1.Close()
		return nil, err
	}

	return &ResidualBlock[E]{
		BaseLayer: BaseLayer[E]{shape: shape},
		cin:       cin,
		hasSE:     seK > 0,
		seK:       seK,
		first:     first,
		conv1:     conv1,
		conv2:     conv2,
	}, nil
}

// LoadWeights0 loads the first convolution's filter and bias.
func (l *ResidualBlock[E]) LoadWeights0(filter, bias []float32) error {
	if err := l.conv1.LoadWeights(filter, bias); err != nil {
		return err
	}
	l.loaded0 = true
	return nil
}

// LoadWeights1 loads the second convolution's filter and bias.
func (l *ResidualBlock[E]) LoadWeights1(filter, bias []float32) error {
	if err := l.conv2.LoadWeights(filter, bias); err != nil {
		return err
	}
	l.loaded1 = true
	return nil
}

// LoadSEWeights loads the SE sub-stage. Both convolutions must have been
// loaded first: the SE shapes reference the channel width they fixed.
func (l *ResidualBlock[E]) LoadSEWeights(w1, b1, w2, b2 []float32) error {
	const op = "ResidualBlock.LoadSEWeights"
	if !l.hasSE {
		return quarry.NewInvalidArgError(op, "block has no SE sub-stage")
	}
	if !l.loaded0 || !l.loaded1 {
		return quarry.NewInvalidArgError(op, "convolution weights must be loaded first")
	}
	if err := l.conv2.LoadSEWeights(w1, b1, w2, b2); err != nil {
		return err
	}
	l.loadedSE = true
	return nil
}

// ScratchSize covers the intermediate activation between the two
// convolutions plus the larger of their own requirements.
func (l *ResidualBlock[E]) ScratchSize(n int) int {
	mid := alignUp(l.OutputSize(n))
	sub := l.conv1.ScratchSize(n)
	if s := l.conv2.ScratchSize(n); s > sub {
		sub = s
	}
	return mid + sub
}

// Eval runs conv1 into the scratch-resident intermediate, then conv2 with
// the block input as the skip connection. Output must not alias input.
func (l *ResidualBlock[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "ResidualBlock.Eval"
	ready := l.loaded0 && l.loaded1 && (!l.hasSE || l.loadedSE)
	if err := checkEval(op, ready, n, scratch, scratchSize, l.ScratchSize(n)); err != nil {
		return err
	}

	midBytes := alignUp(l.OutputSize(n))
	mid := scratch
	sub := scratch.Offset(midBytes)
	subSize := scratchSize - midBytes

	if err := l.conv1.Eval(n, mid, input, quarry.DevicePtr{}, sub, subSize, ctx); err != nil {
		return err
	}
	return l.conv2.Eval(n, output, mid, input, sub, subSize, ctx)
}

// Close releases both convolutions' device parameter buffers.
func (l *ResidualBlock[E]) Close() {
	l.conv1.Close()
	l.conv2.Close()
	l.loaded0, l.loaded1, l.loadedSE = false, false, false
}
