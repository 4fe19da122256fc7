// Package nn implements the layer stack of a residual convolutional network
// with squeeze-excitation, evaluated as a sequence of fused kernels on a
// quarry compute queue. Layers hold device memory for parameters only;
// activation tensors and the scratch workspace are owned by the caller and
// passed into every evaluation.
package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// Shape is the output tensor geometry of a layer, fixed at construction.
type Shape struct {
	C, H, W int
}

// Elems returns the number of elements per batch entry.
func (s Shape) Elems() int {
	return s.C * s.H * s.W
}

// Layout selects the element ordering of a tensor.
type Layout int

const (
	// NCHW is channel-first, the compute layout of every kernel here.
	NCHW Layout = iota
	// NHWC is channel-last, accepted at ingestion boundaries only.
	NHWC
)

// Activation selects the nonlinearity fused into a stage's epilogue.
type Activation int

const (
	ActNone Activation = iota
	ActReLU
	ActTanh
	ActSigmoid
)

func (a Activation) apply(x float32) float32 {
	switch a {
	case ActReLU:
		return quarry.ReLU(x)
	case ActTanh:
		return quarry.Tanh(x)
	case ActSigmoid:
		return quarry.Sigmoid(x)
	default:
		return x
	}
}

// FuseMode enumerates the supported epilogue fusions of a convolution
// stage. The set is closed and validated once at construction instead of
// being assembled from independent booleans at evaluation time.
type FuseMode int

const (
	// FuseNone: plain convolution.
	FuseNone FuseMode = iota
	// FuseBias: convolution + bias.
	FuseBias
	// FuseBiasReLU: convolution + bias + ReLU.
	FuseBiasReLU
	// FuseBiasSkipReLU: convolution + bias + skip add + ReLU.
	FuseBiasSkipReLU
	// FuseBiasSE: convolution + bias + squeeze-excitation, which itself
	// ends with the skip add and ReLU.
	FuseBiasSE
)

func (m FuseMode) String() string {
	switch m {
	case FuseNone:
		return "none"
	case FuseBias:
		return "bias"
	case FuseBiasReLU:
		return "bias+relu"
	case FuseBiasSkipReLU:
		return "bias+skip+relu"
	case FuseBiasSE:
		return "bias+se"
	default:
		return "invalid"
	}
}

func (m FuseMode) valid() bool {
	return m >= FuseNone && m <= FuseBiasSE
}

func (m FuseMode) hasBias() bool {
	return m != FuseNone
}

func (m FuseMode) hasReLU() bool {
	return m == FuseBiasReLU || m == FuseBiasSkipReLU || m == FuseBiasSE
}

func (m FuseMode) hasSkip() bool {
	return m == FuseBiasSkipReLU || m == FuseBiasSE
}

func (m FuseMode) hasSE() bool {
	return m == FuseBiasSE
}

// Layer is the single evaluation contract every stage implements.
//
// Eval writes exactly OutputSize(n) bytes to output. input2 optionally
// carries a skip-connection tensor; stages without a skip fusion ignore it.
// Scratch is the caller-owned workspace, sized to at least ScratchSize(n);
// stages never allocate or retain activation memory. Evaluation is
// deterministic given (parameters, input) and is forbidden before the
// layer's parameters are loaded.
type Layer[E quarry.Elem] interface {
	Shape() Shape
	OutputSize(n int) int
	ScratchSize(n int) int
	Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error
	Close()
}

// BaseLayer carries the shape and layout every stage shares. The
// predecessor layer is consulted only inside constructors to inherit its
// shape; no reference to it is retained afterward.
type BaseLayer[E quarry.Elem] struct {
	shape  Shape
	layout Layout
}

// Shape returns the output geometry.
func (b *BaseLayer[E]) Shape() Shape {
	return b.shape
}

// Layout returns the element ordering of the output tensor.
func (b *BaseLayer[E]) Layout() Layout {
	return b.layout
}

// OutputSize returns the exact byte size of the output tensor for a batch
// of n: elemSize × n × C × H × W.
func (b *BaseLayer[E]) OutputSize(n int) int {
	return quarry.SizeOf[E]() * n * b.shape.Elems()
}

// inheritShape resolves the constructor-time shape: explicit dims win, zero
// dims fall back to the predecessor.
func inheritShape[E quarry.Elem](prev Layer[E], c, h, w int) (Shape, error) {
	s := Shape{C: c, H: h, W: w}
	if prev != nil {
		ps := prev.Shape()
		if s.C == 0 {
			s.C = ps.C
		}
		if s.H == 0 {
			s.H = ps.H
		}
		if s.W == 0 {
			s.W = ps.W
		}
	}
	if s.C <= 0 || s.H <= 0 || s.W <= 0 {
		return Shape{}, quarry.NewShapeError("inheritShape",
			fmt.Sprintf("unresolved output shape %dx%dx%d", s.C, s.H, s.W))
	}
	return s, nil
}

// checkEval validates the common evaluation preconditions.
func checkEval(op string, ready bool, n int, scratch quarry.DevicePtr, scratchSize, need int) error {
	if !ready {
		return quarry.NewNotReadyError(op)
	}
	if n < 1 {
		return quarry.NewInvalidArgError(op, fmt.Sprintf("batch size %d", n))
	}
	if need > 0 && (scratchSize < need || scratch.Size() < need) {
		return quarry.ErrScratchTooSmall
	}
	return nil
}

// alignUp rounds n up to the pool alignment, used when carving sub-regions
// out of the shared scratch workspace.
func alignUp(n int) int {
	return (n + quarry.MemoryAlignment - 1) &^ (quarry.MemoryAlignment - 1)
}
