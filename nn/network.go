package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// NetworkConfig fixes a tower's architecture. All fields are required
// except SEChannels, which disables squeeze-excitation when zero.
type NetworkConfig struct {
	InputChannels int // planes per position fed to the input convolution
	Channels      int // residual tower width C
	Blocks        int // residual block count
	SEChannels    int // SE reduction width k, 0 for plain residual blocks

	BoardH, BoardW int

	PolicyChannels int // output channels of the second policy convolution
	PolicyOutputs  int // policy vector length after the index remap

	ValueChannels int // output channels of the value head convolution
	ValueFCSize   int // hidden width of the value head

	MaxBatch int
}

func (c NetworkConfig) validate() error {
	const op = "NetworkConfig"
	switch {
	case c.InputChannels < 1 || c.Channels < 1 || c.Blocks < 1:
		return quarry.NewInvalidArgError(op, "tower dimensions must be positive")
	case c.SEChannels < 0 || c.SEChannels >= c.Channels:
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("SE width %d must satisfy 0 <= k < C=%d", c.SEChannels, c.Channels))
	case c.BoardH < 1 || c.BoardW < 1:
		return quarry.NewInvalidArgError(op, "board dimensions must be positive")
	case c.PolicyChannels < 1 || c.PolicyOutputs < 1:
		return quarry.NewInvalidArgError(op, "policy head dimensions must be positive")
	case c.ValueChannels < 1 || c.ValueFCSize < 1:
		return quarry.NewInvalidArgError(op, "value head dimensions must be positive")
	case c.MaxBatch < 1:
		return quarry.NewInvalidArgError(op, "max batch must be positive")
	}
	return nil
}

// Network is a complete scoring tower: input convolution, residual blocks,
// a convolutional policy head ending in an index remap and softmax, and a
// value head ending in a tanh-bounded scalar. All activation and scratch
// buffers are allocated once at construction for the configured MaxBatch;
// Forward reuses them, so a Network must not be evaluated concurrently
// with itself.
type Network[E quarry.Elem] struct {
	ctx *quarry.Context
	cfg NetworkConfig

	input  *FusedWinogradConvSELayer[E]
	blocks []*ResidualBlock[E]

	pol1    *FusedWinogradConvSELayer[E]
	pol2    *FusedWinogradConvSELayer[E]
	polMap  *PolicyMapLayer[E]
	softmax *SoftmaxLayer[E]

	valConv *Conv1Layer[E]
	valFC1  *FCLayer[E]
	valFC2  *FCLayer[E]

	bufIn   *quarry.Buffer
	bufA    *quarry.Buffer // tower ping
	bufB    *quarry.Buffer // tower pong
	bufC    *quarry.Buffer // head staging
	scratch *quarry.Buffer

	loaded bool
}

// NewNetwork assembles the stage graph and allocates the shared activation
// and scratch buffers. Weights are loaded separately with LoadWeights.
func NewNetwork[E quarry.Elem](ctx *quarry.Context, cfg NetworkConfig) (*Network[E], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nw := &Network[E]{ctx: ctx, cfg: cfg}
	if err := nw.build(); err != nil {
		nw.Close()
		return nil, err
	}
	return nw, nil
}

func (nw *Network[E]) build() error {
	ctx, cfg := nw.ctx, nw.cfg
	var err error

	nw.input, err = NewFusedWinogradConvSE[E](ctx, nil,
		cfg.Channels, cfg.BoardH, cfg.BoardW, cfg.InputChannels, FuseBiasReLU, 0)
	if err != nil {
		return err
	}

	var prev Layer[E] = nw.input
	nw.blocks = make([]*ResidualBlock[E], cfg.Blocks)
	for i := range nw.blocks {
		nw.blocks[i], err = NewResidualBlock[E](ctx, prev, cfg.Channels, cfg.SEChannels,
			i == 0)
		if err != nil {
			return err
		}
		prev = nw.blocks[i]
	}

	nw.pol1, err = NewFusedWinogradConvSE[E](ctx, prev,
		cfg.Channels, 0, 0, 0, FuseBiasReLU, 0)
	if err != nil {
		return err
	}
	nw.pol2, err = NewFusedWinogradConvSE[E](ctx, nw.pol1,
		cfg.PolicyChannels, 0, 0, 0, FuseBias, 0)
	if err != nil {
		return err
	}
	nw.polMap, err = NewPolicyMapLayer[E](ctx, nw.pol2,
		cfg.PolicyOutputs, 1, 1, cfg.PolicyChannels*cfg.BoardH*cfg.BoardW)
	if err != nil {
		return err
	}
	nw.softmax, err = NewSoftmaxLayer[E](nw.polMap)
	if err != nil {
		return err
	}

	nw.valConv, err = NewConv1Layer[E](ctx, prev,
		cfg.ValueChannels, 0, 0, 0, FuseBiasReLU)
	if err != nil {
		return err
	}
	nw.valFC1, err = NewFCLayer[E](ctx, nw.valConv, cfg.ValueFCSize, 1, 1, ActReLU, true)
	if err != nil {
		return err
	}
	nw.valFC2, err = NewFCLayer[E](ctx, nw.valFC1, 1, 1, 1, ActTanh, true)
	if err != nil {
		return err
	}

	return nw.allocate()
}

// allocate sizes the shared buffers for the configured MaxBatch: the
// activation buffers to the largest stage output, the scratch workspace to
// the largest stage requirement.
func (nw *Network[E]) allocate() error {
	n := nw.cfg.MaxBatch
	layers := nw.layers()

	var act, scr int
	for _, l := range layers {
		if s := l.OutputSize(n); s > act {
			act = s
		}
		if s := l.ScratchSize(n); s > scr {
			scr = s
		}
	}

	inBytes := quarry.SizeOf[E]() * n * nw.cfg.InputChannels * nw.cfg.BoardH * nw.cfg.BoardW
	var err error
	if nw.bufIn, err = nw.ctx.NewBuffer(inBytes); err != nil {
		return err
	}
	if nw.bufA, err = nw.ctx.NewBuffer(act); err != nil {
		return err
	}
	if nw.bufB, err = nw.ctx.NewBuffer(act); err != nil {
		return err
	}
	if nw.bufC, err = nw.ctx.NewBuffer(act); err != nil {
		return err
	}
	nw.scratch, err = nw.ctx.NewBuffer(scr)
	return err
}

func (nw *Network[E]) layers() []Layer[E] {
	ls := []Layer[E]{nw.input}
	for _, b := range nw.blocks {
		ls = append(ls, b)
	}
	return append(ls, nw.pol1, nw.pol2, nw.polMap, nw.softmax, nw.valConv, nw.valFC1, nw.valFC2)
}

// LoadWeights uploads a complete set of host parameters. The block count
// and SE presence must match the configuration.
func (nw *Network[E]) LoadWeights(w *TowerWeights) error {
	const op = "Network.LoadWeights"
	if len(w.Blocks) != nw.cfg.Blocks {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("%d block weight sets for %d blocks", len(w.Blocks), nw.cfg.Blocks))
	}
	if err := nw.input.LoadWeights(w.Input.Filter, w.Input.Bias); err != nil {
		return err
	}
	for i, bw := range w.Blocks {
		b := nw.blocks[i]
		if err := b.LoadWeights0(bw.Conv1.Filter, bw.Conv1.Bias); err != nil {
			return err
		}
		if err := b.LoadWeights1(bw.Conv2.Filter, bw.Conv2.Bias); err != nil {
			return err
		}
		if nw.cfg.SEChannels > 0 {
			if bw.SE == nil {
				return quarry.NewInvalidArgError(op, fmt.Sprintf("block %d: missing SE weights", i))
			}
			if err := b.LoadSEWeights(bw.SE.W1, bw.SE.B1, bw.SE.W2, bw.SE.B2); err != nil {
				return err
			}
		}
	}
	if err := nw.pol1.LoadWeights(w.PolicyConv1.Filter, w.PolicyConv1.Bias); err != nil {
		return err
	}
	if err := nw.pol2.LoadWeights(w.PolicyConv2.Filter, w.PolicyConv2.Bias); err != nil {
		return err
	}
	if err := nw.polMap.LoadWeights(w.PolicyMap); err != nil {
		return err
	}
	if err := nw.valConv.LoadWeights(w.ValueConv.Filter, w.ValueConv.Bias); err != nil {
		return err
	}
	if err := nw.valFC1.LoadWeights(w.ValueFC1.Weight, w.ValueFC1.Bias); err != nil {
		return err
	}
	if err := nw.valFC2.LoadWeights(w.ValueFC2.Weight, w.ValueFC2.Bias); err != nil {
		return err
	}
	nw.loaded = true
	return nil
}

// Forward scores a batch of n positions. input holds n contiguous
// InputChannels x BoardH x BoardW planes; policy receives n x PolicyOutputs
// probabilities and value n scalars in [-1, 1]. All stages are issued on
// one queue and the host buffers are filled after a single synchronize, so
// the batch is atomic: on error no partial results are visible.
func (nw *Network[E]) Forward(n int, input, policy, value []float32) error {
	const op = "Network.Forward"
	cfg := nw.cfg
	if !nw.loaded {
		return quarry.NewNotReadyError(op)
	}
	if n < 1 || n > cfg.MaxBatch {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("batch size %d outside [1, %d]", n, cfg.MaxBatch))
	}
	inElems := n * cfg.InputChannels * cfg.BoardH * cfg.BoardW
	if len(input) != inElems {
		return quarry.NewShapeError(op,
			fmt.Sprintf("input length %d, want %d", len(input), inElems))
	}
	if len(policy) < n*cfg.PolicyOutputs {
		return quarry.NewShapeError(op,
			fmt.Sprintf("policy length %d, want %d", len(policy), n*cfg.PolicyOutputs))
	}
	if len(value) < n {
		return quarry.NewShapeError(op,
			fmt.Sprintf("value length %d, want %d", len(value), n))
	}

	in := nw.bufIn.Ptr()
	quarry.NarrowSlice(quarry.Elems[E](in)[:inElems], input)

	scratch := nw.scratch.Ptr()
	ss := scratch.Size()
	ctx := nw.ctx
	none := quarry.DevicePtr{}

	// Tower: ping-pong between A and B.
	cur, alt := nw.bufA.Ptr(), nw.bufB.Ptr()
	if err := nw.input.Eval(n, cur, in, none, scratch, ss, ctx); err != nil {
		return err
	}
	for _, b := range nw.blocks {
		if err := b.Eval(n, alt, cur, none, scratch, ss, ctx); err != nil {
			return err
		}
		cur, alt = alt, cur
	}
	tower, spare := cur, alt

	// Policy head. The tower output stays live for the value head, so the
	// head stages cycle through the spare and staging buffers only.
	stage := nw.bufC.Ptr()
	if err := nw.pol1.Eval(n, spare, tower, none, scratch, ss, ctx); err != nil {
		return err
	}
	if err := nw.pol2.Eval(n, stage, spare, none, scratch, ss, ctx); err != nil {
		return err
	}
	if err := nw.polMap.Eval(n, spare, stage, none, scratch, ss, ctx); err != nil {
		return err
	}
	if err := nw.softmax.Eval(n, stage, spare, none, scratch, ss, ctx); err != nil {
		return err
	}

	// Value head.
	if err := nw.valConv.Eval(n, spare, tower, none, scratch, ss, ctx); err != nil {
		return err
	}
	if err := nw.valFC1.Eval(n, tower, spare, none, scratch, ss, ctx); err != nil {
		return err
	}
	if err := nw.valFC2.Eval(n, spare, tower, none, scratch, ss, ctx); err != nil {
		return err
	}

	if err := ctx.Synchronize(); err != nil {
		return quarry.NewExecutionError(op, "queue drain", err)
	}

	quarry.WidenSlice(policy[:n*cfg.PolicyOutputs], quarry.Elems[E](stage)[:n*cfg.PolicyOutputs])
	quarry.WidenSlice(value[:n], quarry.Elems[E](spare)[:n])
	return nil
}

// ScratchSize reports the preallocated workspace in bytes.
func (nw *Network[E]) ScratchSize() int {
	if nw.scratch == nil {
		return 0
	}
	return nw.scratch.Ptr().Size()
}

// Close releases all layer parameters and shared buffers. Safe to call on
// a partially constructed network.
func (nw *Network[E]) Close() {
	if nw.input != nil {
		nw.input.Close()
	}
	for _, b := range nw.blocks {
		if b != nil {
			b.Close()
		}
	}
	if nw.pol1 != nil {
		nw.pol1.Close()
	}
	if nw.pol2 != nil {
		nw.pol2.Close()
	}
	if nw.polMap != nil {
		nw.polMap.Close()
	}
	if nw.softmax != nil {
		nw.softmax.Close()
	}
	if nw.valConv != nil {
		nw.valConv.Close()
	}
	if nw.valFC1 != nil {
		nw.valFC1.Close()
	}
	if nw.valFC2 != nil {
		nw.valFC2.Close()
	}
	for _, b := range []*quarry.Buffer{nw.bufIn, nw.bufA, nw.bufB, nw.bufC, nw.scratch} {
		b.Release()
	}
	nw.loaded = false
}
