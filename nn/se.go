package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// seParams holds the device parameters of a squeeze-excitation block. The
// fully-connected weights are stored transposed so the gating GEMMs run
// without a transpose flag; the transposition happens once at load time.
type seParams[E quarry.Elem] struct {
	w1t, b1 param[E] // reduction C -> k, stored [C][k]
	w2t, b2 param[E] // expansion k -> C, stored [k][C]
	bPrev   param[E] // optional deferred bias of the previous layer
	k       int
	hasPrev bool
}

// loadSEParams validates, transposes and uploads the four SE parameter
// sets plus the optional deferred previous-layer bias. On failure no
// device memory is retained.
func loadSEParams[E quarry.Elem](ctx *quarry.Context, op string, c, k int, w1, b1, w2, b2, prevBias []float32) (seParams[E], error) {
	switch {
	case len(w1) != k*c:
		return seParams[E]{}, quarry.NewInvalidArgError(op, fmt.Sprintf("w1 length %d, want %d", len(w1), k*c))
	case len(b1) != k:
		return seParams[E]{}, quarry.NewInvalidArgError(op, fmt.Sprintf("b1 length %d, want %d", len(b1), k))
	case len(w2) != c*k:
		return seParams[E]{}, quarry.NewInvalidArgError(op, fmt.Sprintf("w2 length %d, want %d", len(w2), c*k))
	case len(b2) != c:
		return seParams[E]{}, quarry.NewInvalidArgError(op, fmt.Sprintf("b2 length %d, want %d", len(b2), c))
	case prevBias != nil && len(prevBias) != c:
		return seParams[E]{}, quarry.NewInvalidArgError(op, fmt.Sprintf("prev bias length %d, want %d", len(prevBias), c))
	}

	w1t := make([]float32, c*k)
	transpose(w1t, w1, k, c)
	w2t := make([]float32, k*c)
	transpose(w2t, w2, c, k)

	var se seParams[E]
	se.k = k
	var err error
	ok := false
	defer func() {
		if !ok {
			se.free()
		}
	}()

	if se.w1t, err = loadParam[E](ctx, op, w1t); err != nil {
		return seParams[E]{}, err
	}
	if se.b1, err = loadParam[E](ctx, op, b1); err != nil {
		return seParams[E]{}, err
	}
	if se.w2t, err = loadParam[E](ctx, op, w2t); err != nil {
		return seParams[E]{}, err
	}
	if se.b2, err = loadParam[E](ctx, op, b2); err != nil {
		return seParams[E]{}, err
	}
	if prevBias != nil {
		if se.bPrev, err = loadParam[E](ctx, op, prevBias); err != nil {
			return seParams[E]{}, err
		}
		se.hasPrev = true
	}
	ok = true
	return se, nil
}

func (s *seParams[E]) free() {
	s.w1t.free()
	s.b1.free()
	s.w2t.free()
	s.b2.free()
	if s.hasPrev {
		s.bPrev.free()
		s.hasPrev = false
	}
}

// seGate computes the per-channel gate from the pooled channel vector:
// fc1 = ReLU(pooled*W1t + b1), gate = sigmoid(fc1*W2t + b2).
// pooled is n×c, fc1 n×k, gate n×c.
func seGate(pooled, fc1, gate []float32, n, c, k int, w1t, b1, w2t, b2 []float32) {
	quarry.Sgemm(n, k, c, 1, pooled, c, w1t, k, 0, fc1, k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			fc1[i*k+j] = quarry.ReLU(fc1[i*k+j] + b1[j])
		}
	}
	quarry.Sgemm(n, c, k, 1, fc1, k, w2t, c, 0, gate, c)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			gate[i*c+j] = quarry.Sigmoid(gate[i*c+j] + b2[j])
		}
	}
}

// SELayer is the standalone squeeze-excitation stage:
// (optional previous-layer bias add) -> global average pool -> FC1 with
// ReLU -> FC2 with sigmoid gate -> per-channel scale -> skip add -> ReLU.
// The same logic is fused inline by the Winograd stage; the standalone
// form exists for graphs that keep convolution and SE separate.
type SELayer[E quarry.Elem] struct {
	BaseLayer[E]
	ctx     *quarry.Context
	k       int
	addPrev bool

	se    seParams[E]
	ready bool
}

// NewSELayer constructs an SE stage over the predecessor's shape with
// reduction width k. When addPrevBias is set, LoadWeights expects the
// previous layer's deferred bias and the stage adds it before pooling.
func NewSELayer[E quarry.Elem](ctx *quarry.Context, prev Layer[E], k int, addPrevBias bool) (*SELayer[E], error) {
	const op = "NewSELayer"
	shape, err := inheritShape[E](prev, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if k <= 0 || k >= shape.C {
		return nil, quarry.NewShapeError(op,
			fmt.Sprintf("reduction width %d must satisfy 0 < k < C=%d", k, shape.C))
	}
	return &SELayer[E]{
		BaseLayer: BaseLayer[E]{shape: shape},
		ctx:       ctx,
		k:         k,
		addPrev:   addPrevBias,
	}, nil
}

// LoadWeights uploads the two weight/bias pairs and, when the stage was
// constructed with addPrevBias, the deferred bias of the previous layer.
func (l *SELayer[E]) LoadWeights(w1, b1, w2, b2, prevBias []float32) error {
	const op = "SELayer.LoadWeights"
	if l.addPrev && prevBias == nil {
		return quarry.NewInvalidArgError(op, "previous-layer bias required")
	}
	if !l.addPrev && prevBias != nil {
		return quarry.NewInvalidArgError(op, "unexpected previous-layer bias")
	}
	se, err := loadSEParams[E](l.ctx, op, l.shape.C, l.k, w1, b1, w2, b2, prevBias)
	if err != nil {
		return err
	}
	if l.ready {
		l.se.free()
	}
	l.se = se
	l.ready = true
	return nil
}

// ScratchSize covers the pooled, hidden and gate vectors.
func (l *SELayer[E]) ScratchSize(n int) int {
	return alignUp(4 * n * (2*l.shape.C + l.k))
}

// Eval reads the pre-SE tensor from input and the skip connection from
// input2, writing the gated result to output. Output must not alias input.
func (l *SELayer[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "SELayer.Eval"
	if err := checkEval(op, l.ready, n, scratch, scratchSize, l.ScratchSize(n)); err != nil {
		return err
	}
	if input2.IsNil() {
		return quarry.NewInvalidArgError(op, "skip connection required")
	}

	c, plane := l.shape.C, l.shape.H*l.shape.W
	in := quarry.Elems[E](input)[:n*c*plane]
	out := quarry.Elems[E](output)[:n*c*plane]
	skip := quarry.Elems[E](input2)[:n*c*plane]

	buf := scratch.Float32()
	pooled := buf[:n*c]
	fc1 := buf[n*c : n*c+n*l.k]
	gate := buf[n*c+n*l.k : n*c+n*l.k+n*c]

	var prev []float32
	if l.se.hasPrev {
		prev = l.se.bPrev.data()
	}

	total := n * c
	grid := quarry.Dim3{X: (total + quarry.DefaultBlockSize - 1) / quarry.DefaultBlockSize}
	block := quarry.Dim3{X: quarry.DefaultBlockSize}

	// Pass 1: optional deferred bias add, stage into output, pool.
	err := ctx.Launch(grid, block, func(tid quarry.ThreadID) {
		idx := tid.Global()
		if idx >= total {
			return
		}
		ch := idx % c
		var b float32
		if prev != nil {
			b = prev[ch]
		}
		base := idx * plane
		var sum float32
		for i := 0; i < plane; i++ {
			v := quarry.ToF32(in[base+i]) + b
			out[base+i] = quarry.FromF32[E](v)
			sum += v
		}
		pooled[idx] = sum / float32(plane)
	})
	if err != nil {
		return quarry.NewExecutionError(op, "pool", err)
	}

	se := l.se
	ctx.Queue().Submit(func() {
		seGate(pooled, fc1, gate, n, c, se.k, se.w1t.data(), se.b1.data(), se.w2t.data(), se.b2.data())
	})

	// Pass 2: scale, skip add, ReLU.
	err = ctx.Launch(grid, block, func(tid quarry.ThreadID) {
		idx := tid.Global()
		if idx >= total {
			return
		}
		g := gate[idx]
		base := idx * plane
		for i := 0; i < plane; i++ {
			v := g*quarry.ToF32(out[base+i]) + quarry.ToF32(skip[base+i])
			out[base+i] = quarry.FromF32[E](quarry.ReLU(v))
		}
	})
	if err != nil {
		return quarry.NewExecutionError(op, "scale", err)
	}
	return nil
}

// Close releases the layer's device parameter buffers.
func (l *SELayer[E]) Close() {
	if l.ready {
		l.se.free()
		l.ready = false
	}
}
