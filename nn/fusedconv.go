package nn

import (
	"fmt"

	"github.com/quarrylab/quarry"
)

// FusedWinogradConvSELayer is the primary compute stage: a 3x3 convolution
// evaluated in the Winograd domain, with bias add, skip add,
// squeeze-excitation and ReLU optionally fused into the inverse-transform
// pass. One evaluation issues three passes on the queue: input tile
// transform, 36 batched GEMMs against the load-time-transformed filters,
// and inverse transform plus epilogue. The result equals direct
// convolution followed by bias, skip add, SE and activation in that order,
// within the tolerance of the working precision.
type FusedWinogradConvSELayer[E quarry.Elem] struct {
	BaseLayer[E]
	ctx  *quarry.Context
	cin  int
	mode FuseMode
	seK  int

	weights param[E] // filters in the Winograd domain, [36][C][Cin]
	bias    param[E]
	se      seParams[E]

	ready   bool
	seReady bool
}

// NewFusedWinogradConvSE constructs the stage. Zero-valued c/h/w/cin are
// inherited from prev, which is not retained. A mode with SE requires a
// reduction width 0 < seK < C; other modes require seK == 0.
func NewFusedWinogradConvSE[E quarry.Elem](ctx *quarry.Context, prev Layer[E], c, h, w, cin int, mode FuseMode, seK int) (*FusedWinogradConvSELayer[E], error) {
	const op = "NewFusedWinogradConvSE"
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
	if !mode.valid() {
		return nil, quarry.NewShapeError(op, fmt.Sprintf("unsupported fuse mode %d", mode))
	}
	if mode.hasSE() {
		if seK <= 0 || seK >= shape.C {
			return nil, quarry.NewShapeError(op,
				fmt.Sprintf("SE reduction width %d must satisfy 0 < k < C=%d", seK, shape.C))
		}
	} else if seK != 0 {
		return nil, quarry.NewShapeError(op, "seK given without SE fusion")
	}
	return &FusedWinogradConvSELayer[E]{
		BaseLayer: BaseLayer[E]{shape: shape},
		ctx:       ctx,
		cin:       cin,
		mode:      mode,
		seK:       seK,
	}, nil
}

// LoadWeights transforms the raw [C][Cin][3][3] filter into the Winograd
// domain, quantizes to the working precision and uploads. Loading twice
// with identical host data produces identical device buffers.
func (l *FusedWinogradConvSELayer[E]) LoadWeights(filter, bias []float32) error {
	const op = "FusedWinogradConvSE.LoadWeights"
	c := l.shape.C
	if len(filter) != c*l.cin*winKernel*winKernel {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("filter length %d, want %d", len(filter), c*l.cin*9))
	}
	if l.mode.hasBias() && len(bias) != c {
		return quarry.NewInvalidArgError(op,
			fmt.Sprintf("bias length %d, want %d", len(bias), c))
	}

	transformed := make([]float32, winSpots*c*l.cin)
	winFilterTransform(transformed, filter, c, l.cin)

	wp, err := loadParam[E](l.ctx, op, transformed)
	if err != nil {
		return err
	}
	var bp param[E]
	if l.mode.hasBias() {
		bp, err = loadParam[E](l.ctx, op, bias)
		if err != nil {
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

// LoadSEWeights uploads the squeeze-excitation parameters. Valid only for
// an SE fuse mode.
func (l *FusedWinogradConvSELayer[E]) LoadSEWeights(w1, b1, w2, b2 []float32) error {
	const op = "FusedWinogradConvSE.LoadSEWeights"
	if !l.mode.hasSE() {
		return quarry.NewInvalidArgError(op, "layer has no SE fusion")
	}
	se, err := loadSEParams[E](l.ctx, op, l.shape.C, l.seK, w1, b1, w2, b2, nil)
	if err != nil {
		return err
	}
	if l.seReady {
		l.se.free()
	}
	l.se = se
	l.seReady = true
	return nil
}

// ScratchSize returns the workspace requirement in bytes for a batch of n:
// the Winograd-domain input and product tensors, plus the SE pooling and
// gating vectors when fused.
func (l *FusedWinogradConvSELayer[E]) ScratchSize(n int) int {
	th, tw := winTiles(l.shape.H, l.shape.W)
	nt := n * th * tw
	floats := winSpots * (l.cin + l.shape.C) * nt
	if l.mode.hasSE() {
		floats += n * (2*l.shape.C + l.seK)
	}
	return alignUp(4 * floats)
}

func (l *FusedWinogradConvSELayer[E]) Eval(n int, output, input, input2, scratch quarry.DevicePtr, scratchSize int, ctx *quarry.Context) error {
	const op = "FusedWinogradConvSE.Eval"
	ready := l.ready && (!l.mode.hasSE() || l.seReady)
	if err := checkEval(op, ready, n, scratch, scratchSize, l.ScratchSize(n)); err != nil {
		return err
	}
	if l.mode.hasSkip() && input2.IsNil() {
		return quarry.NewInvalidArgError(op, "skip fusion requires a second input")
	}

	c, h, w := l.shape.C, l.shape.H, l.shape.W
	cin := l.cin
	th, tw := winTiles(h, w)
	tiles := th * tw
	nt := n * tiles

	buf := scratch.Float32()
	domIn := buf[:winSpots*cin*nt]
	domOut := buf[winSpots*cin*nt : winSpots*(cin+c)*nt]

	in := quarry.Elems[E](input)[:n*cin*h*w]
	out := quarry.Elems[E](output)[:n*c*h*w]
	var skip []E
	if l.mode.hasSkip() {
		skip = quarry.Elems[E](input2)[:n*c*h*w]
	}

	// Pass 1: scatter input tiles into the Winograd domain. Each pass binds
	// its own bounds variable; the queue may still be draining an earlier
	// pass when a later one is built, so nothing a queued closure captures
	// may be reassigned.
	totalIn := n * cin * tiles
	gridIn := quarry.Dim3{X: (totalIn + quarry.DefaultBlockSize - 1) / quarry.DefaultBlockSize}
	block := quarry.Dim3{X: quarry.DefaultBlockSize}
	err := ctx.Launch(gridIn, block, func(tid quarry.ThreadID) {
		idx := tid.Global()
		if idx >= totalIn {
			return
		}
		img := idx / (cin * tiles)
		rem := idx % (cin * tiles)
		ch := rem / tiles
		t := rem % tiles
		ty, tx := t/tw, t%tw

		var d, v [6][6]float32
		base := (img*cin + ch) * h * w
		for i := 0; i < winAlpha; i++ {
			y := ty*winTile - 1 + i
			if y < 0 || y >= h {
				continue
			}
			for j := 0; j < winAlpha; j++ {
				x := tx*winTile - 1 + j
				if x >= 0 && x < w {
					d[i][j] = quarry.ToF32(in[base+y*w+x])
				}
			}
		}
		winInputTile(&d, &v)
		col := img*tiles + t
		for i := 0; i < winSpots; i++ {
			domIn[i*cin*nt+ch*nt+col] = v[i/winAlpha][i%winAlpha]
		}
	})
	if err != nil {
		return quarry.NewExecutionError(op, "input transform", err)
	}

	// Pass 2: one GEMM per Winograd spot, batched.
	wdata := l.weights.data()
	ctx.Queue().Submit(func() {
		quarry.SgemmStridedBatched(c, nt, cin, 1,
			wdata, cin, c*cin,
			domIn, nt, cin*nt,
			0,
			domOut, nt, c*nt,
			winSpots)
	})

	// Pass 3: inverse transform fused with the epilogue.
	var biasData []float32
	if l.mode.hasBias() {
		biasData = l.bias.data()
	}

	if !l.mode.hasSE() {
		mode := l.mode
		totalOut := n * c * tiles
		gridOut := quarry.Dim3{X: (totalOut + quarry.DefaultBlockSize - 1) / quarry.DefaultBlockSize}
		err = ctx.Launch(gridOut, block, func(tid quarry.ThreadID) {
			idx := tid.Global()
			if idx >= totalOut {
				return
			}
			img := idx / (c * tiles)
			rem := idx % (c * tiles)
			ch := rem / tiles
			t := rem % tiles
			l.inverseTile(domOut, out, skip, biasData, img, ch, t, tiles, tw, nt, mode)
		})
		if err != nil {
			return quarry.NewExecutionError(op, "output transform", err)
		}
		return nil
	}

	// SE epilogue: the inverse transform also pools each channel, then the
	// gate is computed from the pooled vector and applied together with the
	// skip add and ReLU.
	seOff := winSpots * (cin + c) * nt
	pooled := buf[seOff : seOff+n*c]
	fc1 := buf[seOff+n*c : seOff+n*c+n*l.seK]
	gate := buf[seOff+n*c+n*l.seK : seOff+n*c+n*l.seK+n*c]

	totalSE := n * c
	gridSE := quarry.Dim3{X: (totalSE + quarry.DefaultBlockSize - 1) / quarry.DefaultBlockSize}
	err = ctx.Launch(gridSE, block, func(tid quarry.ThreadID) {
		idx := tid.Global()
		if idx >= totalSE {
			return
		}
		img, ch := idx/c, idx%c
		var sum float32
		for t := 0; t < tiles; t++ {
			sum += l.inverseTile(domOut, out, nil, biasData, img, ch, t, tiles, tw, nt, FuseBias)
		}
		pooled[idx] = sum / float32(h*w)
	})
	if err != nil {
		return quarry.NewExecutionError(op, "output transform", err)
	}

	se := l.se
	ctx.Queue().Submit(func() {
		seGate(pooled, fc1, gate, n, c, se.k, se.w1t.data(), se.b1.data(), se.w2t.data(), se.b2.data())
	})

	plane := h * w
	err = ctx.Launch(gridSE, block, func(tid quarry.ThreadID) {
		idx := tid.Global()
		if idx >= totalSE {
			return
		}
		img, ch := idx/c, idx%c
		g := gate[idx]
		base := (img*c + ch) * plane
		for i := 0; i < plane; i++ {
			val := g * quarry.ToF32(out[base+i])
			val += quarry.ToF32(skip[base+i])
			out[base+i] = quarry.FromF32[E](quarry.ReLU(val))
		}
	})
	if err != nil {
		return quarry.NewExecutionError(op, "SE scale", err)
	}
	return nil
}

// inverseTile maps one Winograd-domain tile back to the spatial domain and
// applies the per-element part of the epilogue. It returns the tile's
// contribution to the channel sum, which the SE path pools.
func (l *FusedWinogradConvSELayer[E]) inverseTile(domOut []float32, out, skip []E, biasData []float32, img, ch, t, tiles, tw, nt int, mode FuseMode) float32 {
	c, h, w := l.shape.C, l.shape.H, l.shape.W
	ty, tx := t/tw, t%tw
	col := img*tiles + t

	var m [6][6]float32
	var y [4][4]float32
	for i := 0; i < winSpots; i++ {
		m[i/winAlpha][i%winAlpha] = domOut[i*c*nt+ch*nt+col]
	}
	winOutputTile(&m, &y)

	var b float32
	if biasData != nil {
		b = biasData[ch]
	}
	base := (img*c + ch) * h * w
	var sum float32
	for i := 0; i < winTile; i++ {
		oy := ty*winTile + i
		if oy >= h {
			break
		}
		for j := 0; j < winTile; j++ {
			ox := tx*winTile + j
			if ox >= w {
				break
			}
			val := y[i][j] + b
			if mode.hasSkip() && skip != nil {
				val += quarry.ToF32(skip[base+oy*w+ox])
			}
			if mode.hasReLU() {
				val = quarry.ReLU(val)
			}
			out[base+oy*w+ox] = quarry.FromF32[E](val)
			sum += val
		}
	}
	return sum
}

// Close releases the layer's device parameter buffers. The layer cannot be
// evaluated afterwards.
func (l *FusedWinogradConvSELayer[E]) Close() {
	if l.ready {
		l.weights.free()
		l.bias.free()
		l.ready = false
	}
	if l.seReady {
		l.se.free()
		l.seReady = false
	}
}
