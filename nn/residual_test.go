package nn

import (
	"math/rand"
	"testing"

	"github.com/quarrylab/quarry"
)

func testResidualBlock[E quarry.Elem](t *testing.T, seK int) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(101))
	const n, c, h, w = 2, 8, 8, 8

	block, err := NewResidualBlock[E](ctx, shapeStubE[E](c, h, w), c, seK, false)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer block.Close()

	f1 := randVec(rng, c*c*9, 0.15)
	b1 := randVec(rng, c, 0.1)
	f2 := randVec(rng, c*c*9, 0.15)
	b2 := randVec(rng, c, 0.1)
	if err := block.LoadWeights0(f1, b1); err != nil {
		t.Fatalf("LoadWeights0 failed: %v", err)
	}
	if err := block.LoadWeights1(f2, b2); err != nil {
		t.Fatalf("LoadWeights1 failed: %v", err)
	}

	var sw1, sb1, sw2, sb2 []float32
	if seK > 0 {
		sw1 = randVec(rng, seK*c, 0.3)
		sb1 = randVec(rng, seK, 0.1)
		sw2 = randVec(rng, c*seK, 0.3)
		sb2 = randVec(rng, c, 0.1)
		if err := block.LoadSEWeights(sw1, sb1, sw2, sb2); err != nil {
			t.Fatalf("LoadSEWeights failed: %v", err)
		}
	}

	plane := h * w
	inHost := randVec(rng, n*c*plane, 0.5)
	in := toDevice[E](t, ctx, inHost)
	out := devAlloc[E](t, ctx, n*c*plane)
	scratch, ss := scratchFor[E](t, ctx, block, n)

	if err := block.Eval(n, out, in, quarry.DevicePtr{}, scratch, ss, ctx); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	ctx.Synchronize()

	// Unfused reference: conv1 with ReLU, then conv2 closed by skip add
	// and ReLU, with SE in between when configured.
	qin := quantize[E](inHost)
	mid := refConv(qin, f1, b1, nil, n, c, c, h, w, 3, true)
	var want []float32
	if seK > 0 {
		pre := refConv(quantize[E](mid), f2, b2, nil, n, c, c, h, w, 3, false)
		want = refSE(pre, qin, n, c, h, w, seK, sw1, sb1, sw2, sb2)
	} else {
		want = refConv(quantize[E](mid), f2, b2, qin, n, c, c, h, w, 3, true)
	}

	got := fromDevice[E](out, n*c*plane)
	tol := convTol[E]()
	if quarry.SizeOf[E]() == 4 {
		// Two chained convolutions double the rearrangement error.
		tol.AbsTol, tol.RelTol = 5e-4, 5e-4
	}
	if r := quarry.VerifyFloat32Array(want, got, tol); !r.OK() {
		t.Errorf("residual block diverged from reference: %v", r)
	}
}

func TestResidualBlock(t *testing.T) {
	t.Run("plain", func(t *testing.T) { testResidualBlock[float32](t, 0) })
	t.Run("plain half", func(t *testing.T) { testResidualBlock[quarry.Half](t, 0) })
	t.Run("se", func(t *testing.T) { testResidualBlock[float32](t, 4) })
	t.Run("se half", func(t *testing.T) { testResidualBlock[quarry.Half](t, 4) })
}

// A pinned end-to-end output for the staged-load path, independent of the
// reference helpers. Zero filters leave only the bias terms, and the SE
// parameters are dyadic values chosen so every intermediate is exact in
// float32: mid = relu(0+0.5), pre = 0+1, pooled = 1, fc1 = relu(0.125*8) = 1,
// gate = sigmoid(0.25*4-1) = sigmoid(0) = 0.5, out = relu(0.5*1+0.25) = 0.75.
func TestResidualBlockGoldenOutput(t *testing.T) {
	const n, c, h, w, k = 1, 8, 8, 8, 4
	const want = 0.75

	fill := func(size int, v float32) []float32 {
		s := make([]float32, size)
		for i := range s {
			s[i] = v
		}
		return s
	}

	ctx := newTestContext(t)
	block, err := NewResidualBlock[float32](ctx, shapeStubE[float32](c, h, w), c, k, false)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer block.Close()

	if err := block.LoadWeights0(fill(c*c*9, 0), fill(c, 0.5)); err != nil {
		t.Fatalf("LoadWeights0 failed: %v", err)
	}
	if err := block.LoadWeights1(fill(c*c*9, 0), fill(c, 1)); err != nil {
		t.Fatalf("LoadWeights1 failed: %v", err)
	}
	if err := block.LoadSEWeights(fill(k*c, 0.125), fill(k, 0), fill(c*k, 0.25), fill(c, -1)); err != nil {
		t.Fatalf("LoadSEWeights failed: %v", err)
	}

	in := toDevice[float32](t, ctx, fill(n*c*h*w, 0.25))
	out := devAlloc[float32](t, ctx, n*c*h*w)
	scratch, ss := scratchFor[float32](t, ctx, block, n)

	if err := block.Eval(n, out, in, quarry.DevicePtr{}, scratch, ss, ctx); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	ctx.Synchronize()

	got := fromDevice[float32](out, n*c*h*w)
	for i, v := range got {
		if v != want {
			t.Fatalf("output[%d] = %v, want exactly %v", i, v, want)
		}
	}
}

func TestResidualBlockLoadOrder(t *testing.T) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(103))
	const c, k = 8, 4

	block, err := NewResidualBlock[float32](ctx, shapeStubE[float32](c, 8, 8), c, k, false)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer block.Close()

	sw1 := randVec(rng, k*c, 0.3)
	sb1 := randVec(rng, k, 0.1)
	sw2 := randVec(rng, c*k, 0.3)
	sb2 := randVec(rng, c, 0.1)

	// SE load before the convolutions is rejected.
	if err := block.LoadSEWeights(sw1, sb1, sw2, sb2); err == nil {
		t.Error("SE load before convolutions accepted")
	}

	f := randVec(rng, c*c*9, 0.1)
	b := randVec(rng, c, 0.1)
	if err := block.LoadWeights0(f, b); err != nil {
		t.Fatalf("LoadWeights0 failed: %v", err)
	}
	if err := block.LoadSEWeights(sw1, sb1, sw2, sb2); err == nil {
		t.Error("SE load before second convolution accepted")
	}
	if err := block.LoadWeights1(f, b); err != nil {
		t.Fatalf("LoadWeights1 failed: %v", err)
	}
	if err := block.LoadSEWeights(sw1, sb1, sw2, sb2); err != nil {
		t.Errorf("ordered SE load rejected: %v", err)
	}
}

func TestResidualBlockNotReadyUntilFullyLoaded(t *testing.T) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(107))
	const n, c, h, w, k = 1, 8, 8, 8, 4

	block, err := NewResidualBlock[float32](ctx, shapeStubE[float32](c, h, w), c, k, false)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer block.Close()

	in := devAlloc[float32](t, ctx, n*c*h*w)
	out := devAlloc[float32](t, ctx, n*c*h*w)
	scratch, ss := scratchFor[float32](t, ctx, block, n)

	f := randVec(rng, c*c*9, 0.1)
	b := randVec(rng, c, 0.1)

	eval := func() error {
		return block.Eval(n, out, in, quarry.DevicePtr{}, scratch, ss, ctx)
	}
	if err := eval(); !quarry.IsNotReadyError(err) {
		t.Errorf("no weights: got %v, want not-ready", err)
	}
	block.LoadWeights0(f, b)
	if err := eval(); !quarry.IsNotReadyError(err) {
		t.Errorf("conv1 only: got %v, want not-ready", err)
	}
	block.LoadWeights1(f, b)
	if err := eval(); !quarry.IsNotReadyError(err) {
		t.Errorf("missing SE: got %v, want not-ready", err)
	}
	block.LoadSEWeights(randVec(rng, k*c, 0.3), randVec(rng, k, 0.1),
		randVec(rng, c*k, 0.3), randVec(rng, c, 0.1))
	if err := eval(); err != nil {
		t.Errorf("fully loaded Eval failed: %v", err)
	}
	ctx.Synchronize()
}

func TestResidualBlockWithoutSERejectsSELoad(t *testing.T) {
	ctx := newTestContext(t)
	block, err := NewResidualBlock[float32](ctx, shapeStubE[float32](4, 8, 8), 4, 0, false)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer block.Close()

	if err := block.LoadSEWeights(nil, nil, nil, nil); err == nil {
		t.Error("SE load on a plain block accepted")
	}
}
