package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/quarrylab/quarry"
)

func testSoftmax[E quarry.Elem](t *testing.T, inHost []float32, n, row int) []float32 {
	t.Helper()
	ctx := newTestContext(t)

	layer, err := NewSoftmaxLayer[E](shapeStubE[E](row, 1, 1))
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer layer.Close()

	in := toDevice[E](t, ctx, inHost)
	out := devAlloc[E](t, ctx, n*row)
	if err := layer.Eval(n, out, in, quarry.DevicePtr{}, quarry.DevicePtr{}, 0, ctx); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	ctx.Synchronize()
	return fromDevice[E](out, n*row)
}

func TestSoftmaxDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(71))
	const n, row = 3, 16
	inHost := randVec(rng, n*row, 3)

	got := testSoftmax[float32](t, inHost, n, row)

	for img := 0; img < n; img++ {
		var sum float32
		for i := 0; i < row; i++ {
			v := got[img*row+i]
			if v < 0 || v > 1 {
				t.Errorf("row %d element %d = %v outside [0,1]", img, i, v)
			}
			sum += v
		}
		if math.Abs(float64(sum)-1) > 1e-5 {
			t.Errorf("row %d sums to %v, want 1", img, sum)
		}
	}

	// Order must be preserved: larger logits get larger probabilities.
	for img := 0; img < n; img++ {
		for i := 0; i < row; i++ {
			for j := i + 1; j < row; j++ {
				hi, hj := inHost[img*row+i], inHost[img*row+j]
				gi, gj := got[img*row+i], got[img*row+j]
				if hi < hj && gi > gj {
					t.Fatalf("row %d: order inverted between %d and %d", img, i, j)
				}
			}
		}
	}
}

func TestSoftmaxLargeLogits(t *testing.T) {
	// Without the max-subtract these logits overflow exp.
	inHost := []float32{1000, 999, 998, -1000}
	got := testSoftmax[float32](t, inHost, 1, 4)

	var sum float32
	for _, v := range got {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite probability %v", v)
		}
		sum += v
	}
	if math.Abs(float64(sum)-1) > 1e-5 {
		t.Errorf("probabilities sum to %v, want 1", sum)
	}
	if got[0] <= got[1] || got[1] <= got[2] || got[2] <= got[3] {
		t.Errorf("ordering lost: %v", got)
	}
}

func TestSoftmaxUniform(t *testing.T) {
	const row = 8
	inHost := make([]float32, row)
	for i := range inHost {
		inHost[i] = 2.5
	}
	got := testSoftmax[float32](t, inHost, 1, row)
	for i, v := range got {
		if !quarry.Float32NearEqual(v, 1.0/row, quarry.DefaultTolerance()) {
			t.Errorf("element %d = %v, want %v", i, v, 1.0/row)
		}
	}
}

func TestSoftmaxHalf(t *testing.T) {
	rng := rand.New(rand.NewSource(73))
	const n, row = 2, 12
	inHost := randVec(rng, n*row, 2)

	got := testSoftmax[quarry.Half](t, inHost, n, row)
	for img := 0; img < n; img++ {
		var sum float32
		for i := 0; i < row; i++ {
			sum += got[img*row+i]
		}
		if math.Abs(float64(sum)-1) > 1e-2 {
			t.Errorf("row %d sums to %v, want 1", img, sum)
		}
	}
}
