package nn

import (
	"math/rand"
	"testing"

	"github.com/quarrylab/quarry"
)

// Shared fixtures: device upload/download helpers and an unfused
// reference pipeline the fused stages are checked against.

func newTestContext(t *testing.T) *quarry.Context {
	t.Helper()
	ctx := quarry.NewContext()
	t.Cleanup(ctx.Destroy)
	return ctx
}

func devAlloc[E quarry.Elem](t *testing.T, ctx *quarry.Context, elems int) quarry.DevicePtr {
	t.Helper()
	ptr, err := ctx.Malloc(elems * quarry.SizeOf[E]())
	if err != nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	t.Cleanup(func() { ctx.Free(ptr) })
	return ptr
}

func toDevice[E quarry.Elem](t *testing.T, ctx *quarry.Context, host []float32) quarry.DevicePtr {
	t.Helper()
	ptr := devAlloc[E](t, ctx, len(host))
	quarry.NarrowSlice(quarry.Elems[E](ptr)[:len(host)], host)
	return ptr
}

func fromDevice[E quarry.Elem](ptr quarry.DevicePtr, elems int) []float32 {
	host := make([]float32, elems)
	quarry.WidenSlice(host, quarry.Elems[E](ptr)[:elems])
	return host
}

func scratchFor[E quarry.Elem](t *testing.T, ctx *quarry.Context, l Layer[E], n int) (quarry.DevicePtr, int) {
	t.Helper()
	size := l.ScratchSize(n)
	if size == 0 {
		return quarry.DevicePtr{}, 0
	}
	ptr, err := ctx.Malloc(size)
	if err != nil {
		t.Fatalf("scratch Malloc failed: %v", err)
	}
	t.Cleanup(func() { ctx.Free(ptr) })
	return ptr, size
}

// stubLayer is a minimal predecessor for constructors that inherit a shape.
type stubLayer[E quarry.Elem] struct {
	BaseLayer[E]
}

func (*stubLayer[E]) ScratchSize(int) int { return 0 }
func (*stubLayer[E]) Eval(int, quarry.DevicePtr, quarry.DevicePtr, quarry.DevicePtr, quarry.DevicePtr, int, *quarry.Context) error {
	return nil
}
func (*stubLayer[E]) Close() {}

func shapeStubE[E quarry.Elem](c, h, w int) *stubLayer[E] {
	return &stubLayer[E]{BaseLayer[E]{shape: Shape{C: c, H: h, W: w}}}
}

func randVec(rng *rand.Rand, n int, scale float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = (rng.Float32()*2 - 1) * scale
	}
	return s
}

// quantize rounds host values through the working precision, so references
// consume the same parameters and inputs the layer under test does.
func quantize[E quarry.Elem](host []float32) []float32 {
	es := make([]E, len(host))
	quarry.NarrowSlice(es, host)
	out := make([]float32, len(host))
	quarry.WidenSlice(out, es)
	return out
}

func convTol[E quarry.Elem]() quarry.ToleranceConfig {
	if quarry.SizeOf[E]() == 2 {
		return quarry.HalfTolerance()
	}
	// The Winograd rearrangement and the blocked GEMM both reorder the
	// accumulation, so the bound is looser than elementwise rounding.
	return quarry.ToleranceConfig{AbsTol: 1e-4, RelTol: 1e-4}
}

// refConv is the unfused reference: same-padded stride-one convolution,
// then bias, skip add and ReLU as requested.
func refConv(in, filter, bias, skip []float32, n, c, cin, h, w, size int, relu bool) []float32 {
	plane := h * w
	pad := size / 2
	out := make([]float32, n*c*plane)
	for img := 0; img < n; img++ {
		for oc := 0; oc < c; oc++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					var sum float32
					for ic := 0; ic < cin; ic++ {
						for ky := 0; ky < size; ky++ {
							sy := y - pad + ky
							if sy < 0 || sy >= h {
								continue
							}
							for kx := 0; kx < size; kx++ {
								sx := x - pad + kx
								if sx < 0 || sx >= w {
									continue
								}
								sum += in[(img*cin+ic)*plane+sy*w+sx] *
									filter[((oc*cin+ic)*size+ky)*size+kx]
							}
						}
					}
					if bias != nil {
						sum += bias[oc]
					}
					idx := (img*c+oc)*plane + y*w + x
					if skip != nil {
						sum += skip[idx]
					}
					if relu {
						sum = quarry.ReLU(sum)
					}
					out[idx] = sum
				}
			}
		}
	}
	return out
}

// refSE applies the unfused squeeze-excitation chain to a pre-SE tensor:
// pool, gate, scale, skip add, ReLU.
func refSE(pre, skip []float32, n, c, h, w, k int, w1, b1, w2, b2 []float32) []float32 {
	plane := h * w
	out := make([]float32, n*c*plane)
	for img := 0; img < n; img++ {
		pooled := make([]float32, c)
		for ch := 0; ch < c; ch++ {
			var sum float32
			for i := 0; i < plane; i++ {
				sum += pre[(img*c+ch)*plane+i]
			}
			pooled[ch] = sum / float32(plane)
		}
		fc1 := make([]float32, k)
		for j := 0; j < k; j++ {
			var sum float32
			for ch := 0; ch < c; ch++ {
				sum += w1[j*c+ch] * pooled[ch]
			}
			fc1[j] = quarry.ReLU(sum + b1[j])
		}
		for ch := 0; ch < c; ch++ {
			var sum float32
			for j := 0; j < k; j++ {
				sum += w2[ch*k+j] * fc1[j]
			}
			gate := quarry.Sigmoid(sum + b2[ch])
			for i := 0; i < plane; i++ {
				idx := (img*c+ch)*plane + i
				out[idx] = quarry.ReLU(gate*pre[idx] + skip[idx])
			}
		}
	}
	return out
}
