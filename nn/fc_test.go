package nn

import (
	"math/rand"
	"testing"

	"github.com/quarrylab/quarry"
)

func refFC(in, weight, bias []float32, n, cin, out int, act Activation) []float32 {
	res := make([]float32, n*out)
	for i := 0; i < n; i++ {
		for j := 0; j < out; j++ {
			var sum float32
			for l := 0; l < cin; l++ {
				sum += weight[j*cin+l] * in[i*cin+l]
			}
			if bias != nil {
				sum += bias[j]
			}
			res[i*out+j] = act.apply(sum)
		}
	}
	return res
}

func testFCAgainstReference[E quarry.Elem](t *testing.T, act Activation, useBias bool) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(53))
	const n, cin, out = 3, 24, 10

	layer, err := NewFCLayer[E](ctx, shapeStubE[E](cin, 1, 1), out, 1, 1, act, useBias)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer layer.Close()

	weight := randVec(rng, out*cin, 0.3)
	bias := randVec(rng, out, 0.1)
	var loadBias []float32
	if useBias {
		loadBias = bias
	}
	if err := layer.LoadWeights(weight, loadBias); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}

	inHost := randVec(rng, n*cin, 0.5)
	in := toDevice[E](t, ctx, inHost)
	outDev := devAlloc[E](t, ctx, n*out)
	scratch, ss := scratchFor[E](t, ctx, layer, n)

	if err := layer.Eval(n, outDev, in, quarry.DevicePtr{}, scratch, ss, ctx); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	ctx.Synchronize()

	want := refFC(quantize[E](inHost), weight, loadBias, n, cin, out, act)
	got := fromDevice[E](outDev, n*out)
	if r := quarry.VerifyFloat32Array(want, got, convTol[E]()); !r.OK() {
		t.Errorf("FC diverged from reference: %v", r)
	}
}

func TestFCLayer(t *testing.T) {
	tests := []struct {
		name    string
		act     Activation
		useBias bool
	}{
		{"linear", ActNone, false},
		{"bias", ActNone, true},
		{"relu", ActReLU, true},
		{"tanh", ActTanh, true},
		{"sigmoid", ActSigmoid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testFCAgainstReference[float32](t, tt.act, tt.useBias)
		})
		t.Run(tt.name+" half", func(t *testing.T) {
			testFCAgainstReference[quarry.Half](t, tt.act, tt.useBias)
		})
	}
}

func TestFCLayerRequiresPredecessor(t *testing.T) {
	ctx := newTestContext(t)
	if _, err := NewFCLayer[float32](ctx, nil, 8, 1, 1, ActNone, true); !quarry.IsShapeError(err) {
		t.Errorf("got %v, want shape error", err)
	}
}

func TestFCLayerWeightValidation(t *testing.T) {
	ctx := newTestContext(t)
	const cin, out = 16, 4

	layer, err := NewFCLayer[float32](ctx, shapeStubE[float32](cin, 1, 1), out, 1, 1, ActNone, true)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	defer layer.Close()

	if err := layer.LoadWeights(make([]float32, out*cin-1), make([]float32, out)); err == nil {
		t.Error("short weight accepted")
	}
	if err := layer.LoadWeights(make([]float32, out*cin), make([]float32, out+1)); err == nil {
		t.Error("long bias accepted")
	}
}
