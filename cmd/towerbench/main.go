// Command towerbench assembles a synthetic residual tower and times
// batched forward passes through it.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"k8s.io/klog/v2"

	"github.com/quarrylab/quarry"
	"github.com/quarrylab/quarry/nn"
)

var (
	blocks    = flag.Int("blocks", 6, "residual block count")
	channels  = flag.Int("channels", 64, "tower width")
	seWidth   = flag.Int("se", 8, "SE reduction width, 0 to disable")
	batch     = flag.Int("batch", 16, "batch size")
	iters     = flag.Int("iters", 20, "timed iterations")
	warmup    = flag.Int("warmup", 3, "untimed warmup iterations")
	precision = flag.String("precision", "fp32", "working precision: fp32 or fp16")
	seed      = flag.Int64("seed", 1, "weight/input seed")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg := nn.NetworkConfig{
		InputChannels:  18,
		Channels:       *channels,
		Blocks:         *blocks,
		SEChannels:     *seWidth,
		BoardH:         8,
		BoardW:         8,
		PolicyChannels: 32,
		PolicyOutputs:  1858,
		ValueChannels:  32,
		ValueFCSize:    128,
		MaxBatch:       *batch,
	}

	var err error
	switch *precision {
	case "fp32":
		err = run[float32](cfg)
	case "fp16":
		err = run[quarry.Half](cfg)
	default:
		err = fmt.Errorf("unknown precision %q", *precision)
	}
	if err != nil {
		klog.Exitf("towerbench: %v", err)
	}
}

func run[E quarry.Elem](cfg nn.NetworkConfig) error {
	ctx := quarry.NewContext()
	defer ctx.Destroy()

	net, err := nn.NewNetwork[E](ctx, cfg)
	if err != nil {
		return err
	}
	defer net.Close()

	rng := rand.New(rand.NewSource(*seed))
	if err := net.LoadWeights(synthWeights(cfg, rng)); err != nil {
		return err
	}
	klog.Infof("tower: %d blocks x %d channels, SE=%d, scratch %.1f MiB",
		cfg.Blocks, cfg.Channels, cfg.SEChannels,
		float64(net.ScratchSize())/(1<<20))

	n := cfg.MaxBatch
	input := make([]float32, n*cfg.InputChannels*cfg.BoardH*cfg.BoardW)
	for i := range input {
		input[i] = rng.Float32()
	}
	policy := make([]float32, n*cfg.PolicyOutputs)
	value := make([]float32, n)

	for i := 0; i < *warmup; i++ {
		if err := net.Forward(n, input, policy, value); err != nil {
			return err
		}
	}

	start := time.Now()
	for i := 0; i < *iters; i++ {
		if err := net.Forward(n, input, policy, value); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	per := elapsed / time.Duration(*iters)
	klog.Infof("%d iterations of batch %d in %v (%v/batch, %.0f pos/s)",
		*iters, n, elapsed.Round(time.Millisecond), per.Round(time.Microsecond),
		float64(*iters*n)/elapsed.Seconds())
	klog.Infof("sample: value[0]=%+.4f policy[0..3]=%.4v", value[0], policy[:4])
	return nil
}

// synthWeights fills a complete weight set with small random values. SE
// expansion biases are shifted positive so the gates stay responsive.
func synthWeights(cfg nn.NetworkConfig, rng *rand.Rand) *nn.TowerWeights {
	conv := func(c, cin, k int) nn.ConvWeights {
		return nn.ConvWeights{
			Filter: randSlice(rng, c*cin*k*k, 0.1),
			Bias:   randSlice(rng, c, 0.05),
		}
	}
	fc := func(out, in int) nn.FCWeights {
		return nn.FCWeights{
			Weight: randSlice(rng, out*in, 0.1),
			Bias:   randSlice(rng, out, 0.05),
		}
	}

	w := &nn.TowerWeights{
		Input:       conv(cfg.Channels, cfg.InputChannels, 3),
		PolicyConv1: conv(cfg.Channels, cfg.Channels, 3),
		PolicyConv2: conv(cfg.PolicyChannels, cfg.Channels, 3),
		ValueConv:   conv(cfg.ValueChannels, cfg.Channels, 1),
		ValueFC1:    fc(cfg.ValueFCSize, cfg.ValueChannels*cfg.BoardH*cfg.BoardW),
		ValueFC2:    fc(1, cfg.ValueFCSize),
	}

	w.Blocks = make([]nn.BlockWeights, cfg.Blocks)
	for i := range w.Blocks {
		w.Blocks[i] = nn.BlockWeights{
			Conv1: conv(cfg.Channels, cfg.Channels, 3),
			Conv2: conv(cfg.Channels, cfg.Channels, 3),
		}
		if cfg.SEChannels > 0 {
			se := &nn.SEWeights{
				W1: randSlice(rng, cfg.SEChannels*cfg.Channels, 0.1),
				B1: randSlice(rng, cfg.SEChannels, 0.05),
				W2: randSlice(rng, cfg.Channels*cfg.SEChannels, 0.1),
				B2: randSlice(rng, cfg.Channels, 0.05),
			}
			for j := range se.B2 {
				se.B2[j] += 0.5
			}
			w.Blocks[i].SE = se
		}
	}

	used := cfg.PolicyChannels * cfg.BoardH * cfg.BoardW
	w.PolicyMap = make([]int16, used)
	perm := rng.Perm(cfg.PolicyOutputs)
	for i := 0; i < used; i++ {
		if i < cfg.PolicyOutputs {
			w.PolicyMap[i] = int16(perm[i])
		} else {
			w.PolicyMap[i] = -1
		}
	}
	return w
}

func randSlice(rng *rand.Rand, n int, scale float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = (rng.Float32()*2 - 1) * scale
	}
	return s
}
