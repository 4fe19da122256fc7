package quarry

import (
	"golang.org/x/sys/cpu"
)

// Features tracks the instruction set extensions relevant to the GEMM path
// choice made at model-load time.
type Features struct {
	HasAVX     bool
	HasAVX2    bool
	HasAVX512F bool
	HasFMA     bool
	HasASIMD   bool // ARM64 advanced SIMD
}

var features Features

func init() {
	features = Features{
		HasAVX:     cpu.X86.HasAVX,
		HasAVX2:    cpu.X86.HasAVX2,
		HasAVX512F: cpu.X86.HasAVX512F,
		HasFMA:     cpu.X86.HasFMA,
		HasASIMD:   cpu.ARM64.HasASIMD,
	}
}

// CPUFeatures returns the detected feature set.
func CPUFeatures() Features {
	return features
}

// HasAcceleratedGemm reports whether the blocked BLAS kernel is worth using
// for large products on this machine. Without vector FMA the naive loop is
// competitive and has friendlier cache behavior for the small matrices this
// engine mostly sees.
func HasAcceleratedGemm() bool {
	return (features.HasAVX2 && features.HasFMA) || features.HasASIMD
}
