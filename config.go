// Package quarry configuration constants
package quarry

// Thread and block dimensions
const (
	// Default block size for kernel launches
	DefaultBlockSize = 256

	// Maximum threads per block
	MaxThreadsPerBlock = 1024
)

// Memory pool parameters
const (
	// Memory alignment for allocations (cache line)
	MemoryAlignment = 64
)

// GEMM path selection
const (
	// Minimum m*n*k before the blocked BLAS kernel pays for itself;
	// smaller products take the naive loop.
	GemmBlockedThreshold = 8 * 8 * 8
)

// Numerical constants
const (
	// Machine epsilon for float32
	Float32Epsilon = 1.192092896e-07

	// Saturation bound for sigmoid/tanh inputs
	ActivationSaturation = 30.0
)
