package quarry

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Row-major GEMM primitives. These are the multiply-accumulate core every
// convolution and fully-connected stage reduces to; everything above them
// is layout and fusion logic.

// Sgemm computes C = alpha*A*B + beta*C for row-major float32 matrices.
// A is m×k with leading dimension lda, B is k×n with ldb, C is m×n with ldc.
func Sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if !HasAcceleratedGemm() || m*n*k < GemmBlockedThreshold {
		sgemmNaive(m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
		return
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha,
		blas32.General{Rows: m, Cols: k, Data: a, Stride: lda},
		blas32.General{Rows: k, Cols: n, Data: b, Stride: ldb},
		beta,
		blas32.General{Rows: m, Cols: n, Data: c, Stride: ldc})
}

// SgemmStridedBatched performs batchCount independent row-major GEMMs with
// constant strides between consecutive matrices. A stride of zero reuses
// the same matrix for every batch element.
func SgemmStridedBatched(m, n, k int, alpha float32,
	a []float32, lda, strideA int,
	b []float32, ldb, strideB int,
	beta float32,
	c []float32, ldc, strideC int,
	batchCount int) {
	for i := 0; i < batchCount; i++ {
		Sgemm(m, n, k, alpha,
			a[i*strideA:], lda,
			b[i*strideB:], ldb,
			beta,
			c[i*strideC:], ldc)
	}
}

func sgemmNaive(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for l := 0; l < k; l++ {
				sum += a[i*lda+l] * b[l*ldb+j]
			}
			if beta == 0 {
				c[i*ldc+j] = alpha * sum
			} else {
				c[i*ldc+j] = alpha*sum + beta*c[i*ldc+j]
			}
		}
	}
}

// Gemm computes C = A*B over element slices of any supported precision,
// widening half operands through float32 and narrowing the result back.
// Accumulation always happens in float32.
func Gemm[E Elem](m, n, k int, a, b, c []E) {
	switch {
	case SizeOf[E]() == 4:
		Sgemm(m, n, k, 1,
			any(a).([]float32), k,
			any(b).([]float32), n,
			0,
			any(c).([]float32), n)
	default:
		af := make([]float32, m*k)
		bf := make([]float32, k*n)
		cf := make([]float32, m*n)
		WidenSlice(af, a[:m*k])
		WidenSlice(bf, b[:k*n])
		Sgemm(m, n, k, 1, af, k, bf, n, 0, cf, n)
		NarrowSlice(c[:m*n], cf)
	}
}
