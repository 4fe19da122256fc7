// Package quarry provides an accelerator-style compute runtime for batched
// neural-network inference on CPU. It models the programming contract of a
// GPU compute queue: device memory is allocated from a pool and addressed
// through DevicePtr handles, kernels are launched over a grid/block
// decomposition, and all work submitted to a stream executes in submission
// order. Callers block only at an explicit Synchronize before reading
// results back to host memory.
//
// Example usage:
//
//	ctx := quarry.NewContext()
//	defer ctx.Destroy()
//
//	dIn, _ := ctx.Malloc(n * 4)
//	defer ctx.Free(dIn)
//	ctx.Memcpy(dIn, hostIn, n*4, quarry.MemcpyHostToDevice)
//
//	grid := quarry.Dim3{X: (n + 255) / 256}
//	block := quarry.Dim3{X: 256}
//	ctx.Launch(grid, block, myKernel)
//	ctx.Synchronize()
package quarry
