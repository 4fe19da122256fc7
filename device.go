package quarry

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Device describes the compute device backing a Context. Here that is the
// host CPU with its cores standing in for an accelerator's multiprocessors.
type Device struct {
	ID       int    // Unique device identifier
	Name     string // Human-readable device name
	NumCores int    // Number of CPU cores
}

// Context owns the resources of one logical device: its memory pool and its
// streams. A Context must be created before any runtime operation and
// destroyed when no longer needed. All layer parameter buffers and scratch
// workspaces are allocated from the Context's pool.
type Context struct {
	device   *Device
	memory   *MemoryPool
	streams  []*Stream
	streamID int32
	queue    *Stream // default in-order queue
}

// Stream is an ordered sequence of asynchronously executed operations.
// Operations within a stream execute in submission order; a caller that
// issues all work for a batch on one stream needs no further
// synchronization between stages.
type Stream struct {
	id    int
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// Dim3 holds 3D grid and block dimensions for kernel launches.
type Dim3 struct {
	X, Y, Z int
}

// ThreadID identifies one thread's position within a kernel launch,
// mirroring the blockIdx/threadIdx/blockDim/gridDim indexing scheme.
type ThreadID struct {
	BlockIdx  Dim3
	ThreadIdx Dim3
	BlockDim  Dim3
	GridDim   Dim3
}

// KernelFunc is a function executed once per launched thread.
// Implementations must be safe for concurrent invocation.
type KernelFunc func(tid ThreadID)

// NewContext creates a fresh execution context with its own memory pool and
// one default stream.
func NewContext() *Context {
	ctx := &Context{
		device: &Device{
			ID:       0,
			Name:     "CPU",
			NumCores: runtime.NumCPU(),
		},
		memory: NewMemoryPool(),
	}
	ctx.queue = ctx.CreateStream()
	return ctx
}

// Device returns the device this context executes on.
func (ctx *Context) Device() *Device {
	return ctx.device
}

// Queue returns the context's default in-order stream.
func (ctx *Context) Queue() *Stream {
	return ctx.queue
}

// CreateStream creates a new execution stream backed by one worker
// goroutine, which guarantees in-order execution of submitted tasks.
func (ctx *Context) CreateStream() *Stream {
	id := int(atomic.AddInt32(&ctx.streamID, 1))
	s := &Stream{
		id:    id,
		tasks: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	go s.worker()
	ctx.streams = append(ctx.streams, s)
	return s
}

// Launch executes a kernel on the default stream across a grid of thread
// blocks. The call returns as soon as the work is enqueued.
func (ctx *Context) Launch(grid, block Dim3, fn KernelFunc) error {
	return ctx.LaunchStream(ctx.queue, grid, block, fn)
}

// LaunchStream executes a kernel on a specific stream.
func (ctx *Context) LaunchStream(s *Stream, grid, block Dim3, fn KernelFunc) error {
	gridSize := grid.Size()
	blockSize := block.Size()
	if gridSize < 0 || blockSize <= 0 || blockSize > MaxThreadsPerBlock {
		return NewShapeError("Launch", "invalid grid or block dimensions")
	}
	if gridSize == 0 {
		// Submit an empty task to maintain stream ordering.
		s.Submit(func() {})
		return nil
	}

	numWorkers := ctx.device.NumCores
	if gridSize < numWorkers {
		numWorkers = gridSize
	}
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	s.Submit(func() {
		var wg sync.WaitGroup
		wg.Add(numWorkers)
		for workerID := 0; workerID < numWorkers; workerID++ {
			startBlock := workerID * blocksPerWorker
			endBlock := startBlock + blocksPerWorker
			if endBlock > gridSize {
				endBlock = gridSize
			}
			go func(start, end int) {
				defer wg.Done()
				for blockID := start; blockID < end; blockID++ {
					blockIdx := linearTo3D(blockID, grid)
					// Threads within a block run sequentially on one worker,
					// which maximizes cache reuse.
					for threadID := 0; threadID < blockSize; threadID++ {
						fn(ThreadID{
							BlockIdx:  blockIdx,
							ThreadIdx: linearTo3D(threadID, block),
							BlockDim:  block,
							GridDim:   grid,
						})
					}
				}
			}(startBlock, endBlock)
		}
		wg.Wait()
	})
	return nil
}

// Synchronize blocks until all streams owned by the context have drained.
func (ctx *Context) Synchronize() error {
	for _, s := range ctx.streams {
		s.Synchronize()
	}
	return nil
}

// Destroy waits for outstanding work and releases the context's streams.
// Device memory still held by the caller remains valid until freed.
func (ctx *Context) Destroy() {
	for _, s := range ctx.streams {
		s.Synchronize()
		close(s.tasks)
		<-s.done
	}
	ctx.streams = nil
}

// Stream methods

func (s *Stream) worker() {
	for task := range s.tasks {
		task()
		s.wg.Done()
	}
	close(s.done)
}

// Synchronize waits for all tasks in the stream to complete.
func (s *Stream) Synchronize() {
	s.wg.Wait()
}

// Submit adds a task to the stream.
func (s *Stream) Submit(task func()) {
	s.wg.Add(1)
	s.tasks <- task
}

// Helper functions

// Global returns the global linear thread index along X.
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalY returns the global Y index.
func (tid ThreadID) GlobalY() int {
	return tid.BlockIdx.Y*tid.BlockDim.Y + tid.ThreadIdx.Y
}

// Size returns the total number of elements.
func (d Dim3) Size() int {
	x, y, z := d.X, d.Y, d.Z
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return x * y * z
}

func linearTo3D(linear int, dim Dim3) Dim3 {
	x := dim.X
	y := dim.Y
	if y == 0 {
		y = 1
	}
	return Dim3{
		X: linear % x,
		Y: (linear / x) % y,
		Z: linear / (x * y),
	}
}
