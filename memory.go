package quarry

import (
	"fmt"
	"sync"
	"unsafe"
)

// MemcpyKind specifies the direction of a memory transfer. The runtime's
// memory is host-accessible, so all directions reduce to a copy, but the
// distinction is kept so call sites document intent.
type MemcpyKind int

const (
	MemcpyHostToHost MemcpyKind = iota
	MemcpyHostToDevice
	MemcpyDeviceToHost
	MemcpyDeviceToDevice
)

// MemoryPool manages device memory with a free list of previously allocated
// blocks, reducing allocation overhead for repeated model loads.
type MemoryPool struct {
	mu         sync.Mutex
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	ptr  unsafe.Pointer
	buf  []byte // keeps the backing array reachable
	size int
	used bool
}

// DevicePtr is a handle to pool-owned device memory. Typed view methods
// give direct access to the underlying elements; Offset derives a handle to
// a sub-region sharing the same backing memory.
type DevicePtr struct {
	ptr  unsafe.Pointer
	size int
}

// NewMemoryPool creates an empty memory pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		allocated: make(map[uintptr]*allocation),
	}
}

// Malloc allocates device memory of the given size in bytes, aligned for
// vector loads.
func (ctx *Context) Malloc(size int) (DevicePtr, error) {
	return ctx.memory.Allocate(size)
}

// Free releases device memory allocated by Malloc. The underlying block is
// retained on the pool's free list for reuse.
func (ctx *Context) Free(ptr DevicePtr) error {
	return ctx.memory.Free(ptr)
}

// MemStats reports currently allocated and peak bytes for the context.
func (ctx *Context) MemStats() (allocated, peak int64) {
	return ctx.memory.Stats()
}

// Memcpy copies size bytes between host slices and device pointers.
// Supported operand types: DevicePtr, []byte, []float32, []int16, []uint16.
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	dstPtr, err := rawPointer("Memcpy dst", dst)
	if err != nil {
		return err
	}
	srcPtr, err := rawPointer("Memcpy src", src)
	if err != nil {
		return err
	}
	if dstPtr != nil && srcPtr != nil && size > 0 {
		copy(unsafe.Slice((*byte)(dstPtr), size), unsafe.Slice((*byte)(srcPtr), size))
	}
	return nil
}

func rawPointer(op string, v interface{}) (unsafe.Pointer, error) {
	switch x := v.(type) {
	case DevicePtr:
		return x.ptr, nil
	case []byte:
		if len(x) == 0 {
			return nil, nil
		}
		return unsafe.Pointer(&x[0]), nil
	case []float32:
		if len(x) == 0 {
			return nil, nil
		}
		return unsafe.Pointer(&x[0]), nil
	case []int16:
		if len(x) == 0 {
			return nil, nil
		}
		return unsafe.Pointer(&x[0]), nil
	case []uint16:
		if len(x) == 0 {
			return nil, nil
		}
		return unsafe.Pointer(&x[0]), nil
	default:
		return nil, NewInvalidArgError(op, fmt.Sprintf("unsupported type: %T", v))
	}
}

// MemoryPool methods

// Allocate hands out a block of at least size bytes, reusing a free block
// when one fits.
func (mp *MemoryPool) Allocate(size int) (DevicePtr, error) {
	if size <= 0 {
		return DevicePtr{}, ErrInvalidSize
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	alignedSize := (size + MemoryAlignment - 1) &^ (MemoryAlignment - 1)

	for i, alloc := range mp.freeList {
		if alloc.size >= alignedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			mp.totalAlloc += int64(alloc.size)
			if mp.totalAlloc > mp.peakAlloc {
				mp.peakAlloc = mp.totalAlloc
			}
			return DevicePtr{ptr: alloc.ptr, size: size}, nil
		}
	}

	buf := make([]byte, alignedSize)
	ptr := unsafe.Pointer(&buf[0])
	alloc := &allocation{
		ptr:  ptr,
		buf:  buf,
		size: alignedSize,
		used: true,
	}
	mp.allocated[uintptr(ptr)] = alloc
	mp.totalAlloc += int64(alignedSize)
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}
	return DevicePtr{ptr: ptr, size: size}, nil
}

// Free returns a block to the pool.
func (mp *MemoryPool) Free(ptr DevicePtr) error {
	if ptr.ptr == nil {
		return nil
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	alloc, ok := mp.allocated[uintptr(ptr.ptr)]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}
	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.totalAlloc -= int64(alloc.size)
	return nil
}

// Stats returns currently allocated and peak bytes.
func (mp *MemoryPool) Stats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// DevicePtr views

// IsNil reports whether the pointer refers to no memory.
func (d DevicePtr) IsNil() bool {
	return d.ptr == nil
}

// Size returns the size in bytes of the memory region.
func (d DevicePtr) Size() int {
	return d.size
}

// Float32 returns a float32 slice view of the device memory.
func (d DevicePtr) Float32() []float32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float32)(d.ptr), d.size/4)
}

// Int16 returns an int16 slice view of the device memory.
func (d DevicePtr) Int16() []int16 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*int16)(d.ptr), d.size/2)
}

// Halfs returns a half-precision slice view of the device memory.
func (d DevicePtr) Halfs() []Half {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*Half)(d.ptr), d.size/2)
}

// Byte returns a byte slice view covering the whole region.
func (d DevicePtr) Byte() []byte {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(d.ptr), d.size)
}

// Offset returns a DevicePtr advanced by the given number of bytes,
// sharing the same underlying memory.
func (d DevicePtr) Offset(bytes int) DevicePtr {
	return DevicePtr{
		ptr:  unsafe.Pointer(uintptr(d.ptr) + uintptr(bytes)),
		size: d.size - bytes,
	}
}

// Buffer is a scoped owner of one device allocation. Release is safe to
// call on every exit path, including after a partial load failure, and is
// idempotent.
type Buffer struct {
	ctx      *Context
	ptr      DevicePtr
	released bool
}

// NewBuffer allocates a device buffer owned by the returned handle.
func (ctx *Context) NewBuffer(size int) (*Buffer, error) {
	ptr, err := ctx.Malloc(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{ctx: ctx, ptr: ptr}, nil
}

// Ptr returns the underlying device pointer. Invalid after Release.
func (b *Buffer) Ptr() DevicePtr {
	return b.ptr
}

// Release frees the buffer's device memory. Subsequent calls are no-ops.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	_ = b.ctx.Free(b.ptr)
	b.ptr = DevicePtr{}
}
