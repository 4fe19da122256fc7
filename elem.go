package quarry

import (
	"unsafe"

	"github.com/x448/float16"
)

// Half is the IEEE 754 binary16 element type used for reduced-precision
// parameter and activation buffers.
type Half = float16.Float16

// Elem is the set of element types a layer can be instantiated over.
// Transform and fusion logic is shared across both; only the low-level
// conversion primitives differ.
type Elem interface {
	float32 | Half
}

// SizeOf returns the byte size of one element of type E.
func SizeOf[E Elem]() int {
	var z E
	return int(unsafe.Sizeof(z))
}

// ToF32 widens an element to float32.
func ToF32[E Elem](v E) float32 {
	switch x := any(v).(type) {
	case float32:
		return x
	case Half:
		return x.Float32()
	}
	return 0
}

// FromF32 narrows a float32 to an element. Narrowing to Half rounds to
// nearest even, with overflow saturating to infinity.
func FromF32[E Elem](x float32) E {
	var z E
	switch any(z).(type) {
	case float32:
		return any(x).(E)
	default:
		return any(float16.Fromfloat32(x)).(E)
	}
}

// Elems returns a typed element view of device memory.
func Elems[E Elem](d DevicePtr) []E {
	if d.IsNil() {
		return nil
	}
	return unsafe.Slice((*E)(d.ptr), d.size/SizeOf[E]())
}

// WidenSlice converts a slice of elements into the float32 destination.
// dst and src must have the same length.
func WidenSlice[E Elem](dst []float32, src []E) {
	switch s := any(src).(type) {
	case []float32:
		copy(dst, s)
	case []Half:
		for i, v := range s {
			dst[i] = v.Float32()
		}
	}
}

// NarrowSlice converts float32 values into the element destination.
// dst and src must have the same length.
func NarrowSlice[E Elem](dst []E, src []float32) {
	switch d := any(dst).(type) {
	case []float32:
		copy(d, src)
	case []Half:
		for i, v := range src {
			d[i] = float16.Fromfloat32(v)
		}
	}
}
