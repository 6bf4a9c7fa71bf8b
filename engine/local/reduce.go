package local

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/rocketbitz/collective-go/engine"
	"github.com/x448/float16"
)

type native interface {
	~int8 | ~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

// reduceInto combines count elements of every source into dst.
func reduceInto(dst []byte, srcs [][]byte, count int, dt engine.Datatype, op engine.Reduction) error {
	if count == 0 || len(srcs) == 0 {
		return nil
	}
	switch dt {
	case engine.DtInt8:
		reduceNative[int8](dst, srcs, count, op)
	case engine.DtUint8:
		reduceNative[uint8](dst, srcs, count, op)
	case engine.DtInt32:
		reduceNative[int32](dst, srcs, count, op)
	case engine.DtInt64:
		reduceNative[int64](dst, srcs, count, op)
	case engine.DtFloat:
		reduceNative[float32](dst, srcs, count, op)
	case engine.DtDouble:
		reduceNative[float64](dst, srcs, count, op)
	case engine.DtFloat16:
		reduceWidened(dst, srcs, count, op,
			func(v uint16) float32 { return float16.Frombits(v).Float32() },
			func(f float32) uint16 { return float16.Fromfloat32(f).Bits() })
	case engine.DtBFloat16:
		reduceWidened(dst, srcs, count, op,
			func(v uint16) float32 { return bfloat16.BFloat16(v).Float32() },
			func(f float32) uint16 { return uint16(bfloat16.FromFloat32(f)) })
	default:
		return fmt.Errorf("no reduction for datatype %s", dt)
	}
	return nil
}

func reduceNative[T native](dst []byte, srcs [][]byte, count int, op engine.Reduction) {
	out := typed[T](dst, count)
	copy(out, typed[T](srcs[0], count))
	for _, src := range srcs[1:] {
		in := typed[T](src, count)
		for i := range out {
			out[i] = combine(out[i], in[i], op)
		}
	}
}

// reduceWidened reduces 16-bit floating point elements in float32.
func reduceWidened(dst []byte, srcs [][]byte, count int, op engine.Reduction,
	widen func(uint16) float32, narrow func(float32) uint16) {
	acc := make([]float32, count)
	for i, v := range typed[uint16](srcs[0], count) {
		acc[i] = widen(v)
	}
	for _, src := range srcs[1:] {
		for i, v := range typed[uint16](src, count) {
			acc[i] = combine(acc[i], widen(v), op)
		}
	}
	out := typed[uint16](dst, count)
	for i, f := range acc {
		out[i] = narrow(f)
	}
}

func combine[T native](a, b T, op engine.Reduction) T {
	switch op {
	case engine.ReductionProd:
		return a * b
	case engine.ReductionMin:
		return min(a, b)
	case engine.ReductionMax:
		return max(a, b)
	default:
		return a + b
	}
}

// typed reinterprets the first count elements of b. b must be aligned for T.
func typed[T any](b []byte, count int) []T {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count)
}

// alignedBytes allocates n bytes on an 8-byte boundary.
func alignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
