package cpu

import (
	"fmt"
	"unsafe"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/core"
)

// Backend implements backend.Backend for CPU.
type Backend struct{}

func init() {
	backend.Register(&Backend{})
}

func (b *Backend) Name() string                   { return "cpu" }
func (b *Backend) DeviceType() backend.DeviceType { return backend.CPU }

// ---- Memory ----

func (b *Backend) Alloc(byteLen int) (backend.Storage, error) {
	if byteLen < 0 {
		return nil, fmt.Errorf("cpu alloc: negative size %d", byteLen)
	}
	return newStorage(byteLen), nil
}

func (b *Backend) Free(s backend.Storage) {
	s.Free()
}

func (b *Backend) Copy(dst, src backend.Storage, byteLen int) error {
	if dst.Device().Type != backend.CPU || src.Device().Type != backend.CPU {
		return fmt.Errorf("cpu copy: storages must live on cpu, got %s -> %s", src.Device(), dst.Device())
	}
	if byteLen > dst.ByteLen() || byteLen > src.ByteLen() {
		return fmt.Errorf("cpu copy: %d bytes exceeds src (%d) or dst (%d)", byteLen, src.ByteLen(), dst.ByteLen())
	}
	copy(asBytes(dst, byteLen), asBytes(src, byteLen))
	return nil
}

func (b *Backend) ToDevice(dst backend.Device, src backend.Storage) (backend.Storage, error) {
	if dst.Type != backend.CPU || src.Device().Type != backend.CPU {
		return nil, fmt.Errorf("cpu backend can only transfer cpu to cpu, got %s -> %s", src.Device(), dst)
	}
	newStore := newStorage(src.ByteLen())
	copy(newStore.data, asBytes(src, src.ByteLen()))
	return newStore, nil
}

// ---- Fill ----

func (b *Backend) Fill(dst backend.Storage, shape core.Shape, value float64, dtype core.DType) error {
	n := shape.NumElements()
	switch dtype {
	case core.Float32:
		data := f32Slice(dst, n)
		v := float32(value)
		for i := range data {
			data[i] = v
		}
	case core.Float64:
		data := f64Slice(dst, n)
		for i := range data {
			data[i] = value
		}
	case core.Int32:
		data := i32Slice(dst, n)
		v := int32(value)
		for i := range data {
			data[i] = v
		}
	case core.Int64:
		data := i64Slice(dst, n)
		v := int64(value)
		for i := range data {
			data[i] = v
		}
	default:
		return fmt.Errorf("fill: unsupported dtype %s", dtype)
	}
	return nil
}

// ---- Binary / reduction ----

func (b *Backend) Add(dst, a, bStore backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error {
	return binaryOp(dst, a, bStore, shapeA, shapeB, shapeOut, dtype, func(x, y float32) float32 { return x + y })
}

func (b *Backend) Sum(dst, src backend.Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error {
	return reduceOp(dst, src, shape, axes, keepDim, dtype, 0, func(acc, x float32) float32 { return acc + x })
}

// ---- Helpers ----

func asBytes(s backend.Storage, n int) []byte {
	return unsafe.Slice((*byte)(s.Ptr()), n)
}

func f32Slice(s backend.Storage, n int) []float32 {
	return unsafe.Slice((*float32)(s.Ptr()), n)
}

func f64Slice(s backend.Storage, n int) []float64 {
	return unsafe.Slice((*float64)(s.Ptr()), n)
}

func i32Slice(s backend.Storage, n int) []int32 {
	return unsafe.Slice((*int32)(s.Ptr()), n)
}

func i64Slice(s backend.Storage, n int) []int64 {
	return unsafe.Slice((*int64)(s.Ptr()), n)
}

// binaryOp applies a binary function element-wise with broadcasting.
func binaryOp(dst, aStore, bStore backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType, fn func(float32, float32) float32) error {
	if dtype != core.Float32 {
		return fmt.Errorf("binary op: only float32 supported, got %s", dtype)
	}

	nOut := shapeOut.NumElements()
	aData := f32Slice(aStore, shapeA.NumElements())
	bData := f32Slice(bStore, shapeB.NumElements())
	dData := f32Slice(dst, nOut)

	// Fast path: same shape, no broadcasting needed
	if shapeA.Equal(shapeB) {
		for i := 0; i < nOut; i++ {
			dData[i] = fn(aData[i], bData[i])
		}
		return nil
	}

	ndim := len(shapeOut)
	indices := make([]int, ndim)

	for i := 0; i < nOut; i++ {
		idxA := broadcastIndex(indices, shapeA, ndim)
		idxB := broadcastIndex(indices, shapeB, ndim)
		dData[i] = fn(aData[idxA], bData[idxB])

		for d := ndim - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < shapeOut[d] {
				break
			}
			indices[d] = 0
		}
	}
	return nil
}

// broadcastIndex maps an output index onto a flat offset into an operand of
// the given (right-aligned) shape.
func broadcastIndex(indices []int, shape core.Shape, ndim int) int {
	idx := 0
	stride := 1
	for d := ndim - 1; d >= 0; d-- {
		off := d - (ndim - len(shape))
		if off < 0 {
			break
		}
		dim := shape[off]
		i := indices[d]
		if dim == 1 {
			i = 0
		}
		idx += i * stride
		stride *= dim
	}
	return idx
}

// reduceOp performs a reduction along given axes.
func reduceOp(dst, src backend.Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType, init float32, fn func(float32, float32) float32) error {
	if dtype != core.Float32 {
		return fmt.Errorf("reduce op: only float32 supported, got %s", dtype)
	}

	axisSet := make(map[int]bool, len(axes))
	for _, a := range axes {
		if a < 0 || a >= len(shape) {
			return fmt.Errorf("reduce op: axis %d out of range for %d dimensions", a, len(shape))
		}
		axisSet[a] = true
	}

	// Output strides over the source dims; reduced dims contribute nothing.
	outStrides := make([]int, len(shape))
	nOut := 1
	for d := len(shape) - 1; d >= 0; d-- {
		if axisSet[d] {
			continue
		}
		outStrides[d] = nOut
		nOut *= shape[d]
	}

	n := shape.NumElements()
	srcData := f32Slice(src, n)
	dstData := f32Slice(dst, nOut)
	for i := range dstData {
		dstData[i] = init
	}

	indices := make([]int, len(shape))
	for i := 0; i < n; i++ {
		outIdx := 0
		for d, idx := range indices {
			outIdx += idx * outStrides[d]
		}
		dstData[outIdx] = fn(dstData[outIdx], srcData[i])

		for d := len(shape) - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < shape[d] {
				break
			}
			indices[d] = 0
		}
	}
	return nil
}
