package tensor

import (
	"fmt"
	"unsafe"

	"github.com/djeday123/nsloss/backend"
)

// copySliceToStorage copies a Go slice into a storage buffer safely.
func copySliceToStorage[T any](data []T, dst []byte) {
	if len(data) == 0 || len(dst) == 0 {
		return
	}
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	srcLen := len(data) * elemSize
	if srcLen > len(dst) {
		srcLen = len(dst)
	}
	srcBytes := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), srcLen)
	copy(dst, srcBytes)
}

// ptrSlice interprets a storage's memory as a typed slice.
func ptrSlice[T any](b []byte, n int) []T {
	if n == 0 || len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// The To*Slice accessors return views aliasing host memory. They return nil
// for tensors that do not live on the CPU; use Data to copy from any device.

// ToFloat32Slice returns the tensor data as []float32.
func (t *Tensor) ToFloat32Slice() []float32 {
	return ptrSlice[float32](t.storage.Bytes(), t.NumElements())
}

// ToFloat64Slice returns the tensor data as []float64.
func (t *Tensor) ToFloat64Slice() []float64 {
	return ptrSlice[float64](t.storage.Bytes(), t.NumElements())
}

// ToInt32Slice returns the tensor data as []int32.
func (t *Tensor) ToInt32Slice() []int32 {
	return ptrSlice[int32](t.storage.Bytes(), t.NumElements())
}

// ToInt64Slice returns the tensor data as []int64.
func (t *Tensor) ToInt64Slice() []int64 {
	return ptrSlice[int64](t.storage.Bytes(), t.NumElements())
}

// Data copies the tensor contents into a new host slice, downloading from
// the device when needed.
func Data[T float32 | float64 | int32 | int64](t *Tensor) ([]T, error) {
	if want := dtypeOf[T](); t.dtype != want {
		return nil, fmt.Errorf("tensor dtype %s, requested %s", t.dtype, want)
	}
	host := t
	if t.Device().Type != backend.CPU {
		var err error
		if host, err = t.To(backend.CPU0); err != nil {
			return nil, err
		}
		defer host.storage.Free()
	}
	out := make([]T, t.NumElements())
	copy(out, ptrSlice[T](host.storage.Bytes(), len(out)))
	return out, nil
}

// SetData overwrites the tensor contents with data, uploading to the device
// when needed.
func SetData[T float32 | float64 | int32 | int64](t *Tensor, data []T) error {
	if want := dtypeOf[T](); t.dtype != want {
		return fmt.Errorf("tensor dtype %s, got %s data", t.dtype, want)
	}
	if len(data) != t.NumElements() {
		return fmt.Errorf("data length %d != tensor elements %d", len(data), t.NumElements())
	}
	if t.Device().Type == backend.CPU {
		copySliceToStorage(data, t.storage.Bytes())
		return nil
	}
	staged, err := FromSliceOn(data, t.shape, t.Device())
	if err != nil {
		return err
	}
	defer staged.storage.Free()
	b, err := t.Backend()
	if err != nil {
		return err
	}
	return b.Copy(t.storage, staged.storage, t.storage.ByteLen())
}
