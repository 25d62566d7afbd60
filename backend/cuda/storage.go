package cuda

import (
	"fmt"
	"unsafe"

	"github.com/djeday123/nsloss/backend"
)

// Storage represents a GPU memory buffer.
// Implements backend.Storage interface.
type Storage struct {
	ptr     uintptr // CUDA device address; only ever handed to the driver
	byteLen int     // requested size
	capLen  int     // allocated size, byteLen rounded up by the pool
	device  backend.Device
	pool    *Pool // nil for zero-length buffers
}

func (s *Storage) Device() backend.Device { return s.device }

// Ptr returns nil: device memory has no host address. Driver calls use the
// device address held internally.
func (s *Storage) Ptr() unsafe.Pointer { return nil }
func (s *Storage) Bytes() []byte       { return nil }
func (s *Storage) ByteLen() int        { return s.byteLen }

// Free returns the buffer to its pool. Calling Free twice is a no-op.
func (s *Storage) Free() {
	if s.ptr == 0 || s.pool == nil {
		return
	}
	s.pool.put(s.ptr, s.capLen)
	s.ptr = 0
}

// ──────────────────────────────────────────────────────────
// Host <-> Device transfers
// ──────────────────────────────────────────────────────────

// CopyHtoD copies from host (Go slice) to device (GPU).
func CopyHtoD(dst *Storage, src []byte) error {
	if len(src) > dst.byteLen {
		return fmt.Errorf("CopyHtoD: src (%d) > dst (%d)", len(src), dst.byteLen)
	}
	if len(src) == 0 {
		return nil
	}
	return check(cuMemcpyHtoD(dst.ptr, unsafe.Pointer(&src[0]), uint64(len(src))), "cuMemcpyHtoD")
}

// CopyDtoH copies from device (GPU) to host (Go slice).
func CopyDtoH(dst []byte, src *Storage) error {
	if len(dst) < src.byteLen {
		return fmt.Errorf("CopyDtoH: dst (%d) < src (%d)", len(dst), src.byteLen)
	}
	if src.byteLen == 0 {
		return nil
	}
	return check(cuMemcpyDtoH(unsafe.Pointer(&dst[0]), src.ptr, uint64(src.byteLen)), "cuMemcpyDtoH")
}

// CopyDtoD copies between device buffers.
func CopyDtoD(dst, src *Storage, byteLen int) error {
	if byteLen == 0 {
		return nil
	}
	return check(cuMemcpyDtoD(dst.ptr, src.ptr, uint64(byteLen)), "cuMemcpyDtoD")
}

// Zero fills device memory with zeros.
func Zero(s *Storage) error {
	if s.byteLen == 0 {
		return nil
	}
	return check(cuMemsetD8(s.ptr, 0, uint64(s.byteLen)), "cuMemsetD8")
}
