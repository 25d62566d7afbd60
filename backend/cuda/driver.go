package cuda

// CUDA Driver API bindings via purego.
// No cgo required: libcuda.so is loaded at runtime via dlopen.
//
// Only the memory and device management entry points are bound; the sampled
// kernels run through the host implementation (see backend.go).

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// CUresult error codes (subset we care about).
type CUresult int32

const (
	CUDA_SUCCESS               CUresult = 0
	CUDA_ERROR_INVALID_VALUE   CUresult = 1
	CUDA_ERROR_OUT_OF_MEMORY   CUresult = 2
	CUDA_ERROR_NOT_INITIALIZED CUresult = 3
	CUDA_ERROR_NO_DEVICE       CUresult = 100
	CUDA_ERROR_INVALID_CONTEXT CUresult = 201
	CUDA_ERROR_INVALID_HANDLE  CUresult = 400
)

func (r CUresult) Error() string {
	if r == CUDA_SUCCESS {
		return "CUDA_SUCCESS"
	}
	names := map[CUresult]string{
		1: "INVALID_VALUE", 2: "OUT_OF_MEMORY", 3: "NOT_INITIALIZED",
		100: "NO_DEVICE", 201: "INVALID_CONTEXT", 400: "INVALID_HANDLE",
	}
	if name, ok := names[r]; ok {
		return fmt.Sprintf("CUDA_ERROR_%s (%d)", name, r)
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", r)
}

const (
	CU_DEVICE_ATTRIBUTE_MULTIPROCESSOR_COUNT     = 16
	CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR = 75
	CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR = 76
)

var (
	driverOnce sync.Once
	driverErr  error

	cuInit func(flags uint32) CUresult

	cuDeviceGetCount     func(count *int32) CUresult
	cuDeviceGet          func(device *int32, ordinal int32) CUresult
	cuDeviceGetName      func(name *byte, len int32, dev int32) CUresult
	cuDeviceGetAttribute func(pi *int32, attrib int32, dev int32) CUresult
	cuDeviceTotalMem     func(bytes *uint64, dev int32) CUresult

	cuCtxCreate     func(pctx *uintptr, flags uint32, dev int32) CUresult
	cuCtxSetCurrent func(ctx uintptr) CUresult

	cuMemAlloc   func(dptr *uintptr, bytesize uint64) CUresult
	cuMemFree    func(dptr uintptr) CUresult
	cuMemcpyHtoD func(dstDevice uintptr, srcHost unsafe.Pointer, byteCount uint64) CUresult
	cuMemcpyDtoH func(dstHost unsafe.Pointer, srcDevice uintptr, byteCount uint64) CUresult
	cuMemcpyDtoD func(dstDevice uintptr, srcDevice uintptr, byteCount uint64) CUresult
	cuMemsetD8   func(dstDevice uintptr, uc byte, n uint64) CUresult
)

// initDriver loads libcuda.so and registers all function pointers.
func initDriver() error {
	driverOnce.Do(func() {
		var lib uintptr
		lib, driverErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if driverErr != nil {
			lib, driverErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if driverErr != nil {
				driverErr = fmt.Errorf("cannot load libcuda.so: %w (is NVIDIA driver installed?)", driverErr)
				return
			}
		}

		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuCtxCreate, lib, "cuCtxCreate_v2")
		purego.RegisterLibFunc(&cuCtxSetCurrent, lib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoD, lib, "cuMemcpyHtoD_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoH, lib, "cuMemcpyDtoH_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoD, lib, "cuMemcpyDtoD_v2")
		purego.RegisterLibFunc(&cuMemsetD8, lib, "cuMemsetD8_v2")
	})
	return driverErr
}

func check(r CUresult, op string) error {
	if r != CUDA_SUCCESS {
		return fmt.Errorf("%s: %s", op, r.Error())
	}
	return nil
}

// DeviceInfo holds information about a CUDA device.
type DeviceInfo struct {
	Index      int
	Name       string
	TotalMemMB int
	SMCount    int
	ComputeMaj int
	ComputeMin int
}

// DeviceCount returns the number of visible CUDA devices, or an error when
// the driver is missing.
func DeviceCount() (int, error) {
	if err := initDriver(); err != nil {
		return 0, err
	}
	if err := check(cuInit(0), "cuInit"); err != nil {
		return 0, err
	}
	var n int32
	if err := check(cuDeviceGetCount(&n), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(n), nil
}

// QueryDevice returns information about a CUDA device.
func QueryDevice(index int) (*DeviceInfo, error) {
	if err := initDriver(); err != nil {
		return nil, err
	}
	if err := check(cuInit(0), "cuInit"); err != nil {
		return nil, err
	}

	var dev int32
	if err := check(cuDeviceGet(&dev, int32(index)), "cuDeviceGet"); err != nil {
		return nil, err
	}

	info := &DeviceInfo{Index: index}

	nameBuf := make([]byte, 256)
	if err := check(cuDeviceGetName(&nameBuf[0], 256, dev), "cuDeviceGetName"); err != nil {
		return nil, err
	}
	for i, b := range nameBuf {
		if b == 0 {
			info.Name = string(nameBuf[:i])
			break
		}
	}

	var totalMem uint64
	if err := check(cuDeviceTotalMem(&totalMem, dev), "cuDeviceTotalMem"); err != nil {
		return nil, err
	}
	info.TotalMemMB = int(totalMem / (1024 * 1024))

	getAttr := func(attr int32) int {
		var val int32
		cuDeviceGetAttribute(&val, attr, dev)
		return int(val)
	}
	info.SMCount = getAttr(CU_DEVICE_ATTRIBUTE_MULTIPROCESSOR_COUNT)
	info.ComputeMaj = getAttr(CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR)
	info.ComputeMin = getAttr(CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR)

	return info, nil
}

func (d *DeviceInfo) String() string {
	return fmt.Sprintf("%s (SM %d.%d, %d SMs, %d MB)",
		d.Name, d.ComputeMaj, d.ComputeMin, d.SMCount, d.TotalMemMB)
}
