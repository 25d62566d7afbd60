package cuda

// CUDA Backend for nsloss -- implements backend.Backend interface.
//
// Architecture:
//   - Memory -> CUDA Driver API via purego (zero cgo)
//   - Fill(0) -> cuMemsetD8
//   - Alias draw / sampled scores / sampled grads -> staged through the host
//     kernels: operands are downloaded, the cpu backend runs, results are
//     uploaded back into device memory.
//
// Registration: import _ "github.com/djeday123/nsloss/backend/cuda"
// This triggers init() which calls backend.Register(&Backend{}).
// The backend is initialized lazily on first use.

import (
	"fmt"
	"sync"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/backend/cpu"
	"github.com/djeday123/nsloss/core"
)

// Backend implements backend.Backend for one NVIDIA GPU. The registered
// instance drives device 0; ForDevice returns the instance bound to any
// other index.
type Backend struct {
	mu          sync.Mutex
	initialized bool

	deviceIdx int
	device    int32
	ctx       uintptr
	info      *DeviceInfo
	pool      *Pool

	host cpu.Backend
}

var (
	devicesMu sync.Mutex
	devices   = map[int]*Backend{}
)

func init() {
	// Only register if CUDA driver is available.
	// This allows the binary to run on machines without NVIDIA GPUs.
	if err := initDriver(); err != nil {
		return // silently skip -- CPU backend will be used
	}
	if r := cuInit(0); r != CUDA_SUCCESS {
		return // no CUDA devices
	}
	b := &Backend{}
	devices[0] = b
	backend.Register(b)
}

func (b *Backend) Name() string                   { return "cuda" }
func (b *Backend) DeviceType() backend.DeviceType { return backend.CUDA }

// ForDevice returns the backend bound to CUDA device index, creating it on
// first use.
func (b *Backend) ForDevice(index int) (backend.Backend, error) {
	if index == b.deviceIdx {
		return b, nil
	}
	if index < 0 {
		return nil, fmt.Errorf("cuda: negative device index %d", index)
	}
	devicesMu.Lock()
	defer devicesMu.Unlock()
	if d, ok := devices[index]; ok {
		return d, nil
	}
	n, err := DeviceCount()
	if err != nil {
		return nil, err
	}
	if index >= n {
		return nil, fmt.Errorf("cuda: device %d not present (%d visible)", index, n)
	}
	d := &Backend{deviceIdx: index}
	devices[index] = d
	return d, nil
}

func (b *Backend) self() backend.Device { return backend.CUDADevice(b.deviceIdx) }

// Info returns the properties of the device the backend is bound to.
func (b *Backend) Info() (*DeviceInfo, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}
	return b.info, nil
}

// Pool returns the buffer pool serving this device's allocations.
func (b *Backend) Pool() (*Pool, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}
	return b.pool, nil
}

// ensureInit performs lazy initialization on first use.
func (b *Backend) ensureInit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		cuCtxSetCurrent(b.ctx)
		return nil
	}

	if r := cuDeviceGet(&b.device, int32(b.deviceIdx)); r != CUDA_SUCCESS {
		return fmt.Errorf("cuDeviceGet(%d): %s", b.deviceIdx, r.Error())
	}
	if r := cuCtxCreate(&b.ctx, 0, b.device); r != CUDA_SUCCESS {
		return fmt.Errorf("cuCtxCreate: %s", r.Error())
	}

	var err error
	b.info, err = QueryDevice(b.deviceIdx)
	if err != nil {
		return fmt.Errorf("QueryDevice: %w", err)
	}
	b.pool = NewPool(b.self())

	b.initialized = true
	return nil
}

// ──────────────────────────────────────────────────────────
// Memory
// ──────────────────────────────────────────────────────────

// Alloc hands out pooled device memory; Storage.Free returns it to the pool.
func (b *Backend) Alloc(byteLen int) (backend.Storage, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}
	if byteLen < 0 {
		return nil, fmt.Errorf("cuda alloc: negative size %d", byteLen)
	}
	return b.pool.Get(byteLen)
}

func (b *Backend) Free(s backend.Storage) {
	s.Free()
}

func (b *Backend) Copy(dst, src backend.Storage, byteLen int) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	d, err := b.deviceStorage(dst)
	if err != nil {
		return err
	}
	s, err := b.deviceStorage(src)
	if err != nil {
		return err
	}
	if byteLen > d.byteLen || byteLen > s.byteLen {
		return fmt.Errorf("cuda copy: %d bytes exceeds src (%d) or dst (%d)", byteLen, s.byteLen, d.byteLen)
	}
	return CopyDtoD(d, s, byteLen)
}

// ToDevice handles host->device, device->host and device->device copies.
// Transfers to another GPU are handed to that GPU's backend through a host
// copy.
func (b *Backend) ToDevice(dst backend.Device, src backend.Storage) (backend.Storage, error) {
	if dst.Type == backend.CUDA && dst.Index != b.deviceIdx {
		other, err := b.ForDevice(dst.Index)
		if err != nil {
			return nil, err
		}
		if src.Device().Type == backend.CPU {
			return other.ToDevice(dst, src)
		}
		host, err := b.ToDevice(backend.CPU0, src)
		if err != nil {
			return nil, err
		}
		defer host.Free()
		return other.ToDevice(dst, host)
	}

	if err := b.ensureInit(); err != nil {
		return nil, err
	}
	srcType := src.Device().Type
	switch {
	case srcType == backend.CPU && dst.Type == backend.CUDA:
		out, err := b.pool.Get(src.ByteLen())
		if err != nil {
			return nil, err
		}
		if err := CopyHtoD(out, src.Bytes()); err != nil {
			out.Free()
			return nil, err
		}
		return out, nil

	case srcType == backend.CUDA && dst.Type == backend.CPU:
		s, err := b.deviceStorage(src)
		if err != nil {
			return nil, err
		}
		out, err := b.host.Alloc(s.byteLen)
		if err != nil {
			return nil, err
		}
		if err := CopyDtoH(out.Bytes(), s); err != nil {
			out.Free()
			return nil, err
		}
		return out, nil

	case srcType == backend.CUDA && dst.Type == backend.CUDA:
		s, err := b.deviceStorage(src)
		if err != nil {
			return nil, err
		}
		out, err := b.pool.Get(s.byteLen)
		if err != nil {
			return nil, err
		}
		if err := CopyDtoD(out, s, s.byteLen); err != nil {
			out.Free()
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("cuda backend cannot transfer %s -> %s", src.Device(), dst)
}

// deviceStorage unwraps s, which must be memory on this backend's device.
func (b *Backend) deviceStorage(s backend.Storage) (*Storage, error) {
	ds, ok := s.(*Storage)
	if !ok {
		return nil, fmt.Errorf("cuda: storage on %s is not device memory", s.Device())
	}
	if ds.device != b.self() {
		return nil, fmt.Errorf("cuda: storage on %s, backend bound to %s", ds.device, b.self())
	}
	return ds, nil
}

// ──────────────────────────────────────────────────────────
// Host staging
// ──────────────────────────────────────────────────────────

// download copies each device storage into a fresh host buffer.
func (b *Backend) download(src ...backend.Storage) ([]backend.Storage, error) {
	out := make([]backend.Storage, len(src))
	for i, s := range src {
		h, err := b.ToDevice(backend.CPU0, s)
		if err != nil {
			for _, done := range out[:i] {
				done.Free()
			}
			return nil, fmt.Errorf("cuda staging: %w", err)
		}
		out[i] = h
	}
	return out, nil
}

func (b *Backend) upload(dst backend.Storage, host backend.Storage) error {
	d, err := b.deviceStorage(dst)
	if err != nil {
		return err
	}
	return CopyHtoD(d, host.Bytes())
}

// staged runs fn on host copies of operands. The first operand is the
// output; only it is uploaded back.
// TODO: replace with PTX kernels for alias draw and the sampled ops once the
// gather/scatter shapes settle.
func (b *Backend) staged(fn func(h []backend.Storage) error, operands ...backend.Storage) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	h, err := b.download(operands...)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range h {
			s.Free()
		}
	}()
	if err := fn(h); err != nil {
		return err
	}
	return b.upload(operands[0], h[0])
}

// ──────────────────────────────────────────────────────────
// Elementwise and reductions
// ──────────────────────────────────────────────────────────

func (b *Backend) Fill(dst backend.Storage, shape core.Shape, value float64, dtype core.DType) error {
	if value == 0 {
		if err := b.ensureInit(); err != nil {
			return err
		}
		d, err := b.deviceStorage(dst)
		if err != nil {
			return err
		}
		return Zero(d)
	}
	return b.staged(func(h []backend.Storage) error {
		return b.host.Fill(h[0], shape, value, dtype)
	}, dst)
}

func (b *Backend) Add(dst, a, bb backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.Add(h[0], h[1], h[2], shapeA, shapeB, shapeOut, dtype)
	}, dst, a, bb)
}

func (b *Backend) Sum(dst, src backend.Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.Sum(h[0], h[1], shape, axes, keepDim, dtype)
	}, dst, src)
}

// ──────────────────────────────────────────────────────────
// Embedding, alias method and negative sampling
// ──────────────────────────────────────────────────────────

func (b *Backend) Embedding(dst, w, indices backend.Storage, vocab, dim, n int) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.Embedding(h[0], h[1], h[2], vocab, dim, n)
	}, dst, w, indices)
}

func (b *Backend) EmbeddingBackward(dst, gy, indices backend.Storage, vocab, dim, n int) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.EmbeddingBackward(h[0], h[1], h[2], vocab, dim, n)
	}, dst, gy, indices)
}

func (b *Backend) AliasDraw(dst, prob, alias, cols, coins backend.Storage, n int) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.AliasDraw(h[0], h[1], h[2], h[3], h[4], n)
	}, dst, prob, alias, cols, coins)
}

func (b *Backend) SampledScores(dst, x, w, t, samples backend.Storage, s backend.SampledShape) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.SampledScores(h[0], h[1], h[2], h[3], h[4], s)
	}, dst, x, w, t, samples)
}

func (b *Backend) SampledLoss(dst, scores backend.Storage, s backend.SampledShape) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.SampledLoss(h[0], h[1], s)
	}, dst, scores)
}

func (b *Backend) SampledCoef(dst, scores, gy backend.Storage, gyStride int, s backend.SampledShape) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.SampledCoef(h[0], h[1], h[2], gyStride, s)
	}, dst, scores, gy)
}

func (b *Backend) SampledInputGrad(dst, coef, w, t, samples backend.Storage, s backend.SampledShape) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.SampledInputGrad(h[0], h[1], h[2], h[3], h[4], s)
	}, dst, coef, w, t, samples)
}

// SampledWeightGrad accumulates, so dst is downloaded with its current
// contents before the host kernel adds into it.
func (b *Backend) SampledWeightGrad(dst, coef, x, t, samples backend.Storage, s backend.SampledShape) error {
	return b.staged(func(h []backend.Storage) error {
		return b.host.SampledWeightGrad(h[0], h[1], h[2], h[3], h[4], s)
	}, dst, coef, x, t, samples)
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.MultiDevice = (*Backend)(nil)
