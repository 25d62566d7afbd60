package cuda

// Pool caches freed GPU buffers by size for reuse.
// Avoids cuMemAlloc/cuMemFree in the training loop hot path: every step
// allocates scores, per-example losses, sample ids and gradients of the same
// few sizes, and returns them when the step's graph is released.
//
// Design:
//   - Buckets keyed by 256-byte-aligned size
//   - Get() returns a cached buffer or allocates a new one
//   - Storage.Free() puts the address back (no cuMemFree)
//   - FreeAll() / Trim() release cached buffers to the driver
//   - Thread-safe via mutex

import (
	"fmt"
	"sync"

	"github.com/djeday123/nsloss/backend"
)

type Pool struct {
	mu      sync.Mutex
	device  backend.Device
	buckets map[int][]uintptr // aligned size -> available device addresses
	stats   PoolStats

	alloc func(byteLen int) (uintptr, error)
	free  func(ptr uintptr)
}

type PoolStats struct {
	Hits       int64 // reused from pool
	Misses     int64 // new allocation
	AllocBytes int64 // total allocated from the driver
	FreeBytes  int64 // total released to the driver
	PoolSize   int   // buffers currently cached
	InUse      int   // buffers handed out and not yet freed
}

// NewPool returns a pool allocating through the CUDA driver. The caller's
// context must be current on dev.
func NewPool(dev backend.Device) *Pool {
	return newPool(dev,
		func(byteLen int) (uintptr, error) {
			var ptr uintptr
			if r := cuMemAlloc(&ptr, uint64(byteLen)); r != CUDA_SUCCESS {
				return 0, fmt.Errorf("cuMemAlloc(%d bytes): %s", byteLen, r.Error())
			}
			return ptr, nil
		},
		func(ptr uintptr) { cuMemFree(ptr) },
	)
}

func newPool(dev backend.Device, alloc func(int) (uintptr, error), free func(uintptr)) *Pool {
	return &Pool{
		device:  dev,
		buckets: make(map[int][]uintptr),
		alloc:   alloc,
		free:    free,
	}
}

// alignSize rounds up to a 256-byte boundary so similar sizes share a bucket.
func alignSize(byteLen int) int {
	return ((byteLen + 255) / 256) * 256
}

// Get returns a buffer of byteLen bytes, reusing a cached one when possible.
// Zero-length buffers hold no device memory.
func (p *Pool) Get(byteLen int) (*Storage, error) {
	if byteLen < 0 {
		return nil, fmt.Errorf("cuda pool: negative size %d", byteLen)
	}
	if byteLen == 0 {
		return &Storage{device: p.device}, nil
	}
	aligned := alignSize(byteLen)

	p.mu.Lock()
	if bufs := p.buckets[aligned]; len(bufs) > 0 {
		ptr := bufs[len(bufs)-1]
		p.buckets[aligned] = bufs[:len(bufs)-1]
		p.stats.Hits++
		p.stats.PoolSize--
		p.stats.InUse++
		p.mu.Unlock()
		return &Storage{ptr: ptr, byteLen: byteLen, capLen: aligned, device: p.device, pool: p}, nil
	}
	p.stats.Misses++
	p.mu.Unlock()

	ptr, err := p.alloc(aligned)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stats.AllocBytes += int64(aligned)
	p.stats.InUse++
	p.mu.Unlock()
	return &Storage{ptr: ptr, byteLen: byteLen, capLen: aligned, device: p.device, pool: p}, nil
}

// put caches a device address released by Storage.Free.
func (p *Pool) put(ptr uintptr, capLen int) {
	p.mu.Lock()
	p.buckets[capLen] = append(p.buckets[capLen], ptr)
	p.stats.PoolSize++
	p.stats.InUse--
	p.mu.Unlock()
}

// FreeAll releases all cached buffers back to the GPU driver.
// Buffers still in use are unaffected.
func (p *Pool) FreeAll() {
	p.Trim(0)
}

// Stats returns current pool statistics (thread-safe snapshot).
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Trim releases cached buffers, keeping at most maxPerBucket of each size.
func (p *Pool) Trim(maxPerBucket int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for size, bufs := range p.buckets {
		if len(bufs) <= maxPerBucket {
			continue
		}
		for _, ptr := range bufs[maxPerBucket:] {
			p.stats.FreeBytes += int64(size)
			p.stats.PoolSize--
			p.free(ptr)
		}
		if maxPerBucket == 0 {
			delete(p.buckets, size)
		} else {
			p.buckets[size] = bufs[:maxPerBucket]
		}
	}
}
