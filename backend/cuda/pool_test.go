package cuda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djeday123/nsloss/backend"
)

// fakeDriver hands out increasing addresses and records releases.
type fakeDriver struct {
	next  uintptr
	sizes map[uintptr]int
	freed []uintptr
}

func newFakePool(dev backend.Device) (*Pool, *fakeDriver) {
	d := &fakeDriver{next: 0x1000, sizes: map[uintptr]int{}}
	p := newPool(dev,
		func(byteLen int) (uintptr, error) {
			ptr := d.next
			d.next += uintptr(byteLen)
			d.sizes[ptr] = byteLen
			return ptr, nil
		},
		func(ptr uintptr) { d.freed = append(d.freed, ptr) },
	)
	return p, d
}

func TestPoolReusesFreedBuffers(t *testing.T) {
	p, d := newFakePool(backend.CUDADevice(0))

	a, err := p.Get(100)
	require.NoError(t, err)
	assert.Equal(t, 100, a.ByteLen())
	assert.Equal(t, 256, d.sizes[a.ptr])
	first := a.ptr

	a.Free()
	a.Free() // no-op
	st := p.Stats()
	assert.Equal(t, 1, st.PoolSize)
	assert.Equal(t, 0, st.InUse)

	// 200 bytes land in the same 256-byte bucket
	b, err := p.Get(200)
	require.NoError(t, err)
	assert.Equal(t, first, b.ptr)
	assert.Equal(t, 200, b.ByteLen())

	c, err := p.Get(300)
	require.NoError(t, err)
	assert.NotEqual(t, first, c.ptr)
	assert.Equal(t, 512, d.sizes[c.ptr])

	st = p.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(2), st.Misses)
	assert.Equal(t, int64(256+512), st.AllocBytes)
	assert.Equal(t, 2, st.InUse)
	assert.Equal(t, 0, st.PoolSize)
	assert.Empty(t, d.freed)
}

func TestPoolTrimReleasesToDriver(t *testing.T) {
	p, d := newFakePool(backend.CUDADevice(0))
	var bufs []*Storage
	for range 3 {
		s, err := p.Get(64)
		require.NoError(t, err)
		bufs = append(bufs, s)
	}
	for _, s := range bufs {
		s.Free()
	}
	assert.Equal(t, 3, p.Stats().PoolSize)

	p.Trim(1)
	assert.Len(t, d.freed, 2)
	assert.Equal(t, 1, p.Stats().PoolSize)

	p.FreeAll()
	assert.Len(t, d.freed, 3)
	st := p.Stats()
	assert.Equal(t, 0, st.PoolSize)
	assert.Equal(t, int64(3*256), st.FreeBytes)
}

func TestPoolZeroAndNegativeSizes(t *testing.T) {
	p, d := newFakePool(backend.CUDADevice(1))

	z, err := p.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 0, z.ByteLen())
	assert.Equal(t, backend.CUDADevice(1), z.Device())
	z.Free()
	assert.Empty(t, d.sizes)
	assert.Equal(t, 0, p.Stats().PoolSize)

	_, err = p.Get(-1)
	require.Error(t, err)
}

func TestStorageHasNoHostView(t *testing.T) {
	p, _ := newFakePool(backend.CUDADevice(0))
	s, err := p.Get(16)
	require.NoError(t, err)
	assert.Nil(t, s.Ptr())
	assert.Nil(t, s.Bytes())
}

func TestDeviceStorageChecksIndex(t *testing.T) {
	b := &Backend{deviceIdx: 0}
	p0, _ := newFakePool(backend.CUDADevice(0))
	p1, _ := newFakePool(backend.CUDADevice(1))

	own, err := p0.Get(8)
	require.NoError(t, err)
	ds, err := b.deviceStorage(own)
	require.NoError(t, err)
	assert.Same(t, own, ds)

	other, err := p1.Get(8)
	require.NoError(t, err)
	_, err = b.deviceStorage(other)
	require.Error(t, err)
}

func TestForDevice(t *testing.T) {
	b := &Backend{deviceIdx: 2}
	same, err := b.ForDevice(2)
	require.NoError(t, err)
	assert.Same(t, b, same)

	_, err = b.ForDevice(-1)
	require.Error(t, err)
}
