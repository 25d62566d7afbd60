package backend

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/djeday123/nsloss/core"
)

// DeviceType represents the compute device.
type DeviceType uint8

const (
	CPU DeviceType = iota
	CUDA
)

func (d DeviceType) String() string {
	names := [...]string{"cpu", "cuda"}
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("device(%d)", d)
}

// Device identifies a specific device (type + index).
type Device struct {
	Type  DeviceType
	Index int // GPU index, 0 for CPU
}

var CPU0 = Device{Type: CPU, Index: 0}

func CUDADevice(index int) Device { return Device{Type: CUDA, Index: index} }

func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Storage represents a raw memory buffer on a device.
type Storage interface {
	// Device returns which device this storage lives on.
	Device() Device

	// Ptr returns the raw pointer to the data.
	// For CPU this is a Go pointer, for GPU it's a device pointer.
	Ptr() unsafe.Pointer

	// Bytes returns the underlying byte slice (CPU only, nil for GPU).
	Bytes() []byte

	// ByteLen returns the total size in bytes.
	ByteLen() int

	// Free releases the memory.
	Free()
}

// SampledShape describes the operands of the negative sampling kernels.
//
//	x:       [Batch, Dim]      float32
//	w:       [Vocab, Dim]      float32
//	t:       [Batch]           int64
//	samples: [Batch, Samples]  int64
//	scores:  [Batch, Samples+1] float32, column 0 is the true label
type SampledShape struct {
	Batch   int
	Samples int
	Dim     int
	Vocab   int
}

// Width is the number of scored rows per example (true label + negatives).
func (s SampledShape) Width() int { return s.Samples + 1 }

// Backend defines the compute interface that all hardware backends must implement.
// Each operation takes raw storage pointers and shape metadata.
type Backend interface {
	// Device info
	Name() string
	DeviceType() DeviceType

	// Memory management
	Alloc(byteLen int) (Storage, error)
	Free(s Storage)
	Copy(dst, src Storage, byteLen int) error
	// ToDevice copies src verbatim into a new storage on dst. Accelerator
	// backends handle both directions (host to device and device to host);
	// the CPU backend only copies host to host.
	ToDevice(dst Device, src Storage) (Storage, error)

	// Fill sets every element of dst to value.
	Fill(dst Storage, shape core.Shape, value float64, dtype core.DType) error

	// Add computes dst = a + b with broadcasting.
	Add(dst, a, b Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error

	// Sum reduces src along axes.
	Sum(dst, src Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error

	// Embedding gathers rows: dst[i] = w[indices[i]] for n int64 indices.
	Embedding(dst, w, indices Storage, vocab, dim, n int) error

	// EmbeddingBackward scatters rows back: dst[indices[i]] += gy[i].
	EmbeddingBackward(dst, gy, indices Storage, vocab, dim, n int) error

	// AliasDraw resolves n alias-method draws: dst[i] = cols[i] if
	// coins[i] < prob[cols[i]], else alias[cols[i]].
	// prob/coins are float64, alias/cols/dst are int64.
	AliasDraw(dst, prob, alias, cols, coins Storage, n int) error

	// SampledScores computes dst[b,0] = x[b]·w[t[b]] and
	// dst[b,j] = x[b]·w[samples[b,j-1]]. Labels outside [0, Vocab) are an error.
	SampledScores(dst, x, w, t, samples Storage, s SampledShape) error

	// SampledLoss computes dst[b] = -logσ(scores[b,0]) - Σ_j logσ(-scores[b,j]).
	SampledLoss(dst, scores Storage, s SampledShape) error

	// SampledCoef computes the upstream-scaled derivative of the loss with
	// respect to each score: (σ(z)-1)·g for column 0 and σ(z)·g otherwise.
	// gy has one element (gyStride 0) or Batch elements (gyStride 1).
	SampledCoef(dst, scores, gy Storage, gyStride int, s SampledShape) error

	// SampledInputGrad computes dst[b] = Σ_j coef[b,j]·w[row(b,j)].
	SampledInputGrad(dst, coef, w, t, samples Storage, s SampledShape) error

	// SampledWeightGrad accumulates dst[row(b,j)] += coef[b,j]·x[b].
	// Rows referenced more than once receive the sum of all contributions.
	SampledWeightGrad(dst, coef, x, t, samples Storage, s SampledShape) error
}

// Registry holds all available backends.
var (
	registryMu sync.RWMutex
	registry   = map[DeviceType]Backend{}
)

// Register adds a backend to the global registry.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.DeviceType()] = b
}

// Get returns the backend for a device type.
func Get(dt DeviceType) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[dt]
	if !ok {
		return nil, fmt.Errorf("backend %s not registered", dt)
	}
	return b, nil
}

// MultiDevice is implemented by backends that drive several devices of one
// type. GetForDevice resolves the registered backend to the one bound to
// the requested index.
type MultiDevice interface {
	ForDevice(index int) (Backend, error)
}

// GetForDevice returns the backend for a specific device.
func GetForDevice(d Device) (Backend, error) {
	b, err := Get(d.Type)
	if err != nil {
		return nil, err
	}
	if md, ok := b.(MultiDevice); ok {
		return md.ForDevice(d.Index)
	}
	return b, nil
}

// Available lists the registered device types in a stable order.
func Available() []DeviceType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out []DeviceType
	for _, dt := range []DeviceType{CPU, CUDA} {
		if _, ok := registry[dt]; ok {
			out = append(out, dt)
		}
	}
	return out
}
