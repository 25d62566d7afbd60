package tensor

import (
	"fmt"

	"github.com/djeday123/nsloss/backend"
)

// Tensor is the core n-dimensional array.
// It can live on any device and supports autograd.
type Tensor struct {
	storage backend.Storage
	shape   Shape
	strides Strides
	dtype   DType

	// Autograd fields
	requiresGrad bool
	grad         *Tensor
	gradFn       GradFn // function that produced this tensor
	isLeaf       bool   // true if created by user (not by an op)
}

// GradFn represents the backward function for autograd.
//
// Backward returns one gradient per input (nil entries are skipped). A GradFn
// may also accumulate directly into an input's grad slot, in which case it
// returns nil for that input.
type GradFn interface {
	Backward(gradOutput *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
	Name() string
}

// ---- Constructors ----

// NewTensor creates a tensor with given storage and metadata.
func NewTensor(storage backend.Storage, shape Shape, dtype DType) *Tensor {
	strides := ContiguousStrides(shape, dtype.Size())
	return &Tensor{
		storage: storage,
		shape:   shape.Clone(),
		strides: strides,
		dtype:   dtype,
		isLeaf:  true,
	}
}

func dtypeOf[T float32 | float64 | int32 | int64]() DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	default:
		return Int64
	}
}

// FromSlice creates a CPU tensor from a Go slice. The data is copied.
func FromSlice[T float32 | float64 | int32 | int64](data []T, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	n := shape.NumElements()
	if len(data) != n {
		return nil, fmt.Errorf("data length %d != shape elements %d", len(data), n)
	}
	dtype := dtypeOf[T]()

	b, err := backend.Get(backend.CPU)
	if err != nil {
		return nil, err
	}

	byteLen := n * int(dtype.Size())
	store, err := b.Alloc(byteLen)
	if err != nil {
		return nil, err
	}

	copySliceToStorage(data, store.Bytes())

	return NewTensor(store, shape, dtype), nil
}

// FromSliceOn creates a tensor from a Go slice and places it on device.
func FromSliceOn[T float32 | float64 | int32 | int64](data []T, shape Shape, device backend.Device) (*Tensor, error) {
	t, err := FromSlice(data, shape)
	if err != nil {
		return nil, err
	}
	if device.Type == backend.CPU {
		return t, nil
	}
	defer t.Free()
	return t.To(device)
}

// Full creates a tensor filled with value.
func Full(shape Shape, dtype DType, value float64, device backend.Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	b, err := backend.GetForDevice(device)
	if err != nil {
		return nil, err
	}

	n := shape.NumElements()
	byteLen := n * int(dtype.Size())
	store, err := b.Alloc(byteLen)
	if err != nil {
		return nil, err
	}

	if err := b.Fill(store, shape, value, dtype); err != nil {
		store.Free()
		return nil, err
	}

	return NewTensor(store, shape, dtype), nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape, dtype DType, device backend.Device) (*Tensor, error) {
	return Full(shape, dtype, 0, device)
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape, dtype DType, device backend.Device) (*Tensor, error) {
	return Full(shape, dtype, 1, device)
}

// ---- Accessors ----

func (t *Tensor) Shape() Shape             { return t.shape }
func (t *Tensor) Strides() Strides         { return t.strides }
func (t *Tensor) DType() DType             { return t.dtype }
func (t *Tensor) NDim() int                { return len(t.shape) }
func (t *Tensor) NumElements() int         { return t.shape.NumElements() }
func (t *Tensor) Device() backend.Device   { return t.storage.Device() }
func (t *Tensor) Storage() backend.Storage { return t.storage }
func (t *Tensor) IsLeaf() bool             { return t.isLeaf }

// Backend returns the backend that owns this tensor's storage.
func (t *Tensor) Backend() (backend.Backend, error) {
	return backend.GetForDevice(t.Device())
}

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	t.requiresGrad = v
	return t
}

func (t *Tensor) Grad() *Tensor { return t.grad }

func (t *Tensor) SetGradFn(fn GradFn) {
	t.gradFn = fn
	t.isLeaf = false
}

func (t *Tensor) GradFn() GradFn { return t.gradFn }

func (t *Tensor) SetGrad(grad *Tensor) { t.grad = grad }

// ---- Views ----

// View returns a tensor with a new shape but shared storage.
func (t *Tensor) View(newShape Shape) (*Tensor, error) {
	if newShape.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("view shape %v has %d elements, need %d",
			newShape, newShape.NumElements(), t.NumElements())
	}
	return &Tensor{
		storage:      t.storage,
		shape:        newShape.Clone(),
		strides:      ContiguousStrides(newShape, t.dtype.Size()),
		dtype:        t.dtype,
		requiresGrad: t.requiresGrad,
		isLeaf:       false,
	}, nil
}

// ---- Migration ----

// To returns a copy of t on device. Values are copied verbatim; the copy is a
// fresh leaf that keeps the RequiresGrad flag but not the grad or graph.
//
// Transfers involving an accelerator are performed by that accelerator's
// backend, so a CPU-only build can still move tensors between host buffers.
func (t *Tensor) To(device backend.Device) (*Tensor, error) {
	owner := device
	if src := t.Device(); src.Type != backend.CPU {
		owner = src
	}
	b, err := backend.GetForDevice(owner)
	if err != nil {
		return nil, fmt.Errorf("tensor to %s: %w", device, err)
	}
	store, err := b.ToDevice(device, t.storage)
	if err != nil {
		return nil, fmt.Errorf("tensor to %s: %w", device, err)
	}
	out := NewTensor(store, t.shape, t.dtype)
	out.requiresGrad = t.requiresGrad
	return out, nil
}

// Clone returns a copy of t on its own device.
func (t *Tensor) Clone() (*Tensor, error) {
	return t.To(t.Device())
}

// Free releases the underlying storage.
func (t *Tensor) Free() {
	if t.storage != nil {
		t.storage.Free()
		t.storage = nil
	}
	if t.grad != nil {
		t.grad.Free()
		t.grad = nil
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, grad=%v)",
		t.shape, t.dtype, t.Device(), t.requiresGrad)
}
