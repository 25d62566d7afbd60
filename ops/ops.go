package ops

import (
	"fmt"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/tensor"
)

// ---- Autograd function implementations ----

type addGradFn struct {
	a, b *tensor.Tensor
}

func (f *addGradFn) Name() string            { return "AddBackward" }
func (f *addGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *addGradFn) Backward(grad *tensor.Tensor) ([]*tensor.Tensor, error) {
	// d(a+b)/da = 1, d(a+b)/db = 1, reduced over broadcast axes
	gradA, err := sumTo(grad, f.a.Shape())
	if err != nil {
		return nil, err
	}
	gradB, err := sumTo(grad, f.b.Shape())
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradA, gradB}, nil
}

type sumGradFn struct {
	input *tensor.Tensor
	kept  tensor.Shape // output shape with reduced axes kept as 1
}

func (f *sumGradFn) Name() string            { return "SumBackward" }
func (f *sumGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *sumGradFn) Backward(grad *tensor.Tensor) ([]*tensor.Tensor, error) {
	// d(sum)/dx = 1: broadcast the upstream grad back over the reduced axes
	g, err := grad.View(f.kept)
	if err != nil {
		return nil, err
	}
	zeros, err := tensor.Zeros(f.input.Shape(), grad.DType(), grad.Device())
	if err != nil {
		return nil, err
	}
	defer zeros.Free()
	out, err := add(zeros, g)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

// ---- Public API ----

func getBackend(t *tensor.Tensor) (backend.Backend, error) {
	return backend.GetForDevice(t.Device())
}

func allocOutput(shape tensor.Shape, dtype tensor.DType, device backend.Device) (backend.Storage, error) {
	bk, err := backend.GetForDevice(device)
	if err != nil {
		return nil, err
	}
	return bk.Alloc(shape.NumElements() * int(dtype.Size()))
}

func needsGrad(tensors ...*tensor.Tensor) bool {
	for _, t := range tensors {
		if t.RequiresGrad() {
			return true
		}
	}
	return false
}

func sameDevice(a, b *tensor.Tensor) error {
	if a.Device() != b.Device() {
		return fmt.Errorf("operands on different devices: %s and %s", a.Device(), b.Device())
	}
	if a.DType() != b.DType() {
		return fmt.Errorf("operands have different dtypes: %s and %s", a.DType(), b.DType())
	}
	return nil
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := add(a, b)
	if err != nil {
		return nil, err
	}
	if needsGrad(a, b) {
		out.SetRequiresGrad(true)
		out.SetGradFn(&addGradFn{a: a, b: b})
	}
	return out, nil
}

func add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if err := sameDevice(a, b); err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	bk, err := getBackend(a)
	if err != nil {
		return nil, err
	}

	outShape, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, err
	}

	store, err := allocOutput(outShape, a.DType(), a.Device())
	if err != nil {
		return nil, err
	}

	if err := bk.Add(store, a.Storage(), b.Storage(), a.Shape(), b.Shape(), outShape, a.DType()); err != nil {
		store.Free()
		return nil, err
	}
	return tensor.NewTensor(store, outShape, a.DType()), nil
}

// AddInPlace accumulates src into dst. src must broadcast to dst's shape.
func AddInPlace(dst, src *tensor.Tensor) error {
	if err := sameDevice(dst, src); err != nil {
		return fmt.Errorf("add in place: %w", err)
	}
	outShape, err := tensor.BroadcastShapes(dst.Shape(), src.Shape())
	if err != nil {
		return err
	}
	if !outShape.Equal(dst.Shape()) {
		return fmt.Errorf("add in place: %v does not broadcast to %v", src.Shape(), dst.Shape())
	}
	bk, err := getBackend(dst)
	if err != nil {
		return err
	}
	return bk.Add(dst.Storage(), dst.Storage(), src.Storage(), dst.Shape(), src.Shape(), dst.Shape(), dst.DType())
}

// Sum reduces t along axes. An empty axes list reduces every axis, giving a
// one-element tensor of shape [1] (or all ones with keepDim).
func Sum(t *tensor.Tensor, axes []int, keepDim bool) (*tensor.Tensor, error) {
	bk, err := getBackend(t)
	if err != nil {
		return nil, err
	}

	shape := t.Shape()
	if len(axes) == 0 {
		axes = make([]int, len(shape))
		for i := range axes {
			axes[i] = i
		}
	}
	reduced := make(map[int]bool, len(axes))
	for _, a := range axes {
		if a < 0 || a >= len(shape) {
			return nil, fmt.Errorf("sum: axis %d out of range for %d dimensions", a, len(shape))
		}
		reduced[a] = true
	}

	kept := shape.Clone()
	var outShape tensor.Shape
	for d, n := range shape {
		if reduced[d] {
			kept[d] = 1
			continue
		}
		outShape = append(outShape, n)
	}
	if keepDim {
		outShape = kept.Clone()
	}
	if len(outShape) == 0 {
		outShape = tensor.Shape{1}
	}

	store, err := allocOutput(outShape, t.DType(), t.Device())
	if err != nil {
		return nil, err
	}
	if err := bk.Sum(store, t.Storage(), shape, axes, keepDim, t.DType()); err != nil {
		store.Free()
		return nil, err
	}

	out := tensor.NewTensor(store, outShape, t.DType())
	if needsGrad(t) {
		out.SetRequiresGrad(true)
		out.SetGradFn(&sumGradFn{input: t, kept: kept})
	}
	return out, nil
}

// SumAll reduces every element of t into a [1] tensor.
func SumAll(t *tensor.Tensor) (*tensor.Tensor, error) {
	return Sum(t, nil, false)
}

// Fill sets every element of t to value in place.
func Fill(t *tensor.Tensor, value float64) error {
	bk, err := getBackend(t)
	if err != nil {
		return err
	}
	return bk.Fill(t.Storage(), t.Shape(), value, t.DType())
}

// sumTo reduces grad to shape, undoing broadcasting.
func sumTo(grad *tensor.Tensor, shape tensor.Shape) (*tensor.Tensor, error) {
	gs := grad.Shape()
	if gs.Equal(shape) {
		return grad, nil
	}
	lead := len(gs) - len(shape)
	var axes []int
	for d := range gs {
		if d < lead || (shape[d-lead] == 1 && gs[d] != 1) {
			axes = append(axes, d)
		}
	}
	if len(axes) == 0 {
		return grad.View(shape)
	}
	s, err := Sum(detach(grad), axes, true)
	if err != nil {
		return nil, err
	}
	return s.View(shape)
}

// detach returns a graph-free alias of t.
func detach(t *tensor.Tensor) *tensor.Tensor {
	return tensor.NewTensor(t.Storage(), t.Shape(), t.DType())
}
