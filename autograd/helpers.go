package autograd

import (
	"fmt"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/tensor"
)

// AddTensors adds two tensors element-wise for gradient accumulation.
func AddTensors(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	bk, err := backend.GetForDevice(a.Device())
	if err != nil {
		return nil, err
	}

	outShape, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, err
	}

	n := outShape.NumElements()
	store, err := bk.Alloc(n * int(a.DType().Size()))
	if err != nil {
		return nil, err
	}

	err = bk.Add(store, a.Storage(), b.Storage(), a.Shape(), b.Shape(), outShape, a.DType())
	if err != nil {
		store.Free()
		return nil, err
	}

	return tensor.NewTensor(store, outShape, a.DType()), nil
}

func addInto(dst, src *tensor.Tensor) error {
	if src.NumElements() != dst.NumElements() {
		return fmt.Errorf("accumulate grad: shape %v into %v", src.Shape(), dst.Shape())
	}
	bk, err := backend.GetForDevice(dst.Device())
	if err != nil {
		return err
	}
	return bk.Add(dst.Storage(), dst.Storage(), src.Storage(), dst.Shape(), dst.Shape(), dst.Shape(), dst.DType())
}

// EnsureGrad returns t's grad slot, allocating a zero tensor on t's device
// the first time. GradFns that scatter into a parameter use it to accumulate
// in place.
func EnsureGrad(t *tensor.Tensor) (*tensor.Tensor, error) {
	if g := t.Grad(); g != nil {
		return g, nil
	}
	g, err := tensor.Zeros(t.Shape(), t.DType(), t.Device())
	if err != nil {
		return nil, err
	}
	t.SetGrad(g)
	return g, nil
}

// ZeroGrad resets the grad slots of params to zero, keeping the buffers.
func ZeroGrad(params ...*tensor.Tensor) error {
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		bk, err := backend.GetForDevice(g.Device())
		if err != nil {
			return err
		}
		if err := bk.Fill(g.Storage(), g.Shape(), 0, g.DType()); err != nil {
			return err
		}
	}
	return nil
}
