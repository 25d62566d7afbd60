package autograd

import (
	"fmt"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/tensor"
)

// Backward computes gradients for all leaf tensors that require grad.
// loss must be a scalar tensor (1 element).
func Backward(loss *tensor.Tensor) error {
	if loss.NumElements() != 1 {
		panic("backward requires scalar loss")
	}

	// Initialize grad of loss as 1.0
	onesGrad, err := tensor.Ones(loss.Shape(), loss.DType(), loss.Device())
	if err != nil {
		return err
	}
	defer onesGrad.Free()
	return BackwardWithGrad(loss, onesGrad)
}

// BackwardWithGrad runs the reverse pass from out, seeding it with grad.
// grad must have the same shape as out; non-scalar outputs are allowed.
// Leaf gradients are accumulated into existing grad slots. Intermediate
// gradients are freed before returning; grad itself is left to the caller.
func BackwardWithGrad(out, grad *tensor.Tensor) error {
	if !grad.Shape().Equal(out.Shape()) {
		return fmt.Errorf("backward: grad shape %v does not match output shape %v", grad.Shape(), out.Shape())
	}

	// Topological sort (reverse)
	visited := make(map[*tensor.Tensor]bool)
	var order []*tensor.Tensor
	var topoSort func(t *tensor.Tensor)
	topoSort = func(t *tensor.Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.GradFn() != nil {
			for _, input := range t.GradFn().Inputs() {
				topoSort(input)
			}
		}
		order = append(order, t)
	}
	topoSort(out)

	// Assign initial gradient
	gradMap := make(map[*tensor.Tensor]*tensor.Tensor)
	gradMap[out] = grad

	var produced []*tensor.Tensor
	defer func() { freeGrads(produced, grad) }()

	// Backward pass in reverse topological order
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g, ok := gradMap[t]
		if !ok || t.GradFn() == nil {
			continue
		}

		inputGrads, err := t.GradFn().Backward(g)
		if err != nil {
			return fmt.Errorf("%s: %w", t.GradFn().Name(), err)
		}
		inputs := t.GradFn().Inputs()

		for j, input := range inputs {
			if j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			produced = append(produced, inputGrads[j])
			if existing, ok := gradMap[input]; ok {
				// Accumulate gradients
				accumulated, err := AccumulateGrad(existing, inputGrads[j])
				if err != nil {
					return err
				}
				produced = append(produced, accumulated)
				gradMap[input] = accumulated
			} else {
				gradMap[input] = inputGrads[j]
			}
		}
	}

	// Assign gradients to leaf tensors
	for t, g := range gradMap {
		if t.IsLeaf() && t.RequiresGrad() {
			if err := setGrad(t, g); err != nil {
				return err
			}
		}
	}

	return nil
}

// freeGrads frees each distinct buffer behind grads, except keep's. Views
// share their base's buffer, so buffers are freed once.
func freeGrads(grads []*tensor.Tensor, keep *tensor.Tensor) {
	seen := map[backend.Storage]bool{keep.Storage(): true}
	for _, g := range grads {
		s := g.Storage()
		if s == nil || seen[s] {
			continue
		}
		seen[s] = true
		g.Free()
	}
}

// setGrad stores grad in t's grad slot, adding to whatever is already there.
func setGrad(t *tensor.Tensor, grad *tensor.Tensor) error {
	if existing := t.Grad(); existing != nil {
		return addInto(existing, grad)
	}
	// Clone: the same tensor may have been handed to several inputs.
	c, err := grad.Clone()
	if err != nil {
		return err
	}
	t.SetGrad(c)
	return nil
}

// AccumulateGrad adds two gradient tensors element-wise.
func AccumulateGrad(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	// Use the backend directly to avoid an import cycle with ops.
	return AddTensors(a, b)
}
