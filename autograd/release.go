package autograd

import (
	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/tensor"
)

// Releaser is implemented by GradFns that hold buffers of their own, such
// as saved activations. Release frees them.
type Releaser interface {
	Release()
}

// Release frees the buffers of every tensor in root's graph that carries a
// GradFn, root included. Leaves keep their storage and grads. The graph must
// not be used afterwards.
func Release(root *tensor.Tensor) {
	if root == nil {
		return
	}
	visited := make(map[*tensor.Tensor]bool)
	keep := make(map[backend.Storage]bool)
	var nodes []*tensor.Tensor
	var walk func(t *tensor.Tensor)
	walk = func(t *tensor.Tensor) {
		if t == nil || visited[t] {
			return
		}
		visited[t] = true
		fn := t.GradFn()
		if fn == nil {
			keep[t.Storage()] = true
			return
		}
		for _, in := range fn.Inputs() {
			walk(in)
		}
		nodes = append(nodes, t)
	}
	walk(root)

	for _, t := range nodes {
		if r, ok := t.GradFn().(Releaser); ok {
			r.Release()
		}
		s := t.Storage()
		if s == nil || keep[s] {
			continue
		}
		keep[s] = true
		t.Free()
	}
}
