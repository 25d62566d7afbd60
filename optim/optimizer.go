package optim

import (
	"fmt"

	"github.com/djeday123/nsloss/autograd"
	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/tensor"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad() error
	GetLR() float64
	SetLR(lr float64)
}

// New returns the optimizer called name ("sgd" or "adamw").
func New(name string, params []*tensor.Tensor, lr float64) (Optimizer, error) {
	switch name {
	case "sgd":
		return NewSGD(params, lr), nil
	case "adamw":
		return NewAdamW(params, lr), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// withHost runs fn over host views of p and its gradient. Parameters on an
// accelerator are downloaded, updated on the host and uploaded again.
func withHost(p *tensor.Tensor, fn func(param, grad []float32)) error {
	g := p.Grad()
	if g == nil {
		return nil
	}
	if p.DType() != tensor.Float32 {
		return fmt.Errorf("optimizer: parameter dtype %s, want float32", p.DType())
	}
	if p.Device().Type == backend.CPU {
		fn(p.ToFloat32Slice(), g.ToFloat32Slice())
		return nil
	}

	pData, err := tensor.Data[float32](p)
	if err != nil {
		return err
	}
	gData, err := tensor.Data[float32](g)
	if err != nil {
		return err
	}
	fn(pData, gData)
	if err := tensor.SetData(p, pData); err != nil {
		return err
	}
	return tensor.SetData(g, gData)
}

func zeroGrad(params []*tensor.Tensor) error {
	return autograd.ZeroGrad(params...)
}
