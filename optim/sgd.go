package optim

import "github.com/djeday123/nsloss/tensor"

// SGD is plain stochastic gradient descent. Entries whose gradient is zero
// are left untouched, so rows a negative sampling batch never saw cost
// nothing beyond the scan.
type SGD struct {
	Params []*tensor.Tensor
	LR     float64
}

func NewSGD(params []*tensor.Tensor, lr float64) *SGD {
	return &SGD{Params: params, LR: lr}
}

// Step performs one optimization step.
func (opt *SGD) Step() error {
	lr := float32(opt.LR)
	for _, p := range opt.Params {
		err := withHost(p, func(pData, gData []float32) {
			for j, g := range gData {
				if g != 0 {
					pData[j] -= lr * g
				}
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ZeroGrad clears all gradients.
func (opt *SGD) ZeroGrad() error { return zeroGrad(opt.Params) }

func (opt *SGD) GetLR() float64   { return opt.LR }
func (opt *SGD) SetLR(lr float64) { opt.LR = lr }
