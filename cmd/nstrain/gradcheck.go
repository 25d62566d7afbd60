package main

import (
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/djeday123/nsloss/autograd"
	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/nn"
	"github.com/djeday123/nsloss/tensor"
)

type gradCheckFlags struct {
	device string
	seed   uint64
	eps    float64
}

func newGradCheckCmd() *cobra.Command {
	var f gradCheckFlags
	cmd := &cobra.Command{
		Use:   "gradcheck",
		Short: "Compare analytic negative sampling gradients with finite differences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			worst, err := runGradCheck(cmd.OutOrStdout(), f)
			if err != nil {
				return err
			}
			if worst > 0.01 {
				return fmt.Errorf("gradient check failed: max rel_err %.6f", worst)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.device, "device", "cpu", "device to run on")
	cmd.Flags().Uint64Var(&f.seed, "seed", 8, "layer seed")
	cmd.Flags().Float64Var(&f.eps, "eps", 1e-2, "finite difference step")
	return cmd
}

// runGradCheck returns the largest relative error seen over every input and
// weight element.
func runGradCheck(out io.Writer, f gradCheckFlags) (float64, error) {
	fmt.Fprintln(out, "=== Gradient Check ===")
	dev, err := backend.ParseDevice(f.device)
	if err != nil {
		return 0, err
	}
	layer, err := nn.NewNegativeSampling(nn.NegativeSamplingConfig{
		InSize:     3,
		Counts:     []int{4, 3, 2, 1, 1},
		SampleSize: 3,
		InitScale:  0.7,
		Seed:       f.seed,
		Device:     dev,
	})
	if err != nil {
		return 0, err
	}

	xData := []float32{0.4, -0.2, 0.9, -1.1, 0.3, 0.5}
	labels, err := tensor.FromSliceOn([]int64{2, 4}, tensor.Shape{2}, dev)
	if err != nil {
		return 0, err
	}
	samples, err := tensor.FromSliceOn([]int64{0, 2, 3, 1, 4, 4}, tensor.Shape{2, 3}, dev)
	if err != nil {
		return 0, err
	}
	opts := nn.ForwardOptions{Samples: samples}

	lossAt := func(xs []float32) (float64, error) {
		x, err := tensor.FromSliceOn(xs, tensor.Shape{2, 3}, dev)
		if err != nil {
			return 0, err
		}
		o, err := layer.Forward(x, labels, opts)
		if err != nil {
			return 0, err
		}
		v, err := tensor.Data[float32](o.Loss)
		if err != nil {
			return 0, err
		}
		return float64(v[0]), nil
	}

	x, err := tensor.FromSliceOn(xData, tensor.Shape{2, 3}, dev)
	if err != nil {
		return 0, err
	}
	x.SetRequiresGrad(true)
	o, err := layer.Forward(x, labels, opts)
	if err != nil {
		return 0, err
	}
	if err := autograd.Backward(o.Loss); err != nil {
		return 0, err
	}
	loss, err := tensor.Data[float32](o.Loss)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(out, "Loss: %.6f\n", loss[0])

	gx, err := tensor.Data[float32](x.Grad())
	if err != nil {
		return 0, err
	}
	gw, err := tensor.Data[float32](layer.W.Weight.Grad())
	if err != nil {
		return 0, err
	}
	w, err := tensor.Data[float32](layer.W.Weight)
	if err != nil {
		return 0, err
	}

	eps := float32(f.eps)
	report := func(name string, ana []float32, perturb func(i int, delta float32) (float64, error)) (float64, error) {
		worst := 0.0
		for i := range ana {
			up, err := perturb(i, eps)
			if err != nil {
				return 0, err
			}
			down, err := perturb(i, -eps)
			if err != nil {
				return 0, err
			}
			num := (up - down) / (2 * float64(eps))
			a := float64(ana[i])
			rel := math.Abs(num-a) / (math.Abs(num) + math.Abs(a) + 1e-8)
			// float32 forward passes put a floor on the difference quotient.
			if math.Abs(num-a) < 1e-4 {
				rel = 0
			}
			worst = max(worst, rel)
		}
		status := "✓"
		if worst > 0.01 {
			status = "✗ BAD"
		} else if worst > 0.001 {
			status = "~ OK"
		}
		fmt.Fprintf(out, "%-10s: %3d elements max_err=%.6f %s\n", name, len(ana), worst, status)
		return worst, nil
	}

	fmt.Fprintln(out, "\n--- Numerical Gradient Check ---")
	worstX, err := report("x", gx, func(i int, d float32) (float64, error) {
		xs := append([]float32(nil), xData...)
		xs[i] += d
		return lossAt(xs)
	})
	if err != nil {
		return 0, err
	}
	worstW, err := report("W", gw, func(i int, d float32) (float64, error) {
		ws := append([]float32(nil), w...)
		ws[i] += d
		if err := tensor.SetData(layer.W.Weight, ws); err != nil {
			return 0, err
		}
		defer tensor.SetData(layer.W.Weight, w)
		return lossAt(xData)
	})
	if err != nil {
		return 0, err
	}
	return max(worstX, worstW), nil
}
