// Package sampler draws indices from a fixed categorical distribution with
// Walker's alias method: O(n) construction, O(1) per draw.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samber/lo"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/core"
	"github.com/djeday123/nsloss/tensor"
)

// ErrInvalidDistribution is returned when a weight vector cannot define a
// distribution: it is empty, sums to zero, or has a negative or non-finite
// entry.
var ErrInvalidDistribution = errors.New("invalid distribution")

// WalkerAlias is an immutable alias table living on one device. Sampling
// never mutates it, so a single table may serve concurrent callers as long
// as each caller brings its own generator.
type WalkerAlias struct {
	prob   *tensor.Tensor // [n] float64
	alias  *tensor.Tensor // [n] int64
	n      int
	device backend.Device

	// host copies used by the scalar Sample path
	hostProb  []float64
	hostAlias []int64
}

// NewWalkerAlias builds the table for weights and places it on device.
func NewWalkerAlias(weights []float64, device backend.Device) (*WalkerAlias, error) {
	prob, alias, err := buildTable(weights)
	if err != nil {
		return nil, err
	}
	return newFromTables(prob, alias, device)
}

func newFromTables(prob []float64, alias []int64, device backend.Device) (*WalkerAlias, error) {
	n := len(prob)
	p, err := tensor.FromSliceOn(prob, tensor.Shape{n}, device)
	if err != nil {
		return nil, fmt.Errorf("alias table on %s: %w", device, err)
	}
	a, err := tensor.FromSliceOn(alias, tensor.Shape{n}, device)
	if err != nil {
		p.Free()
		return nil, fmt.Errorf("alias table on %s: %w", device, err)
	}
	return &WalkerAlias{
		prob:      p,
		alias:     a,
		n:         n,
		device:    device,
		hostProb:  prob,
		hostAlias: alias,
	}, nil
}

// buildTable runs Vose's construction. Weights are rescaled so their mean
// is 1; slots below 1 are topped up from slots above 1.
func buildTable(weights []float64) ([]float64, []int64, error) {
	n := len(weights)
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: no weights", ErrInvalidDistribution)
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, nil, fmt.Errorf("%w: weight %v at index %d", ErrInvalidDistribution, w, i)
		}
	}
	total := lo.Sum(weights)
	if total == 0 || math.IsInf(total, 0) {
		return nil, nil, fmt.Errorf("%w: total weight %v", ErrInvalidDistribution, total)
	}

	scaled := lo.Map(weights, func(w float64, _ int) float64 {
		return w * float64(n) / total
	})
	prob := make([]float64, n)
	alias := make([]int64, n)

	small := make([]int, 0, n)
	large := make([]int, 0, n)
	for i, w := range scaled {
		if w < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]

		prob[s] = scaled[s]
		alias[s] = int64(l)

		scaled[l] -= 1 - scaled[s]
		if scaled[l] < 1 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}

	// Whatever remains is 1 up to rounding and keeps its own slot.
	for _, i := range append(small, large...) {
		prob[i] = 1
		alias[i] = int64(i)
	}
	return prob, alias, nil
}

// Len is the number of outcomes.
func (w *WalkerAlias) Len() int { return w.n }

// Device is where the table lives.
func (w *WalkerAlias) Device() backend.Device { return w.device }

// Prob returns a copy of the coin-flip table.
func (w *WalkerAlias) Prob() []float64 { return append([]float64(nil), w.hostProb...) }

// Alias returns a copy of the alias table.
func (w *WalkerAlias) Alias() []int64 { return append([]int64(nil), w.hostAlias...) }

// Probability is the exact probability of drawing i implied by the table.
func (w *WalkerAlias) Probability(i int) float64 {
	if i < 0 || i >= w.n {
		return 0
	}
	mass := w.hostProb[i]
	for j, a := range w.hostAlias {
		if int(a) == i && j != i {
			mass += 1 - w.hostProb[j]
		}
	}
	return mass / float64(w.n)
}

// Sample draws one index.
func (w *WalkerAlias) Sample(rng *rand.Rand) int {
	i := rng.IntN(w.n)
	if rng.Float64() < w.hostProb[i] {
		return i
	}
	return int(w.hostAlias[i])
}

// SampleBatch draws shape.NumElements() independent indices into an int64
// tensor on the table's device. Uniforms are generated on the host in the
// same order as repeated Sample calls, so a batch and a loop over Sample
// produce identical draws from identically seeded generators.
func (w *WalkerAlias) SampleBatch(rng *rand.Rand, shape core.Shape) (*tensor.Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	count := shape.NumElements()

	cols := make([]int64, count)
	coins := make([]float64, count)
	for i := range cols {
		cols[i] = int64(rng.IntN(w.n))
		coins[i] = rng.Float64()
	}

	colT, err := tensor.FromSliceOn(cols, tensor.Shape{count}, w.device)
	if err != nil {
		return nil, err
	}
	defer colT.Free()
	coinT, err := tensor.FromSliceOn(coins, tensor.Shape{count}, w.device)
	if err != nil {
		return nil, err
	}
	defer coinT.Free()

	bk, err := backend.GetForDevice(w.device)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Zeros(shape, tensor.Int64, w.device)
	if err != nil {
		return nil, err
	}
	if err := bk.AliasDraw(out.Storage(), w.prob.Storage(), w.alias.Storage(), colT.Storage(), coinT.Storage(), count); err != nil {
		out.Free()
		return nil, fmt.Errorf("sample batch: %w", err)
	}
	return out, nil
}

// To returns a copy of the sampler on device. Tables are copied verbatim;
// the receiver is not modified.
func (w *WalkerAlias) To(device backend.Device) (*WalkerAlias, error) {
	p, err := w.prob.To(device)
	if err != nil {
		return nil, err
	}
	a, err := w.alias.To(device)
	if err != nil {
		p.Free()
		return nil, err
	}
	return &WalkerAlias{
		prob:      p,
		alias:     a,
		n:         w.n,
		device:    device,
		hostProb:  w.Prob(),
		hostAlias: w.Alias(),
	}, nil
}

// Tables returns the device-resident prob and alias tensors.
func (w *WalkerAlias) Tables() (prob, alias *tensor.Tensor) { return w.prob, w.alias }
