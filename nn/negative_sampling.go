package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/samber/lo"

	"github.com/djeday123/nsloss/autograd"
	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/metrics"
	"github.com/djeday123/nsloss/ops"
	"github.com/djeday123/nsloss/sampler"
	"github.com/djeday123/nsloss/tensor"
)

// DefaultPower is the smoothing exponent applied to label counts.
const DefaultPower = 0.75

// Reduction selects how per-example losses are combined.
type Reduction string

const (
	ReduceSum  Reduction = "sum" // one [1] tensor holding Σ_b L[b]
	ReduceNone Reduction = "no"  // a [batch] tensor of L[b]
)

// NegativeSamplingConfig describes a negative sampling layer.
type NegativeSamplingConfig struct {
	InSize     int
	Counts     []int    // label frequencies, one per vocabulary entry
	SampleSize int      // negatives per example
	Power      *float64 // smoothing exponent; nil selects DefaultPower, 0 gives a uniform distribution
	Device     backend.Device
	Seed       uint64
	InitScale  float64 // 0 leaves W at zero
	Metrics    *metrics.Collector
}

// ForwardOptions are the per-call knobs of Forward. The zero value sums the
// loss and draws fresh negatives from the layer's generator.
type ForwardOptions struct {
	Reduce        Reduction
	ReturnSamples bool
	// Samples, if set, replaces the draw with a caller-provided [batch, k]
	// int64 tensor, e.g. the Samples of an earlier Output.
	Samples *tensor.Tensor
	// Rand, if set, is used instead of the layer's own generator.
	Rand *rand.Rand
}

// Output is the result of Forward.
type Output struct {
	Loss    *tensor.Tensor
	Samples *tensor.Tensor // nil unless ReturnSamples
}

// lockedRand serializes access to a generator shared by a layer and its
// migrated copies.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NegativeSampling contrasts the score of each example's true label with k
// labels drawn from the smoothed label distribution:
//
//	L[b] = -logσ(x[b]·W[t[b]]) - Σ_j logσ(-x[b]·W[n_bj])
//
// Negatives are drawn independently of t, so a negative may equal the true
// label or repeat within a row.
type NegativeSampling struct {
	W          *Embedding
	Sampler    *sampler.WalkerAlias
	InSize     int
	SampleSize int
	Power      float64

	device  backend.Device
	rng     *lockedRand
	metrics *metrics.Collector
}

// NewNegativeSampling builds the sampler from counts^power and allocates W
// with one row per count.
func NewNegativeSampling(cfg NegativeSamplingConfig) (*NegativeSampling, error) {
	if cfg.InSize <= 0 {
		return nil, fmt.Errorf("%w: in size %d", ErrInvalidArgument, cfg.InSize)
	}
	if cfg.SampleSize <= 0 {
		return nil, fmt.Errorf("%w: sample size %d", ErrInvalidArgument, cfg.SampleSize)
	}
	if c, i, found := lo.FindIndexOf(cfg.Counts, func(c int) bool { return c < 0 }); found {
		return nil, fmt.Errorf("%w: negative count %d at index %d", ErrInvalidArgument, c, i)
	}
	power := DefaultPower
	if cfg.Power != nil {
		power = *cfg.Power
	}
	if math.IsNaN(power) || math.IsInf(power, 0) {
		return nil, fmt.Errorf("%w: power %v", ErrInvalidArgument, power)
	}

	weights := lo.Map(cfg.Counts, func(c int, _ int) float64 {
		return math.Pow(float64(c), power)
	})
	s, err := sampler.NewWalkerAlias(weights, cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("negative sampling: %w", err)
	}

	w, err := NewEmbedding(len(cfg.Counts), cfg.InSize, cfg.InitScale, sampler.NewRand(cfg.Seed, 1), cfg.Device)
	if err != nil {
		return nil, err
	}

	return &NegativeSampling{
		W:          w,
		Sampler:    s,
		InSize:     cfg.InSize,
		SampleSize: cfg.SampleSize,
		Power:      power,
		device:     cfg.Device,
		rng:        &lockedRand{rng: sampler.NewRand(cfg.Seed, 0)},
		metrics:    cfg.Metrics,
	}, nil
}

// Device is where W and the sampler live.
func (l *NegativeSampling) Device() backend.Device { return l.device }

// Parameters returns trainable parameters.
func (l *NegativeSampling) Parameters() []*tensor.Tensor { return l.W.Parameters() }

// To returns a copy of the layer whose weights and sampler live on device.
// The copy shares the receiver's generator.
func (l *NegativeSampling) To(device backend.Device) (*NegativeSampling, error) {
	w, err := l.W.To(device)
	if err != nil {
		return nil, fmt.Errorf("negative sampling to %s: %w", device, err)
	}
	s, err := l.Sampler.To(device)
	if err != nil {
		return nil, fmt.Errorf("negative sampling to %s: %w", device, err)
	}
	out := *l
	out.W = w
	out.Sampler = s
	out.device = device
	return &out, nil
}

func (l *NegativeSampling) checkInputs(x, t *tensor.Tensor) (int, error) {
	if x.NDim() != 2 || x.Shape()[1] != l.InSize || x.DType() != tensor.Float32 {
		return 0, fmt.Errorf("%w: x must be [batch, %d] float32, got %v %s", ErrInvalidArgument, l.InSize, x.Shape(), x.DType())
	}
	batch := x.Shape()[0]
	if t.NDim() != 1 || t.DType() != tensor.Int64 {
		return 0, fmt.Errorf("%w: t must be a 1-d int64 tensor, got %v %s", ErrInvalidArgument, t.Shape(), t.DType())
	}
	if t.Shape()[0] != batch {
		return 0, fmt.Errorf("%w: %d inputs but %d labels", ErrInvalidArgument, batch, t.Shape()[0])
	}
	if x.Device() != l.device || t.Device() != l.device {
		return 0, fmt.Errorf("%w: inputs on %s/%s, layer on %s", ErrInvalidArgument, x.Device(), t.Device(), l.device)
	}
	if err := l.checkLabels(t, "label"); err != nil {
		return 0, err
	}
	return batch, nil
}

func (l *NegativeSampling) checkLabels(t *tensor.Tensor, what string) error {
	labels, err := tensor.Data[int64](t)
	if err != nil {
		return err
	}
	vocab := l.Sampler.Len()
	for i, v := range labels {
		if v < 0 || int(v) >= vocab {
			return fmt.Errorf("%w: %s %d at position %d out of range [0, %d)", ErrInvalidArgument, what, v, i, vocab)
		}
	}
	return nil
}

func (l *NegativeSampling) draw(opts ForwardOptions, batch int) (*tensor.Tensor, error) {
	if s := opts.Samples; s != nil {
		if !s.Shape().Equal(tensor.Shape{batch, l.SampleSize}) || s.DType() != tensor.Int64 {
			return nil, fmt.Errorf("%w: samples must be [%d, %d] int64, got %v %s",
				ErrInvalidArgument, batch, l.SampleSize, s.Shape(), s.DType())
		}
		if s.Device() != l.device {
			return nil, fmt.Errorf("%w: samples on %s, layer on %s", ErrInvalidArgument, s.Device(), l.device)
		}
		if err := l.checkLabels(s, "sample"); err != nil {
			return nil, err
		}
		return s, nil
	}

	shape := tensor.Shape{batch, l.SampleSize}
	if opts.Rand != nil {
		return l.Sampler.SampleBatch(opts.Rand, shape)
	}
	l.rng.mu.Lock()
	defer l.rng.mu.Unlock()
	return l.Sampler.SampleBatch(l.rng.rng, shape)
}

// Forward computes the negative sampling loss of x [batch, InSize] against
// labels t [batch]. W is not modified; gradients reach x and W through
// autograd.Backward on the returned loss.
func (l *NegativeSampling) Forward(x, t *tensor.Tensor, opts ForwardOptions) (*Output, error) {
	reduce := opts.Reduce
	if reduce == "" {
		reduce = ReduceSum
	}
	if reduce != ReduceSum && reduce != ReduceNone {
		return nil, fmt.Errorf("%w: unknown reduction %q", ErrInvalidArgument, reduce)
	}
	batch, err := l.checkInputs(x, t)
	if err != nil {
		return nil, err
	}
	samples, err := l.draw(opts, batch)
	if err != nil {
		return nil, err
	}
	drawn := opts.Samples == nil
	ownsSamples := drawn && !opts.ReturnSamples

	var scores, perExample, loss *tensor.Tensor
	fail := func(err error) (*Output, error) {
		freeTensors(scores, perExample, loss)
		if drawn {
			samples.Free()
		}
		return nil, err
	}

	bk, err := backend.GetForDevice(l.device)
	if err != nil {
		return fail(err)
	}
	shape := backend.SampledShape{
		Batch:   batch,
		Samples: l.SampleSize,
		Dim:     l.InSize,
		Vocab:   l.W.VocabSize,
	}

	if scores, err = tensor.Zeros(tensor.Shape{batch, shape.Width()}, tensor.Float32, l.device); err != nil {
		return fail(err)
	}
	w := l.W.Weight
	if err := bk.SampledScores(scores.Storage(), x.Storage(), w.Storage(), t.Storage(), samples.Storage(), shape); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}

	if perExample, err = tensor.Zeros(tensor.Shape{batch}, tensor.Float32, l.device); err != nil {
		return fail(err)
	}
	if err := bk.SampledLoss(perExample.Storage(), scores.Storage(), shape); err != nil {
		return fail(err)
	}
	tracked := x.RequiresGrad() || w.RequiresGrad()
	if tracked {
		perExample.SetRequiresGrad(true)
		perExample.SetGradFn(&negativeSamplingGradFn{
			x:           x,
			w:           w,
			t:           t,
			samples:     samples,
			scores:      scores,
			ownsSamples: ownsSamples,
			shape:       shape,
			metrics:     l.metrics,
		})
	}

	loss = perExample
	if reduce == ReduceSum {
		if loss, err = ops.SumAll(perExample); err != nil {
			return fail(err)
		}
	}

	if l.metrics != nil {
		losses, err := tensor.Data[float32](perExample)
		if err != nil {
			return fail(err)
		}
		mean := 0.0
		if batch > 0 {
			mean = lo.SumBy(losses, func(v float32) float64 { return float64(v) }) / float64(batch)
		}
		n := 0
		if drawn {
			n = l.SampleSize
		}
		l.metrics.ObserveForward(string(reduce), batch, n, mean)
	}

	// Without a graph nothing refers to the intermediates after this point.
	// With one, autograd.Release frees them.
	if !tracked {
		scores.Free()
		if loss != perExample {
			perExample.Free()
		}
		if ownsSamples {
			samples.Free()
		}
	}

	out := &Output{Loss: loss}
	if opts.ReturnSamples {
		out.Samples = samples
	}
	return out, nil
}

func freeTensors(ts ...*tensor.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Free()
		}
	}
}

// negativeSamplingGradFn backpropagates per-example losses. The gradient of
// W is scattered straight into W's grad slot; only rows touched by the
// batch change.
type negativeSamplingGradFn struct {
	x, w        *tensor.Tensor
	t, samples  *tensor.Tensor
	scores      *tensor.Tensor
	ownsSamples bool // samples were drawn here and not handed to the caller
	shape       backend.SampledShape
	metrics     *metrics.Collector
}

func (f *negativeSamplingGradFn) Name() string            { return "NegativeSamplingBackward" }
func (f *negativeSamplingGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.x, f.w} }
func (f *negativeSamplingGradFn) Backward(grad *tensor.Tensor) ([]*tensor.Tensor, error) {
	s := f.shape
	stride := 1
	switch grad.NumElements() {
	case s.Batch:
	case 1:
		stride = 0
	default:
		return nil, fmt.Errorf("grad has %d elements for batch %d", grad.NumElements(), s.Batch)
	}

	bk, err := f.w.Backend()
	if err != nil {
		return nil, err
	}
	coef, err := tensor.Zeros(f.scores.Shape(), tensor.Float32, f.w.Device())
	if err != nil {
		return nil, err
	}
	defer coef.Free()
	if err := bk.SampledCoef(coef.Storage(), f.scores.Storage(), grad.Storage(), stride, s); err != nil {
		return nil, err
	}

	var gx *tensor.Tensor
	if f.x.RequiresGrad() {
		if gx, err = tensor.Zeros(f.x.Shape(), tensor.Float32, f.x.Device()); err != nil {
			return nil, err
		}
		if err := bk.SampledInputGrad(gx.Storage(), coef.Storage(), f.w.Storage(), f.t.Storage(), f.samples.Storage(), s); err != nil {
			gx.Free()
			return nil, err
		}
	}
	if f.w.RequiresGrad() {
		gw, err := autograd.EnsureGrad(f.w)
		if err != nil {
			freeTensors(gx)
			return nil, err
		}
		if err := bk.SampledWeightGrad(gw.Storage(), coef.Storage(), f.x.Storage(), f.t.Storage(), f.samples.Storage(), s); err != nil {
			freeTensors(gx)
			return nil, err
		}
	}
	f.metrics.ObserveBackward()
	return []*tensor.Tensor{gx, nil}, nil
}

// Release frees the scores saved for Backward and the samples the caller
// never saw.
func (f *negativeSamplingGradFn) Release() {
	f.scores.Free()
	if f.ownsSamples {
		f.samples.Free()
	}
}
