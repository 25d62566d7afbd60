package nn_test

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djeday123/nsloss/autograd"
	"github.com/djeday123/nsloss/backend"
	_ "github.com/djeday123/nsloss/backend/cpu"
	"github.com/djeday123/nsloss/core"
	"github.com/djeday123/nsloss/metrics"
	"github.com/djeday123/nsloss/nn"
	"github.com/djeday123/nsloss/sampler"
	"github.com/djeday123/nsloss/tensor"
)

func newLayer(t *testing.T, cfg nn.NegativeSamplingConfig) *nn.NegativeSampling {
	t.Helper()
	cfg.Device = backend.CPU0
	l, err := nn.NewNegativeSampling(cfg)
	require.NoError(t, err)
	return l
}

func f32(t *testing.T, data []float32, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape(shape))
	require.NoError(t, err)
	return x
}

func i64(t *testing.T, data []int64, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape(shape))
	require.NoError(t, err)
	return x
}

func setRow(l *nn.NegativeSampling, row int, values ...float32) {
	w := l.W.Weight.ToFloat32Slice()
	copy(w[row*l.InSize:(row+1)*l.InSize], values)
}

func scalar(t *testing.T, loss *tensor.Tensor) float64 {
	t.Helper()
	v, err := tensor.Data[float32](loss)
	require.NoError(t, err)
	require.Len(t, v, 1)
	return float64(v[0])
}

func TestConcreteScenario(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 4, Counts: []int{10, 1, 1, 1}, SampleSize: 2})
	assert.Equal(t, 0.75, l.Power)
	setRow(l, 0, 1, 0, 0, 0)

	x := f32(t, []float32{1, 0, 0, 0}, 1, 4)
	labels := i64(t, []int64{0}, 1)
	forced := i64(t, []int64{1, 2}, 1, 2)

	out, err := l.Forward(x, labels, nn.ForwardOptions{Samples: forced})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1}, out.Loss.Shape())
	assert.Nil(t, out.Samples)

	want := -core.LogSigmoid(1) - 2*core.LogSigmoid(0)
	assert.InDelta(t, 1.700, want, 1e-3)
	assert.InDelta(t, want, scalar(t, out.Loss), 1e-6)
}

func TestSmoothedDistribution(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{16, 1, 0, 81}, SampleSize: 1, Power: lo.ToPtr(0.5)})
	// sqrt weights 4, 1, 0, 9
	for i, w := range []float64{4, 1, 0, 9} {
		assert.InDelta(t, w/14, l.Sampler.Probability(i), 1e-12)
	}
}

func TestZeroPowerIsUniform(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{10, 1, 1, 1}, SampleSize: 1, Power: lo.ToPtr(0.0)})
	assert.Equal(t, 0.0, l.Power)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 0.25, l.Sampler.Probability(i), 1e-12)
	}
}

func TestConstructionErrors(t *testing.T) {
	_, err := nn.NewNegativeSampling(nn.NegativeSamplingConfig{InSize: 4, Counts: []int{0, 0, 0}, SampleSize: 2})
	assert.True(t, errors.Is(err, sampler.ErrInvalidDistribution), "all-zero counts: %v", err)

	_, err = nn.NewNegativeSampling(nn.NegativeSamplingConfig{InSize: 4, Counts: nil, SampleSize: 2})
	assert.True(t, errors.Is(err, sampler.ErrInvalidDistribution), "empty counts: %v", err)

	_, err = nn.NewNegativeSampling(nn.NegativeSamplingConfig{InSize: 4, Counts: []int{1, -1}, SampleSize: 2})
	assert.True(t, errors.Is(err, nn.ErrInvalidArgument), "negative count: %v", err)

	_, err = nn.NewNegativeSampling(nn.NegativeSamplingConfig{InSize: 0, Counts: []int{1}, SampleSize: 2})
	assert.True(t, errors.Is(err, nn.ErrInvalidArgument), "in size: %v", err)

	_, err = nn.NewNegativeSampling(nn.NegativeSamplingConfig{InSize: 3, Counts: []int{1}, SampleSize: 0})
	assert.True(t, errors.Is(err, nn.ErrInvalidArgument), "sample size: %v", err)

	_, err = nn.NewNegativeSampling(nn.NegativeSamplingConfig{InSize: 3, Counts: []int{1}, SampleSize: 1, Power: lo.ToPtr(math.NaN())})
	assert.True(t, errors.Is(err, nn.ErrInvalidArgument), "power: %v", err)
}

func TestForwardArgumentErrors(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{1, 2, 3}, SampleSize: 2})
	x := f32(t, []float32{1, 2, 3, 4}, 2, 2)
	labels := i64(t, []int64{0, 1}, 2)

	cases := map[string]struct {
		x, t *tensor.Tensor
		opts nn.ForwardOptions
	}{
		"mean reduction":   {x, labels, nn.ForwardOptions{Reduce: "mean"}},
		"length mismatch":  {x, i64(t, []int64{0, 1, 2}, 3), nn.ForwardOptions{}},
		"label too large":  {x, i64(t, []int64{0, 3}, 2), nn.ForwardOptions{}},
		"negative label":   {x, i64(t, []int64{-1, 0}, 2), nn.ForwardOptions{}},
		"wrong in size":    {f32(t, []float32{1, 2, 3}, 1, 3), i64(t, []int64{0}, 1), nn.ForwardOptions{}},
		"float labels":     {x, f32(t, []float32{0, 1}, 2), nn.ForwardOptions{}},
		"bad sample shape": {x, labels, nn.ForwardOptions{Samples: i64(t, []int64{0, 1}, 2, 1)}},
		"bad sample value": {x, labels, nn.ForwardOptions{Samples: i64(t, []int64{0, 1, 2, 5}, 2, 2)}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Forward(c.x, c.t, c.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, nn.ErrInvalidArgument), "%v", err)
		})
	}
}

func TestReturnSamples(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 3, Counts: []int{10, 0, 0, 5}, SampleSize: 4, Seed: 11})
	x := f32(t, make([]float32, 15), 5, 3)
	labels := i64(t, []int64{0, 1, 2, 3, 0}, 5)

	out, err := l.Forward(x, labels, nn.ForwardOptions{Reduce: nn.ReduceNone, ReturnSamples: true})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{5}, out.Loss.Shape())
	require.NotNil(t, out.Samples)
	assert.Equal(t, tensor.Shape{5, 4}, out.Samples.Shape())
	for _, s := range out.Samples.ToInt64Slice() {
		assert.Contains(t, []int64{0, 3}, s, "zero-count labels are never drawn")
	}

	// W is zero, so every score is 0 and L[b] = (k+1)·log 2.
	for _, v := range out.Loss.ToFloat32Slice() {
		assert.InDelta(t, 5*math.Ln2, float64(v), 1e-5)
	}
}

func TestSameSeedSameSamples(t *testing.T) {
	cfg := nn.NegativeSamplingConfig{InSize: 2, Counts: []int{3, 1, 4, 1, 5, 9, 2, 6}, SampleSize: 5, Seed: 99}
	a := newLayer(t, cfg)
	b := newLayer(t, cfg)
	x := f32(t, []float32{1, 2, 3, 4}, 2, 2)
	labels := i64(t, []int64{0, 7}, 2)

	oa, err := a.Forward(x, labels, nn.ForwardOptions{ReturnSamples: true})
	require.NoError(t, err)
	ob, err := b.Forward(x, labels, nn.ForwardOptions{ReturnSamples: true})
	require.NoError(t, err)
	assert.Equal(t, oa.Samples.ToInt64Slice(), ob.Samples.ToInt64Slice())

	// an explicit generator overrides the layer's own
	oc, err := a.Forward(x, labels, nn.ForwardOptions{ReturnSamples: true, Rand: sampler.NewRand(99, 0)})
	require.NoError(t, err)
	assert.Equal(t, oa.Samples.ToInt64Slice(), oc.Samples.ToInt64Slice())
}

func TestReductionConsistency(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 3, Counts: []int{5, 4, 3, 2, 1}, SampleSize: 3, Seed: 4, InitScale: 0.5})
	x := f32(t, []float32{0.3, -1, 2, 0.5, 0.5, -0.5, 1, 1, 1}, 3, 3)
	labels := i64(t, []int64{4, 0, 2}, 3)

	sum, err := l.Forward(x, labels, nn.ForwardOptions{ReturnSamples: true})
	require.NoError(t, err)
	per, err := l.Forward(x, labels, nn.ForwardOptions{Reduce: nn.ReduceNone, Samples: sum.Samples})
	require.NoError(t, err)

	total := 0.0
	for _, v := range per.Loss.ToFloat32Slice() {
		total += float64(v)
	}
	assert.InDelta(t, total, scalar(t, sum.Loss), 1e-5)
}

func TestLossMonotonicity(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{1, 1, 1}, SampleSize: 2})
	x := f32(t, []float32{1, 0}, 1, 2)
	labels := i64(t, []int64{0}, 1)
	forced := i64(t, []int64{1, 2}, 1, 2)

	lossAt := func() float64 {
		out, err := l.Forward(x, labels, nn.ForwardOptions{Samples: forced})
		require.NoError(t, err)
		return scalar(t, out.Loss)
	}

	prev := math.Inf(1)
	for _, pos := range []float32{-3, -1, 0, 0.5, 2, 6} {
		setRow(l, 0, pos, 0)
		cur := lossAt()
		assert.Less(t, cur, prev, "raising the true score to %v", pos)
		prev = cur
	}

	setRow(l, 0, 0, 0)
	prev = math.Inf(-1)
	for _, neg := range []float32{-3, -1, 0, 0.5, 2, 6} {
		setRow(l, 1, neg, 0)
		cur := lossAt()
		assert.Greater(t, cur, prev, "raising a negative score to %v", neg)
		prev = cur
	}
}

func TestForwardDoesNotMutateW(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{1, 2, 3}, SampleSize: 2, InitScale: 1, Seed: 3})
	before := append([]float32(nil), l.W.Weight.ToFloat32Slice()...)
	x := f32(t, []float32{1, 2, 3, 4}, 2, 2).SetRequiresGrad(true)

	_, err := l.Forward(x, i64(t, []int64{0, 1}, 2), nn.ForwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, before, l.W.Weight.ToFloat32Slice())
	assert.Nil(t, l.W.Weight.Grad())
}

func TestBackwardCollisionsAccumulate(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{1, 1, 1, 1}, SampleSize: 2})
	x := f32(t, []float32{1, 2, 3, 4}, 2, 2).SetRequiresGrad(true)
	labels := i64(t, []int64{0, 0}, 2)
	// row 1 appears twice in example 0 and once in example 1
	forced := i64(t, []int64{1, 1, 1, 2}, 2, 2)

	out, err := l.Forward(x, labels, nn.ForwardOptions{Samples: forced})
	require.NoError(t, err)
	require.NoError(t, autograd.Backward(out.Loss))

	// W = 0 gives σ(z) = 0.5: the true row gets -0.5·x, each negative +0.5·x.
	want := []float32{
		-2, -3, // row 0: -0.5·x0 - 0.5·x1
		2.5, 4, // row 1: 0.5·x0 + 0.5·x0 + 0.5·x1
		1.5, 2, // row 2: 0.5·x1
		0, 0,   // row 3: untouched
	}
	assert.InDeltaSlice(t, want, l.W.Weight.Grad().ToFloat32Slice(), 1e-6)

	// W = 0 makes the input gradient vanish.
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0}, x.Grad().ToFloat32Slice(), 1e-6)
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 3, Counts: []int{4, 3, 2, 1, 1}, SampleSize: 3, InitScale: 0.7, Seed: 8})
	xData := []float32{0.4, -0.2, 0.9, -1.1, 0.3, 0.5}
	x := f32(t, xData, 2, 3).SetRequiresGrad(true)
	labels := i64(t, []int64{2, 4}, 2)
	forced := i64(t, []int64{0, 2, 3, 1, 4, 4}, 2, 3)

	out, err := l.Forward(x, labels, nn.ForwardOptions{Samples: forced})
	require.NoError(t, err)
	require.NoError(t, autograd.Backward(out.Loss))
	gx := append([]float32(nil), x.Grad().ToFloat32Slice()...)
	gw := append([]float32(nil), l.W.Weight.Grad().ToFloat32Slice()...)

	lossWith := func(xs []float32) float64 {
		o, err := l.Forward(f32(t, xs, 2, 3), labels, nn.ForwardOptions{Samples: forced})
		require.NoError(t, err)
		return scalar(t, o.Loss)
	}

	const eps = 1e-2
	for i := range xData {
		plus := append([]float32(nil), xData...)
		minus := append([]float32(nil), xData...)
		plus[i] += eps
		minus[i] -= eps
		num := (lossWith(plus) - lossWith(minus)) / (2 * eps)
		assert.InDelta(t, num, float64(gx[i]), 2e-3, "dL/dx[%d]", i)
	}

	w := l.W.Weight.ToFloat32Slice()
	for i := range w {
		orig := w[i]
		w[i] = orig + eps
		up := lossWith(xData)
		w[i] = orig - eps
		down := lossWith(xData)
		w[i] = orig
		assert.InDelta(t, (up-down)/(2*eps), float64(gw[i]), 2e-3, "dL/dW[%d]", i)
	}
}

func TestBackwardPerExampleMatchesSum(t *testing.T) {
	cfg := nn.NegativeSamplingConfig{InSize: 2, Counts: []int{2, 2, 1}, SampleSize: 2, InitScale: 0.3, Seed: 5}
	a := newLayer(t, cfg)
	b := newLayer(t, cfg)
	labels := i64(t, []int64{1, 2, 0}, 3)
	forced := i64(t, []int64{0, 1, 2, 2, 1, 0}, 3, 2)

	xa := f32(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2).SetRequiresGrad(true)
	oa, err := a.Forward(xa, labels, nn.ForwardOptions{Samples: forced})
	require.NoError(t, err)
	require.NoError(t, autograd.Backward(oa.Loss))

	xb := f32(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2).SetRequiresGrad(true)
	ob, err := b.Forward(xb, labels, nn.ForwardOptions{Reduce: nn.ReduceNone, Samples: forced})
	require.NoError(t, err)
	ones, err := tensor.Ones(tensor.Shape{3}, tensor.Float32, backend.CPU0)
	require.NoError(t, err)
	require.NoError(t, autograd.BackwardWithGrad(ob.Loss, ones))

	assert.InDeltaSlice(t, xa.Grad().ToFloat32Slice(), xb.Grad().ToFloat32Slice(), 1e-6)
	assert.InDeltaSlice(t, a.W.Weight.Grad().ToFloat32Slice(), b.W.Weight.Grad().ToFloat32Slice(), 1e-6)
}

func TestToKeepsSemantics(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{1, 2, 3}, SampleSize: 2, InitScale: 0.5, Seed: 2})
	moved, err := l.To(backend.CPU0)
	require.NoError(t, err)
	assert.Equal(t, l.W.Weight.ToFloat32Slice(), moved.W.Weight.ToFloat32Slice())
	assert.Equal(t, l.Sampler.Prob(), moved.Sampler.Prob())
	assert.Equal(t, l.Sampler.Alias(), moved.Sampler.Alias())
	assert.Len(t, moved.Parameters(), 1)

	x := f32(t, []float32{1, -1, 0.5, 2}, 2, 2)
	labels := i64(t, []int64{2, 0}, 2)
	forced := i64(t, []int64{0, 1, 2, 1}, 2, 2)
	a, err := l.Forward(x, labels, nn.ForwardOptions{Samples: forced})
	require.NoError(t, err)
	b, err := moved.Forward(x, labels, nn.ForwardOptions{Samples: forced})
	require.NoError(t, err)
	assert.Equal(t, scalar(t, a.Loss), scalar(t, b.Loss))
}

func TestForwardMetrics(t *testing.T) {
	c := metrics.New(prometheus.NewRegistry())
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{1, 1}, SampleSize: 3, Metrics: c})
	x := f32(t, []float32{1, 2, 3, 4}, 2, 2).SetRequiresGrad(true)

	out, err := l.Forward(x, i64(t, []int64{0, 1}, 2), nn.ForwardOptions{})
	require.NoError(t, err)
	require.NoError(t, autograd.Backward(out.Loss))

	assert.Equal(t, 6.0, testutil.ToFloat64(c.SamplesDrawn))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ForwardCalls.WithLabelValues("sum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BackwardCalls))
}

func TestForwardEmptyBatch(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{1, 1}, SampleSize: 3})
	x := f32(t, []float32{}, 0, 2)
	labels := i64(t, []int64{}, 0)

	sum, err := l.Forward(x, labels, nn.ForwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, scalar(t, sum.Loss))

	none, err := l.Forward(x, labels, nn.ForwardOptions{Reduce: nn.ReduceNone, ReturnSamples: true})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{0}, none.Loss.Shape())
	assert.Equal(t, tensor.Shape{0, 3}, none.Samples.Shape())
}

func TestReleaseKeepsParametersAndReturnedSamples(t *testing.T) {
	l := newLayer(t, nn.NegativeSamplingConfig{InSize: 2, Counts: []int{3, 1, 1}, SampleSize: 2, Seed: 5})
	setRow(l, 1, 0.5, -0.5)
	x := f32(t, []float32{1, 0, 0, 1}, 2, 2).SetRequiresGrad(true)
	labels := i64(t, []int64{1, 2}, 2)

	out, err := l.Forward(x, labels, nn.ForwardOptions{ReturnSamples: true})
	require.NoError(t, err)
	drawn := out.Samples.ToInt64Slice()
	require.NoError(t, autograd.Backward(out.Loss))

	autograd.Release(out.Loss)
	assert.Nil(t, out.Loss.Storage())
	require.NotNil(t, out.Samples.Storage())
	assert.Equal(t, drawn, out.Samples.ToInt64Slice())
	assert.Equal(t, []float32{1, 0, 0, 1}, x.ToFloat32Slice())
	assert.Equal(t, []float32{0.5, -0.5}, l.W.Weight.ToFloat32Slice()[2:4])
	assert.NotNil(t, x.Grad())
	assert.NotNil(t, l.W.Weight.Grad())
}
