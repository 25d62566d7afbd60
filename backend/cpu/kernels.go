package cpu

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/core"
)

// minParallelWork is the number of multiply-adds below which the sampled
// kernels stay on the calling goroutine.
const minParallelWork = 1 << 15

// ---- Alias method ----

func (b *Backend) AliasDraw(dst, prob, alias, cols, coins backend.Storage, n int) error {
	if n == 0 {
		return nil
	}
	probData := f64Slice(prob, prob.ByteLen()/8)
	aliasData := i64Slice(alias, alias.ByteLen()/8)
	colData := i64Slice(cols, n)
	coinData := f64Slice(coins, n)
	out := i64Slice(dst, n)

	size := int64(len(probData))
	for i := 0; i < n; i++ {
		c := colData[i]
		if c < 0 || c >= size {
			return fmt.Errorf("alias draw: column %d out of range [0, %d)", c, size)
		}
		if coinData[i] < probData[c] {
			out[i] = c
		} else {
			out[i] = aliasData[c]
		}
	}
	return nil
}

// ---- Embedding ----

func checkIndices(idx []int64, vocab int) error {
	for i, r := range idx {
		if r < 0 || int(r) >= vocab {
			return fmt.Errorf("index %d at position %d out of range [0, %d)", r, i, vocab)
		}
	}
	return nil
}

func (b *Backend) Embedding(dst, w, indices backend.Storage, vocab, dim, n int) error {
	idx := i64Slice(indices, n)
	if err := checkIndices(idx, vocab); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	wData := f32Slice(w, vocab*dim)
	out := f32Slice(dst, n*dim)
	for i, r := range idx {
		copy(out[i*dim:(i+1)*dim], wData[int(r)*dim:(int(r)+1)*dim])
	}
	return nil
}

// EmbeddingBackward runs serially so repeated indices are summed.
func (b *Backend) EmbeddingBackward(dst, gy, indices backend.Storage, vocab, dim, n int) error {
	idx := i64Slice(indices, n)
	if err := checkIndices(idx, vocab); err != nil {
		return fmt.Errorf("embedding backward: %w", err)
	}
	g := f32Slice(gy, n*dim)
	out := f32Slice(dst, vocab*dim)
	for i, r := range idx {
		blas32.Axpy(1, vec(g[i*dim:(i+1)*dim]), vec(out[int(r)*dim:(int(r)+1)*dim]))
	}
	return nil
}

// ---- Negative sampling ----

// sampledOperands are host views over the storages of one sampled kernel call.
type sampledOperands struct {
	s       backend.SampledShape
	t       []int64
	samples []int64
}

func newSampledOperands(t, samples backend.Storage, s backend.SampledShape) sampledOperands {
	return sampledOperands{
		s:       s,
		t:       i64Slice(t, s.Batch),
		samples: i64Slice(samples, s.Batch*s.Samples),
	}
}

// row returns the weight row scored in column j of example b.
func (o sampledOperands) row(b, j int) int {
	if j == 0 {
		return int(o.t[b])
	}
	return int(o.samples[b*o.s.Samples+j-1])
}

func (o sampledOperands) validate() error {
	if err := checkIndices(o.t, o.s.Vocab); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	if err := checkIndices(o.samples, o.s.Vocab); err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	return nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

func (b *Backend) SampledScores(dst, x, w, t, samples backend.Storage, s backend.SampledShape) error {
	ops := newSampledOperands(t, samples, s)
	if err := ops.validate(); err != nil {
		return fmt.Errorf("sampled scores: %w", err)
	}
	xData := f32Slice(x, s.Batch*s.Dim)
	wData := f32Slice(w, s.Vocab*s.Dim)
	out := f32Slice(dst, s.Batch*s.Width())

	return parallelRows(s.Batch, s.Batch*s.Width()*s.Dim, func(start, end int) error {
		for bi := start; bi < end; bi++ {
			xRow := vec(xData[bi*s.Dim : (bi+1)*s.Dim])
			for j := 0; j < s.Width(); j++ {
				r := ops.row(bi, j)
				out[bi*s.Width()+j] = blas32.Dot(xRow, vec(wData[r*s.Dim:(r+1)*s.Dim]))
			}
		}
		return nil
	})
}

func (b *Backend) SampledLoss(dst, scores backend.Storage, s backend.SampledShape) error {
	in := f32Slice(scores, s.Batch*s.Width())
	out := f32Slice(dst, s.Batch)
	for bi := 0; bi < s.Batch; bi++ {
		row := in[bi*s.Width() : (bi+1)*s.Width()]
		loss := -core.LogSigmoid(float64(row[0]))
		for _, z := range row[1:] {
			loss -= core.LogSigmoid(-float64(z))
		}
		out[bi] = float32(loss)
	}
	return nil
}

func (b *Backend) SampledCoef(dst, scores, gy backend.Storage, gyStride int, s backend.SampledShape) error {
	if gyStride != 0 && gyStride != 1 {
		return fmt.Errorf("sampled coef: gy stride must be 0 or 1, got %d", gyStride)
	}
	in := f32Slice(scores, s.Batch*s.Width())
	out := f32Slice(dst, s.Batch*s.Width())
	g := f32Slice(gy, 1+(s.Batch-1)*gyStride)
	for bi := 0; bi < s.Batch; bi++ {
		gb := float64(g[bi*gyStride])
		off := bi * s.Width()
		out[off] = float32((core.Sigmoid(float64(in[off])) - 1) * gb)
		for j := 1; j < s.Width(); j++ {
			out[off+j] = float32(core.Sigmoid(float64(in[off+j])) * gb)
		}
	}
	return nil
}

func (b *Backend) SampledInputGrad(dst, coef, w, t, samples backend.Storage, s backend.SampledShape) error {
	ops := newSampledOperands(t, samples, s)
	if err := ops.validate(); err != nil {
		return fmt.Errorf("sampled input grad: %w", err)
	}
	c := f32Slice(coef, s.Batch*s.Width())
	wData := f32Slice(w, s.Vocab*s.Dim)
	out := f32Slice(dst, s.Batch*s.Dim)

	return parallelRows(s.Batch, s.Batch*s.Width()*s.Dim, func(start, end int) error {
		for bi := start; bi < end; bi++ {
			gRow := out[bi*s.Dim : (bi+1)*s.Dim]
			clear(gRow)
			for j := 0; j < s.Width(); j++ {
				r := ops.row(bi, j)
				blas32.Axpy(c[bi*s.Width()+j], vec(wData[r*s.Dim:(r+1)*s.Dim]), vec(gRow))
			}
		}
		return nil
	})
}

// SampledWeightGrad runs serially: two examples may reference the same row.
func (b *Backend) SampledWeightGrad(dst, coef, x, t, samples backend.Storage, s backend.SampledShape) error {
	ops := newSampledOperands(t, samples, s)
	if err := ops.validate(); err != nil {
		return fmt.Errorf("sampled weight grad: %w", err)
	}
	c := f32Slice(coef, s.Batch*s.Width())
	xData := f32Slice(x, s.Batch*s.Dim)
	out := f32Slice(dst, s.Vocab*s.Dim)

	for bi := 0; bi < s.Batch; bi++ {
		xRow := vec(xData[bi*s.Dim : (bi+1)*s.Dim])
		for j := 0; j < s.Width(); j++ {
			r := ops.row(bi, j)
			blas32.Axpy(c[bi*s.Width()+j], xRow, vec(out[r*s.Dim:(r+1)*s.Dim]))
		}
	}
	return nil
}

// parallelRows splits [0, n) into one contiguous chunk per worker.
func parallelRows(n, work int, fn func(start, end int) error) error {
	workers := min(runtime.GOMAXPROCS(0), n)
	if workers <= 1 || work < minParallelWork {
		return fn(0, n)
	}
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error { return fn(start, end) })
	}
	return g.Wait()
}
