package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/djeday123/nsloss/autograd"
	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/tensor"
)

// Embedding is a lookup table of row vectors, one per vocabulary entry.
type Embedding struct {
	Weight    *tensor.Tensor // [vocabSize, embedDim]
	VocabSize int
	EmbedDim  int
}

// NewEmbedding creates an embedding table on device. With scale 0 the table
// starts at zero; otherwise entries are drawn from N(0, scale²) using rng.
func NewEmbedding(vocabSize, embedDim int, scale float64, rng *rand.Rand, device backend.Device) (*Embedding, error) {
	if vocabSize <= 0 || embedDim <= 0 {
		return nil, fmt.Errorf("embedding: invalid size %dx%d", vocabSize, embedDim)
	}
	data := make([]float32, vocabSize*embedDim)
	if scale != 0 {
		for i := range data {
			data[i] = float32(rng.NormFloat64() * scale)
		}
	}

	w, err := tensor.FromSliceOn(data, tensor.Shape{vocabSize, embedDim}, device)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)

	return &Embedding{Weight: w, VocabSize: vocabSize, EmbedDim: embedDim}, nil
}

type embeddingGradFn struct {
	weight  *tensor.Tensor
	indices *tensor.Tensor
}

func (f *embeddingGradFn) Name() string            { return "EmbeddingBackward" }
func (f *embeddingGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.weight} }
func (f *embeddingGradFn) Backward(grad *tensor.Tensor) ([]*tensor.Tensor, error) {
	bk, err := f.weight.Backend()
	if err != nil {
		return nil, err
	}
	gw, err := autograd.EnsureGrad(f.weight)
	if err != nil {
		return nil, err
	}
	shape := f.weight.Shape()
	err = bk.EmbeddingBackward(gw.Storage(), grad.Storage(), f.indices.Storage(),
		shape[0], shape[1], f.indices.NumElements())
	return []*tensor.Tensor{nil}, err
}

// Forward looks up embeddings for given token indices.
// indices shape: [n] (int64) → output: [n, embedDim]
func (e *Embedding) Forward(indices *tensor.Tensor) (*tensor.Tensor, error) {
	if indices.DType() != tensor.Int64 {
		return nil, fmt.Errorf("%w: embedding indices must be int64, got %s", ErrInvalidArgument, indices.DType())
	}
	if indices.Device() != e.Weight.Device() {
		return nil, fmt.Errorf("%w: indices on %s, embedding on %s", ErrInvalidArgument, indices.Device(), e.Weight.Device())
	}
	n := indices.NumElements()

	bk, err := e.Weight.Backend()
	if err != nil {
		return nil, err
	}

	outStore, err := bk.Alloc(n * e.EmbedDim * int(tensor.Float32.Size()))
	if err != nil {
		return nil, err
	}

	err = bk.Embedding(outStore, e.Weight.Storage(), indices.Storage(), e.VocabSize, e.EmbedDim, n)
	if err != nil {
		outStore.Free()
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	out := tensor.NewTensor(outStore, tensor.Shape{n, e.EmbedDim}, tensor.Float32)
	if e.Weight.RequiresGrad() {
		out.SetRequiresGrad(true)
		out.SetGradFn(&embeddingGradFn{weight: e.Weight, indices: indices})
	}
	return out, nil
}

// To copies the table to device.
func (e *Embedding) To(device backend.Device) (*Embedding, error) {
	w, err := e.Weight.To(device)
	if err != nil {
		return nil, err
	}
	return &Embedding{Weight: w, VocabSize: e.VocabSize, EmbedDim: e.EmbedDim}, nil
}

// Parameters returns trainable parameters.
func (e *Embedding) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{e.Weight}
}
