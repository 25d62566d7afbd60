package train

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/djeday123/nsloss/autograd"
	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/metrics"
	"github.com/djeday123/nsloss/nn"
	"github.com/djeday123/nsloss/optim"
	"github.com/djeday123/nsloss/pkg/config"
	"github.com/djeday123/nsloss/sampler"
	"github.com/djeday123/nsloss/tensor"
	"github.com/djeday123/nsloss/tokenizer"
)

// Trainer fits skip-gram word vectors: each center word's input embedding
// is scored against its context words and sampled negatives.
type Trainer struct {
	Input     *nn.Embedding        // center-word vectors
	Loss      *nn.NegativeSampling // context-word vectors and the sampler
	Optimizer optim.Optimizer
	Tokenizer *tokenizer.WordTokenizer
	Config    *config.Config
	Metrics   *metrics.Collector

	out    io.Writer
	device backend.Device
	tokens []int64
	rng    *rand.Rand
}

// Result summarizes a training run.
type Result struct {
	Steps     int
	EpochLoss []float64 // mean per-pair loss of each epoch
	Duration  time.Duration
}

// NewTrainer tokenizes corpus and builds the model described by cfg.
// Progress lines are written to out.
func NewTrainer(corpus string, cfg *config.Config, out io.Writer, m *metrics.Collector) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device, err := cfg.ParseDevice()
	if err != nil {
		return nil, err
	}

	tok := tokenizer.NewWordTokenizer(corpus, cfg.Model.MinCount)
	tokens := tok.Encode(corpus)
	if len(tokens) < 2 {
		return nil, fmt.Errorf("corpus has %d in-vocabulary words, need at least 2", len(tokens))
	}

	input, err := nn.NewEmbedding(tok.VocabSize(), cfg.Model.InSize, cfg.Model.InitScale,
		sampler.NewRand(cfg.Train.Seed, 2), device)
	if err != nil {
		return nil, err
	}
	loss, err := nn.NewNegativeSampling(nn.NegativeSamplingConfig{
		InSize:     cfg.Model.InSize,
		Counts:     tok.Counts(),
		SampleSize: cfg.Model.SampleSize,
		Power:      lo.ToPtr(cfg.Model.Power),
		Device:     device,
		Seed:       cfg.Train.Seed,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	params := append(input.Parameters(), loss.Parameters()...)
	opt, err := optim.New(cfg.Train.Optimizer, params, cfg.Train.LR)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		Input:     input,
		Loss:      loss,
		Optimizer: opt,
		Tokenizer: tok,
		Config:    cfg,
		Metrics:   m,
		out:       out,
		device:    device,
		tokens:    tokens,
		rng:       sampler.NewRand(cfg.Train.Seed, 3),
	}, nil
}

// pairs lists every (center, context) pair within the window.
func (t *Trainer) pairs() (centers, contexts []int64) {
	w := t.Config.Train.Window
	for i, c := range t.tokens {
		for j := max(0, i-w); j <= min(len(t.tokens)-1, i+w); j++ {
			if j == i {
				continue
			}
			centers = append(centers, c)
			contexts = append(contexts, t.tokens[j])
		}
	}
	return centers, contexts
}

// Step runs forward, backward and one optimizer update on a batch of pairs
// and returns the mean per-pair loss. Every buffer the step allocates is
// freed before it returns.
func (t *Trainer) Step(centers, contexts []int64) (float64, error) {
	n := len(centers)
	idx, err := tensor.FromSliceOn(centers, tensor.Shape{n}, t.device)
	if err != nil {
		return 0, err
	}
	defer idx.Free()
	labels, err := tensor.FromSliceOn(contexts, tensor.Shape{n}, t.device)
	if err != nil {
		return 0, err
	}
	defer labels.Free()

	x, err := t.Input.Forward(idx)
	if err != nil {
		return 0, err
	}
	out, err := t.Loss.Forward(x, labels, nn.ForwardOptions{Rand: t.rng})
	if err != nil {
		autograd.Release(x)
		return 0, err
	}
	defer autograd.Release(out.Loss)

	if err := t.Optimizer.ZeroGrad(); err != nil {
		return 0, err
	}
	if err := autograd.Backward(out.Loss); err != nil {
		return 0, err
	}
	if err := t.Optimizer.Step(); err != nil {
		return 0, err
	}
	t.Metrics.ObserveStep()

	v, err := tensor.Data[float32](out.Loss)
	if err != nil {
		return 0, err
	}
	return float64(v[0]) / float64(n), nil
}

// Train runs cfg.Train.Epochs passes over the shuffled pairs. It stops early
// with ctx's error when ctx is cancelled.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	cfg := t.Config.Train
	centers, contexts := t.pairs()
	order := lo.Range(len(centers))

	stepsPerEpoch := (len(order) + cfg.BatchSize - 1) / cfg.BatchSize
	totalSteps := stepsPerEpoch * cfg.Epochs

	fmt.Fprintf(t.out, "Vocabulary: %d words, %d tokens, %d pairs\n",
		t.Tokenizer.VocabSize(), len(t.tokens), len(order))
	fmt.Fprintf(t.out, "Config: dim=%d, negatives=%d, batch=%d, lr=%.1e, optimizer=%s, device=%s\n\n",
		t.Config.Model.InSize, t.Config.Model.SampleSize, cfg.BatchSize, cfg.LR, cfg.Optimizer, t.device)

	res := &Result{}
	start := time.Now()
	smoothLoss := 0.0

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		epochLoss := 0.0
		for _, batch := range lo.Chunk(order, cfg.BatchSize) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Steps++
			lr := optim.CosineSchedule(res.Steps, 0, totalSteps, cfg.LR, cfg.MinLR)
			t.Optimizer.SetLR(lr)

			stepStart := time.Now()
			bc := lo.Map(batch, func(i int, _ int) int64 { return centers[i] })
			bt := lo.Map(batch, func(i int, _ int) int64 { return contexts[i] })
			loss, err := t.Step(bc, bt)
			if err != nil {
				return res, fmt.Errorf("step %d: %w", res.Steps, err)
			}
			epochLoss += loss * float64(len(batch))

			if smoothLoss == 0 {
				smoothLoss = loss
			} else {
				smoothLoss = 0.95*smoothLoss + 0.05*loss
			}
			if res.Steps%cfg.LogEvery == 0 {
				pairsPerSec := float64(len(batch)) / time.Since(stepStart).Seconds()
				fmt.Fprintf(t.out, "step %5d | epoch %d | loss %.4f (smooth %.4f) | lr %.2e | %.0f pairs/s\n",
					res.Steps, epoch, loss, smoothLoss, lr, pairsPerSec)
			}
		}
		res.EpochLoss = append(res.EpochLoss, epochLoss/float64(len(order)))
		fmt.Fprintf(t.out, "         -> epoch %d mean loss %.4f\n", epoch, res.EpochLoss[epoch-1])
	}

	res.Duration = time.Since(start)
	fmt.Fprintf(t.out, "\nTraining complete in %v\n", res.Duration)
	return res, nil
}

// Neighbor is a word and its cosine similarity to a query.
type Neighbor struct {
	Word       string
	Similarity float64
}

// Neighbors returns the k words whose input vectors are closest to word's.
func (t *Trainer) Neighbors(word string, k int) ([]Neighbor, error) {
	if k < 0 {
		return nil, fmt.Errorf("neighbor count must not be negative, got %d", k)
	}
	id, ok := t.Tokenizer.ID(word)
	if !ok {
		return nil, fmt.Errorf("word %q not in vocabulary", word)
	}
	w, err := tensor.Data[float32](t.Input.Weight)
	if err != nil {
		return nil, err
	}
	dim := t.Input.EmbedDim
	row := func(i int) blas32.Vector {
		return blas32.Vector{N: dim, Data: w[i*dim : (i+1)*dim], Inc: 1}
	}

	q := row(int(id))
	qNorm := float64(blas32.Nrm2(q))
	var out []Neighbor
	for i := 0; i < t.Input.VocabSize; i++ {
		if i == int(id) {
			continue
		}
		v := row(i)
		denom := qNorm * float64(blas32.Nrm2(v))
		sim := 0.0
		if denom > 0 {
			sim = float64(blas32.Dot(q, v)) / denom
		}
		out = append(out, Neighbor{Word: t.Tokenizer.Word(int64(i)), Similarity: sim})
	}
	slices.SortStableFunc(out, func(a, b Neighbor) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	return out[:min(k, len(out))], nil
}
