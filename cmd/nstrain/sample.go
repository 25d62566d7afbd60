package main

import (
	"fmt"
	"io"
	"math"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/core"
	"github.com/djeday123/nsloss/sampler"
)

type sampleFlags struct {
	counts []int
	power  float64
	draws  int
	seed   uint64
	device string
}

func newSampleCmd() *cobra.Command {
	var f sampleFlags
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Draw from the smoothed count distribution and compare frequencies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSample(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().IntSliceVar(&f.counts, "counts", []int{10, 1, 1, 1}, "label counts")
	cmd.Flags().Float64Var(&f.power, "power", 0.75, "smoothing exponent")
	cmd.Flags().IntVarP(&f.draws, "draws", "n", 100000, "number of draws")
	cmd.Flags().Uint64Var(&f.seed, "seed", 1, "generator seed")
	cmd.Flags().StringVar(&f.device, "device", "cpu", "device holding the alias table")
	return cmd
}

func runSample(out io.Writer, f sampleFlags) error {
	dev, err := backend.ParseDevice(f.device)
	if err != nil {
		return err
	}
	weights := lo.Map(f.counts, func(c int, _ int) float64 { return math.Pow(float64(c), f.power) })
	s, err := sampler.NewWalkerAlias(weights, dev)
	if err != nil {
		return err
	}

	batch, err := s.SampleBatch(sampler.NewRand(f.seed, 0), core.Shape{f.draws})
	if err != nil {
		return err
	}
	host, err := batch.To(backend.CPU0)
	if err != nil {
		return err
	}
	hist := lo.CountValues(host.ToInt64Slice())

	total := lo.Sum(weights)
	fmt.Fprintf(out, "%-6s %-8s %-10s %-10s %-10s\n", "label", "count", "expected", "observed", "table")
	for i, c := range f.counts {
		observed := 0.0
		if f.draws > 0 {
			observed = float64(hist[int64(i)]) / float64(f.draws)
		}
		fmt.Fprintf(out, "%-6d %-8d %-10.5f %-10.5f %-10.5f\n",
			i, c, weights[i]/total, observed, s.Probability(i))
	}
	return nil
}
