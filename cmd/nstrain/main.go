// Command nstrain trains skip-gram word vectors with the negative sampling
// loss and exposes a few diagnostics for the sampler and the backends.
//
// Usage:
//
//	nstrain train --corpus text.txt [--config cfg.json] [--metrics-addr :9090]
//	nstrain sample --counts 10,1,1,1 -n 100000
//	nstrain gradcheck
//	nstrain devices
//	nstrain extract --input dump.xml.bz2 --output wiki.txt
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/djeday123/nsloss/backend/cpu"
	// The CUDA backend registers itself only when a driver is present
	_ "github.com/djeday123/nsloss/backend/cuda"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nstrain",
		Short:         "Negative sampling word vectors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCmd(), newSampleCmd(), newGradCheckCmd(), newDevicesCmd(), newExtractCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
