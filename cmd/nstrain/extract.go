package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/djeday123/nsloss/corpus"
)

type extractFlags struct {
	input    string
	output   string
	maxMB    int
	minChars int
}

func newExtractCmd() *cobra.Command {
	var f extractFlags
	cmd := &cobra.Command{
		Use:     "extract",
		Short:   "Extract a plain text training corpus from a Wikipedia XML dump",
		Example: `  nstrain extract --input data/trwiki-latest-pages-articles.xml.bz2 --output data/wiki_tr.txt --max-mb 400`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtract(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.input, "input", "", "Wikipedia XML dump (.xml.bz2 or .xml)")
	cmd.Flags().StringVar(&f.output, "output", "", "output text file")
	cmd.Flags().IntVar(&f.maxMB, "max-mb", 300, "stop after this many MB of text")
	cmd.Flags().IntVar(&f.minChars, "min-chars", 200, "skip articles shorter than this")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runExtract(cmd *cobra.Command, f extractFlags) (err error) {
	in, err := os.Open(f.input)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(f.output)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, out.Close()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	st, err := corpus.Extract(ctx, in, out, corpus.ExtractOptions{
		MaxBytes: int64(f.maxMB) << 20,
		MinChars: f.minChars,
		Bzip2:    strings.HasSuffix(f.input, ".bz2"),
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	elapsed := time.Since(start)
	fmt.Fprintf(w, "=== Done ===\n")
	fmt.Fprintf(w, "Output:   %s\n", f.output)
	fmt.Fprintf(w, "Size:     %.1f MB\n", float64(st.Bytes)/(1<<20))
	fmt.Fprintf(w, "Articles: %d (skipped %d)\n", st.Articles, st.Skipped)
	fmt.Fprintf(w, "Time:     %s\n", elapsed.Truncate(time.Millisecond))
	return nil
}
