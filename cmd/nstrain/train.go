package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/djeday123/nsloss/metrics"
	"github.com/djeday123/nsloss/pkg/config"
	"github.com/djeday123/nsloss/train"
)

type trainFlags struct {
	configPath  string
	corpusPath  string
	device      string
	epochs      int
	metricsAddr string
	neighbors   []string
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train skip-gram vectors on a text corpus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "JSON config file (defaults apply when empty)")
	cmd.Flags().StringVar(&f.corpusPath, "corpus", "", "plain text corpus")
	cmd.Flags().StringVar(&f.device, "device", "", "override the configured device (cpu, cuda:N)")
	cmd.Flags().IntVar(&f.epochs, "epochs", 0, "override the configured number of epochs")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().StringSliceVar(&f.neighbors, "neighbors", nil, "words to print nearest neighbors for after training")
	_ = cmd.MarkFlagRequired("corpus")
	return cmd
}

func loadConfig(f trainFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.device != "" {
		cfg.Device = f.device
	}
	if f.epochs > 0 {
		cfg.Train.Epochs = f.epochs
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	return cfg, cfg.Validate()
}

func runTrain(cmd *cobra.Command, f trainFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	corpus, err := os.ReadFile(f.corpusPath)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	out := cmd.OutOrStdout()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
			}
		}()
		defer srv.Close()
		fmt.Fprintf(out, "Serving metrics on %s/metrics\n", cfg.MetricsAddr)
	}

	tr, err := train.NewTrainer(string(corpus), cfg, out, m)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if _, err := tr.Train(ctx); err != nil {
		return err
	}

	for _, w := range f.neighbors {
		nb, err := tr.Neighbors(w, 5)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", w, err)
			continue
		}
		fmt.Fprintf(out, "%s:", w)
		for _, n := range nb {
			fmt.Fprintf(out, " %s(%.3f)", n.Word, n.Similarity)
		}
		fmt.Fprintln(out)
	}
	return nil
}
