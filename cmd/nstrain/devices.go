package main

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/djeday123/nsloss/backend"
	"github.com/djeday123/nsloss/backend/cpu"
	"github.com/djeday123/nsloss/backend/cuda"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List registered backends and visible devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDevices(cmd.OutOrStdout())
		},
	}
}

func runDevices(out io.Writer) error {
	names := lo.Map(backend.Available(), func(dt backend.DeviceType, _ int) string { return dt.String() })
	fmt.Fprintf(out, "Backends: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(out, "cpu: %s/%s, %d threads, features: %s\n",
		runtime.GOOS, runtime.GOARCH, runtime.GOMAXPROCS(0), strings.Join(cpu.Features(), " "))

	n, err := cuda.DeviceCount()
	if err != nil {
		fmt.Fprintf(out, "cuda: not available (%v)\n", err)
		return nil
	}
	for i := 0; i < n; i++ {
		info, err := cuda.QueryDevice(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cuda:%d: %s\n", i, info)
	}
	return nil
}
