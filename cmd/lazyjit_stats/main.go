// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// lazyjit_stats evaluates a long chain of elementwise operations, and reports how it was split in kernels,
// the kernel cache usage and the device memory used.
//
// Example:
//
//	lazyjit_stats -backend="host:workers=4" -len=1000 -size=1000000 -meminfo
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lazyjit/backends"
	_ "github.com/gomlx/lazyjit/backends/host"
	"github.com/gomlx/lazyjit/graph"
	"github.com/gomlx/lazyjit/memory"
	"github.com/gomlx/lazyjit/tensors"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", fmt.Sprintf("Toolkit configuration, e.g. \"host:devices=2\". "+
		"If empty, $%s is used, and if that is not set, the first registered toolkit.", backends.ConfigEnvVar))
	flagConfig = flag.String("config", "", "YAML file with the fusion limits: max_jit_len, max_buffers and max_bytes. "+
		"If empty, the limits are read from the environment.")
	flagLen     = flag.Int("len", 1000, "Number of chained operations.")
	flagSize    = flag.Int("size", 1<<16, "Number of elements of the tensors.")
	flagRepeat  = flag.Int("repeat", 3, "Number of times the chain is built and evaluated.")
	flagDevice  = flag.Int("device", 0, "Device where to evaluate.")
	flagMemInfo = flag.Bool("meminfo", false, "Print the table of buffers of the device at the end.")
	flagPlain   = flag.Bool("plain", false, "Disable colors and styles in the output.")
)

var (
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return cellStyle.Align(lipgloss.Left)
			}
			return cellStyle.Align(lipgloss.Right)
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagPlain {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if *flagLen < 1 || *flagSize < 1 || *flagRepeat < 1 {
		klog.Errorf("-len, -size and -repeat must be >= 1. See 'lazyjit_stats -help'.")
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("lazyjit_stats failed: %+v", err)
		os.Exit(1)
	}
}

func newToolkit() (backends.Toolkit, error) {
	if *flagBackend != "" {
		return backends.NewWithConfig(*flagBackend)
	}
	return backends.New()
}

func run() error {
	toolkit, err := newToolkit()
	if err != nil {
		return err
	}
	defer toolkit.Finalize()
	opts, err := memory.DefaultOptions()
	if err != nil {
		return err
	}
	manager, err := memory.New(toolkit, opts)
	if err != nil {
		return err
	}
	var config graph.Config
	if *flagConfig != "" {
		config, err = graph.LoadConfig(*flagConfig)
	} else {
		config, err = graph.DefaultConfig()
	}
	if err != nil {
		return err
	}
	ev, err := graph.NewEvaluator(toolkit, manager, graph.NewKernelCache(), config)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(toolkit.Description()))

	device := backends.DeviceNum(*flagDevice)
	ctx := backends.WithDevice(context.Background(), device)
	runs := newTable("run", "time", "launches", "compiles", "intermediates")
	flat := make([]float32, *flagSize)
	for ii := range flat {
		flat[ii] = float32(ii)
	}
	var last []float32
	for repeat := range *flagRepeat {
		before := ev.Stats()
		start := time.Now()
		x := must.M1(tensors.FromFlatData(ctx, ev, flat, *flagSize))
		for range *flagLen {
			x = must.M1(must.M1(x.MulScalar(0.5)).AddScalar(1))
		}
		if last, err = tensors.FlatData[float32](ctx, x); err != nil {
			return err
		}
		elapsed := time.Since(start)
		after := ev.Stats()
		runs.Row(fmt.Sprintf("#%d", repeat), elapsed.String(),
			humanize.Comma(after.Launches-before.Launches),
			humanize.Comma(after.Compiles-before.Compiles),
			humanize.Comma(after.Intermediates-before.Intermediates))
		x.Finalize()
	}
	fmt.Println(runs.Render())

	// x converges to 2 with enough operations.
	if len(last) > 0 {
		fmt.Printf("x[0]=%g x[%d]=%g\n", last[0], len(last)-1, last[len(last)-1])
	}

	info, err := ev.MemInfo(device)
	if err != nil {
		return err
	}
	cacheStats := ev.Cache().Stats()
	summary := newTable("metric", "value")
	summary.Row("kernels cached", humanize.Comma(int64(ev.Cache().Len())))
	summary.Row("cache hits", humanize.Comma(cacheStats.Hits))
	summary.Row("cache misses", humanize.Comma(cacheStats.Misses))
	summary.Row("fusion limits", fmt.Sprintf("%d nodes, %d buffers, %s", config.MaxJITLen, config.MaxBuffers,
		humanize.IBytes(uint64(config.MaxBytes))))
	summary.Row("memory", info.String())
	fmt.Println(summary.Render())

	if *flagMemInfo {
		if err := manager.PrintInfo(os.Stdout, fmt.Sprintf("Buffers of device #%d", device), device); err != nil {
			return errors.WithMessage(err, "printing memory info")
		}
	}
	return nil
}
