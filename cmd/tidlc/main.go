// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// tidlc partitions a dataflow graph for TIDL accelerator offload.
//
// The full compilation pipeline (calibration and accelerator import) needs a
// host graph executor and is driven through the compiler package by an
// embedding application; the command line exposes the partitioning stage,
// which needs only the graph itself.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mjettp/tidl"
	"github.com/mjettp/tidl/compiler"
	"github.com/mjettp/tidl/ir"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tidlc",
		Short:         "TIDL accelerator compiler backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPartitionCmd())
	return root
}

func newPartitionCmd() *cobra.Command {
	var (
		cfg     compiler.Config
		output  string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "partition <module.json>",
		Short: "Partition a graph into offloadable subgraphs",
		Long: "Partition reads a graph module in JSON form, extracts clusters of\n" +
			"operators the accelerator supports into standalone subgraphs, prunes\n" +
			"them to the configured budget, and writes the partitioned module.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPartition(args[0], output, cfg, verbose)
		},
	}
	// Environment first, flags override.
	if err := envconfig.Process("tidl", &cfg); err != nil {
		cfg = compiler.Config{NumSubgraphs: 4, Layout: tidl.NCHW}
	}
	flags := cmd.Flags()
	flags.IntVar(&cfg.NumSubgraphs, "num-subgraphs", cfg.NumSubgraphs, "number of subgraphs to keep after pruning")
	flags.Var(newLayoutValue(&cfg.Layout), "data-layout", "activation data layout (NCHW or NHWC)")
	flags.StringVarP(&output, "output", "o", "", "output path for the partitioned module (default: stdout)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log partitioning progress")
	return cmd
}

// layoutValue validates the data layout flag at parse time.
type layoutValue struct {
	layout *tidl.Layout
}

var _ pflag.Value = (*layoutValue)(nil)

func newLayoutValue(layout *tidl.Layout) *layoutValue {
	if *layout == "" {
		*layout = tidl.NCHW
	}
	return &layoutValue{layout: layout}
}

func (v *layoutValue) String() string { return string(*v.layout) }

func (v *layoutValue) Set(s string) error {
	switch tidl.Layout(s) {
	case tidl.NCHW, tidl.NHWC:
		*v.layout = tidl.Layout(s)
		return nil
	}
	return fmt.Errorf("unknown data layout %q", s)
}

func (v *layoutValue) Type() string { return "layout" }

func runPartition(input, output string, cfg compiler.Config, verbose bool) error {
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer l.Sync()
		logger = l
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	mod, err := ir.UnmarshalModule(data)
	if err != nil {
		return err
	}

	// No tools path: the pipeline stops after partitioning.
	cfg.ToolsPath = ""
	c := compiler.New(cfg, nil, compiler.WithLogger(logger))
	partitioned, status := c.Enable(context.Background(), mod, nil, nil)
	if status.Failed() {
		return fmt.Errorf("partitioning failed")
	}

	out, err := ir.MarshalModule(partitioned)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(output, out, 0o644)
}
