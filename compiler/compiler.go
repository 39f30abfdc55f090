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

// Package compiler sequences graph partitioning, boundary-tensor capture,
// quantization calibration, and accelerator import into one compilation
// attempt with a tri-state outcome.
package compiler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mjettp/tidl"
	"github.com/mjettp/tidl/calibrate"
	"github.com/mjettp/tidl/importer"
	"github.com/mjettp/tidl/ir"
	"github.com/mjettp/tidl/partition"
)

// Names of the external tool binaries looked up under the tools path.
const (
	calibToolName = "eve_test_dl_algo_ref.out"
	importLibName = "tidl_relayImport.so"
)

// Config parameterizes one compiler instance.
type Config struct {
	// NumSubgraphs is the number of offloaded subgraphs to keep after
	// cost-based pruning.
	NumSubgraphs int `envconfig:"num_subgraphs" default:"4"`
	// Layout is the activation data layout of the model.
	Layout tidl.Layout `envconfig:"data_layout" default:"NCHW"`
	// ToolsPath holds the calibration binary and the native import library.
	ToolsPath string `envconfig:"tools_path"`
	// ArtifactsDir receives the per-subgraph artifact sets.
	ArtifactsDir string `envconfig:"artifacts_dir" default:"artifacts"`
	// CalibTimeout bounds each calibration subprocess. Zero means no bound.
	CalibTimeout time.Duration `envconfig:"calib_timeout"`
	// DumpBoundaryTensors writes captured boundary tensors as text files
	// under ArtifactsDir, for debugging calibration.
	DumpBoundaryTensors bool `envconfig:"dump_boundary_tensors"`
}

// Option configures optional collaborators of a Compiler.
type Option func(*Compiler)

// WithPasses sets the external partitioning passes run between constant
// binding and composite unpacking: operator-sequence merging, target
// annotation, region merging, and graph partitioning.
func WithPasses(passes ...partition.Pass) Option {
	return func(c *Compiler) { c.passes = passes }
}

// WithMACCounter overrides the subgraph compute-cost metric.
func WithMACCounter(macs partition.MACCounter) Option {
	return func(c *Compiler) { c.macs = macs }
}

// WithLibraryOpener overrides how the native import library is loaded.
func WithLibraryOpener(open func(path string) (importer.Library, error)) Option {
	return func(c *Compiler) { c.openLib = open }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Compiler) { c.logger = logger }
}

// Compiler partitions a graph for accelerator offload and compiles the
// offloaded subgraphs into runtime artifacts.
type Compiler struct {
	cfg     Config
	exec    calibrate.Executor
	macs    partition.MACCounter
	passes  []partition.Pass
	openLib func(path string) (importer.Library, error)
	logger  *zap.Logger
}

// New returns a compiler capturing calibration tensors through exec.
func New(cfg Config, exec calibrate.Executor, options ...Option) *Compiler {
	if cfg.NumSubgraphs <= 0 {
		cfg.NumSubgraphs = 4
	}
	if cfg.Layout == "" {
		cfg.Layout = tidl.NCHW
	}
	c := &Compiler{
		cfg:     cfg,
		exec:    exec,
		macs:    partition.EstimateMACs,
		openLib: openNative,
		logger:  zap.NewNop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func openNative(path string) (importer.Library, error) {
	return importer.Open(path)
}

// Enable attempts to compile the graph for accelerator offload.
//
// On success the partitioned graph is returned, with artifacts on disk for
// every offloaded subgraph. When the external tools are missing the
// partitioned graph is still returned, runnable without the accelerator. Any
// failure in partitioning, calibration, or import returns the original graph
// untouched: a partially-imported graph is never a valid result.
func (c *Compiler) Enable(ctx context.Context, orig *ir.Module, params map[string]*ir.Tensor, inputs map[string]*ir.Tensor) (*ir.Module, tidl.Status) {
	if len(inputs) > 1 {
		c.logger.Info("compilation skipped", zap.Int("inputs", len(inputs)))
		return orig, tidl.StatusSkippedMultiInput
	}

	mod, err := c.partition(orig, params)
	if err != nil {
		c.logger.Error("partitioning failed", zap.Error(err))
		return orig, tidl.StatusFailed
	}
	subgraphs := mod.TaggedSubgraphs(tidl.Target)
	c.logger.Info("graph partitioned", zap.Int("subgraphs", len(subgraphs)))

	calibTool := filepath.Join(c.cfg.ToolsPath, calibToolName)
	importLib := filepath.Join(c.cfg.ToolsPath, importLibName)
	if c.cfg.ToolsPath == "" || !fileExists(calibTool) || !fileExists(importLib) {
		c.logger.Info("accelerator tools not found, import skipped",
			zap.String("toolsPath", c.cfg.ToolsPath))
		return mod, tidl.StatusSkippedNoTools
	}

	if err := c.importSubgraphs(ctx, mod, params, inputs, calibTool, importLib); err != nil {
		c.logger.Error("accelerator import failed", zap.Error(err))
		return orig, tidl.StatusFailed
	}
	c.logger.Info("accelerator import succeeded", zap.Int("subgraphs", len(subgraphs)))
	return mod, tidl.StatusSuccess
}

// partition rewrites the graph into a module whose offloadable clusters are
// standalone tagged subgraphs, pruned to the configured budget.
func (c *Compiler) partition(orig *ir.Module, params map[string]*ir.Tensor) (*ir.Module, error) {
	funcs := make(map[string]*ir.Function, len(orig.Funcs))
	for name, fn := range orig.Funcs {
		funcs[name] = fn
	}
	mod := &ir.Module{Funcs: funcs}
	// Weights become constants so the importer can read their buffers.
	main := partition.BindParams(mod.Main(), params)
	mod.Funcs[ir.MainFunc] = partition.RemoveMultiplyByOne(main)

	var err error
	for _, pass := range c.passes {
		if mod, err = pass(mod); err != nil {
			return nil, err
		}
	}

	mod = partition.UnpackComposites(mod, tidl.Target)
	mod = partition.PruneMultiInput(mod, tidl.Target)
	mod = partition.PruneByCost(mod, tidl.Target, c.cfg.NumSubgraphs, c.macs)
	return mod, nil
}

func (c *Compiler) importSubgraphs(ctx context.Context, mod *ir.Module, params, inputs map[string]*ir.Tensor, calibTool, importLib string) error {
	graph, err := calibrate.BuildGraph(mod, tidl.Target)
	if err != nil {
		return err
	}
	dumpDir := ""
	if c.cfg.DumpBoundaryTensors {
		dumpDir = c.cfg.ArtifactsDir
	}
	tensors, err := calibrate.Capture(c.exec, graph, inputs, dumpDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.cfg.ArtifactsDir, 0o755); err != nil {
		return err
	}
	lib, err := c.openLib(importLib)
	if err != nil {
		return err
	}
	defer lib.Close()

	if c.cfg.CalibTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CalibTimeout)
		defer cancel()
	}
	session := importer.NewSession(lib, calibTool, c.cfg.ArtifactsDir, c.cfg.Layout, c.logger)
	return session.ImportModule(ctx, mod, params, tensors)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
