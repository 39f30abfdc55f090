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

package importer

import (
	"github.com/mjettp/tidl"
)

// Library is the native import library of the accelerator: one export call
// per operator kind, one linking call per node, and a final optimize call
// writing the network and parameter binaries. Per-call state accumulated
// between Init and Optimize is library-global, so import sessions must not
// run concurrently.
type Library interface {
	// Init starts the import of one subgraph.
	Init(cfg *ConfigParams, layout tidl.Layout) error

	Conv2D(p *Conv2DParams) error
	Pad(widths []int32) error
	Add() error
	BiasAdd(bias []float32) error
	BatchNorm(p *BatchNormParams) error
	Pooling(p *PoolingParams, kind PoolKind) error
	Relu(kind ReluKind) error
	Squeeze() error
	Reshape() error
	Softmax() error
	Concat(numInputs int) error
	Dropout() error
	BatchFlatten() error
	Mul(scale float32) error
	Dense(numIn, numOut int, weights []float32) error

	// OutData exports one sink data layer collecting numInputs outputs.
	OutData(numInputs int) error
	// LinkNode stitches one exported node into the native dependency graph.
	LinkNode(link *NodeLink) error
	// Optimize finalizes the imported subgraph into its artifact files.
	Optimize(netFile, paramsFile string, subgraphID int) error

	// Close releases the library. The handle is unusable afterwards.
	Close() error
}
