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
	"github.com/mjettp/tidl/ir"
)

// Fixed quantization constants of the accelerator implementation.
const (
	numParamBits  = 12
	quantRoundAdd = 50
	// quantRange is the code range one unit of scale maps to.
	quantRange = 255
)

type (
	// ConfigParams is the initialization record of an import session: input
	// quantization and input activation geometry.
	ConfigParams struct {
		NumParamBits  int32
		QuantRoundAdd int32
		InQuantFactor int32
		InElementType int32
		InNumChannels int32
		InHeight      int32
		InWidth       int32
	}

	// Conv2DParams carries a convolution's geometry and its kernel weights,
	// normalized to OIHW order.
	Conv2DParams struct {
		NumInChannels  int32
		NumOutChannels int32
		NumGroups      int32
		StrideH        int32
		StrideW        int32
		DilationH      int32
		DilationW      int32
		PadT           int32
		PadL           int32
		PadB           int32
		PadR           int32
		KernelH        int32
		KernelW        int32
		Weights        []float32
	}

	// BatchNormParams carries the four learned batch-norm vectors, all of
	// the same per-channel length.
	BatchNormParams struct {
		NumParams    int32
		Gamma        []float32
		Beta         []float32
		Mean         []float32
		Var          []float32
		Epsilon      float32
		CenterEnable int32
		ScaleEnable  int32
	}

	// PoolingParams carries a pooling window. A zero kernel with unit
	// strides encodes global pooling.
	PoolingParams struct {
		KernelH int32
		KernelW int32
		StrideH int32
		StrideW int32
		PadH    int32
		PadW    int32
	}

	// NodeLink is the adjacency record passed to the native library to
	// stitch one node into its dependency graph. External boundary inputs
	// are encoded as -1.
	NodeLink struct {
		Node int32
		Ins  []int32
		Outs []int32
	}
)

// PoolKind names the pooling flavor for the native export call.
type PoolKind string

const (
	AvgPool PoolKind = "avg_pool2d"
	MaxPool PoolKind = "max_pool2d"
)

// ReluKind names the rectifier flavor for the native export call.
type ReluKind string

const (
	Relu  ReluKind = "Relu"
	Relu6 ReluKind = "Relu6"
)

// linkOf converts an in-graph adjacency record to the native encoding.
func linkOf(adj ir.Adjacency) *NodeLink {
	link := &NodeLink{Node: int32(adj.Node)}
	for _, in := range adj.Ins {
		if in.External {
			link.Ins = append(link.Ins, -1)
		} else {
			link.Ins = append(link.Ins, int32(in.Node))
		}
	}
	for _, out := range adj.Outs {
		link.Outs = append(link.Outs, int32(out))
	}
	return link
}
