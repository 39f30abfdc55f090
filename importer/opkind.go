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

// OpKind enumerates the operators the accelerator can execute. Dispatch is a
// total switch over this set; an operator name outside it fails the import of
// the whole subgraph.
type OpKind int

const (
	OpConv2D OpKind = iota
	OpPad
	OpAdd
	OpBiasAdd
	OpClip
	OpRelu
	OpBatchNorm
	OpAvgPool2D
	OpSqueeze
	OpReshape
	OpSoftmax
	OpConcatenate
	OpMaxPool2D
	OpDropout
	OpGlobalAvgPool2D
	OpBatchFlatten
	OpMultiply
	OpDense
)

var opKinds = map[string]OpKind{
	"nn.conv2d":            OpConv2D,
	"nn.pad":               OpPad,
	"add":                  OpAdd,
	"nn.bias_add":          OpBiasAdd,
	"clip":                 OpClip,
	"nn.relu":              OpRelu,
	"nn.batch_norm":        OpBatchNorm,
	"nn.avg_pool2d":        OpAvgPool2D,
	"squeeze":              OpSqueeze,
	"reshape":              OpReshape,
	"nn.softmax":           OpSoftmax,
	"concatenate":          OpConcatenate,
	"nn.max_pool2d":        OpMaxPool2D,
	"nn.dropout":           OpDropout,
	"nn.global_avg_pool2d": OpGlobalAvgPool2D,
	"nn.batch_flatten":     OpBatchFlatten,
	"multiply":             OpMultiply,
	"nn.dense":             OpDense,
}

var opKindNames = map[OpKind]string{
	OpConv2D:          "nn.conv2d",
	OpPad:             "nn.pad",
	OpAdd:             "add",
	OpBiasAdd:         "nn.bias_add",
	OpClip:            "clip",
	OpRelu:            "nn.relu",
	OpBatchNorm:       "nn.batch_norm",
	OpAvgPool2D:       "nn.avg_pool2d",
	OpSqueeze:         "squeeze",
	OpReshape:         "reshape",
	OpSoftmax:         "nn.softmax",
	OpConcatenate:     "concatenate",
	OpMaxPool2D:       "nn.max_pool2d",
	OpDropout:         "nn.dropout",
	OpGlobalAvgPool2D: "nn.global_avg_pool2d",
	OpBatchFlatten:    "nn.batch_flatten",
	OpMultiply:        "multiply",
	OpDense:           "nn.dense",
}

// KindOf maps an operator name to its kind. The second result is false for
// operators the accelerator cannot execute.
func KindOf(name string) (OpKind, bool) {
	kind, ok := opKinds[name]
	return kind, ok
}

func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return "unknown"
}
