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

package ir

type (
	// Conv2DAttrs are the attributes of an "nn.conv2d" call.
	// Padding is 1, 2, or 4 values: all sides, (vertical, horizontal), or
	// (top, left, bottom, right).
	Conv2DAttrs struct {
		Strides      [2]int `json:"strides"`
		Dilation     [2]int `json:"dilation"`
		Padding      []int  `json:"padding"`
		KernelSize   [2]int `json:"kernel_size"`
		Groups       int    `json:"groups"`
		DataLayout   string `json:"data_layout"`
		KernelLayout string `json:"kernel_layout"`
	}

	// PadAttrs are the attributes of an "nn.pad" call. PadWidth holds one
	// (before, after) pair per axis.
	PadAttrs struct {
		PadWidth [][2]int `json:"pad_width"`
	}

	// BatchNormAttrs are the attributes of an "nn.batch_norm" call.
	BatchNormAttrs struct {
		Epsilon float32 `json:"epsilon"`
		Center  bool    `json:"center"`
		Scale   bool    `json:"scale"`
	}

	// PoolAttrs are the attributes of pooling calls. Padding is 2 or 4
	// values; with 4 values the bottom/right pair is used.
	PoolAttrs struct {
		PoolSize [2]int `json:"pool_size"`
		Strides  [2]int `json:"strides"`
		Padding  []int  `json:"padding"`
	}

	// ClipAttrs are the attributes of a "clip" call.
	ClipAttrs struct {
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	}

	// ConcatAttrs are the attributes of a "concatenate" call.
	ConcatAttrs struct {
		Axis int `json:"axis"`
	}
)
