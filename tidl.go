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

// Package tidl provides the shared vocabulary of the TIDL compiler backend:
// the compilation target name, tensor data layouts, and the outcome of a
// compilation attempt.
package tidl

// Target is the compiler tag carried by subgraphs offloaded to TIDL.
// Subgraph functions are named "<Target>_<id>" and their boundary variables
// "<Target>_<id>_i<slot>".
const Target = "tidl"

// Layout is the data layout of activation tensors.
type Layout string

const (
	// NCHW is channel-first layout.
	NCHW Layout = "NCHW"
	// NHWC is channel-last layout.
	NHWC Layout = "NHWC"
)

// IsNCHW returns 1 for channel-first layout and 0 otherwise,
// matching the encoding used in subgraph config files.
func (l Layout) IsNCHW() int {
	if l == NCHW {
		return 1
	}
	return 0
}

// Status is the outcome of a compilation attempt.
type Status int

const (
	// StatusSuccess: the graph was partitioned, calibrated, and imported;
	// artifacts were written for every surviving subgraph.
	StatusSuccess Status = iota
	// StatusFailed: extraction, calibration, or import failed. The caller
	// must fall back to the original, unpartitioned graph.
	StatusFailed
	// StatusSkippedNoTools: the native import library or the calibration
	// tool is absent. The partitioned graph is still usable for
	// non-accelerated execution.
	StatusSkippedNoTools
	// StatusSkippedMultiInput: the graph has more than one named input
	// tensor; partitioning was never attempted.
	StatusSkippedMultiInput
)

// Skipped reports whether compilation was skipped rather than attempted.
func (s Status) Skipped() bool {
	return s == StatusSkippedNoTools || s == StatusSkippedMultiInput
}

// Failed reports whether compilation was attempted and failed.
func (s Status) Failed() bool {
	return s == StatusFailed
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusSkippedNoTools:
		return "skipped: TIDL tools not available"
	case StatusSkippedMultiInput:
		return "skipped: more than one input tensor"
	}
	return "unknown"
}
