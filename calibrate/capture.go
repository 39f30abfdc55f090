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

package calibrate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/mjettp/tidl/ir"
)

// Executor evaluates a graph on concrete inputs. Graph execution is outside
// this module; an executor is injected by the caller.
type Executor interface {
	// Run evaluates fn with the given named inputs and returns one tensor
	// per output slot of fn's body.
	Run(fn *ir.Function, inputs map[string]*ir.Tensor) ([]*ir.Tensor, error)
}

// Capture runs the calibration graph once and returns the boundary tensor
// map: one captured floating-point tensor per subgraph input and output
// slot, keyed by boundary name. When dumpDir is non-empty, the first graph
// output and every boundary tensor are also dumped as text for inspection.
func Capture(exec Executor, g *Graph, inputs map[string]*ir.Tensor, dumpDir string) (map[string]*ir.Tensor, error) {
	results, err := exec.Run(g.Func, inputs)
	if err != nil {
		return nil, errors.Wrap(err, "calibration graph execution failed")
	}
	if want := len(g.NameMap) + g.NumOriginalOutputs; len(results) < want {
		return nil, errors.Errorf("calibration graph returned %d outputs, expected at least %d", len(results), want)
	}
	if dumpDir != "" && len(results) > 0 {
		if err := dumpTensor(filepath.Join(dumpDir, "graph_output.txt"), results[0]); err != nil {
			return nil, err
		}
	}
	tensors := make(map[string]*ir.Tensor, len(g.NameMap))
	for slot, name := range g.NameMap {
		tensors[name] = results[slot]
		if dumpDir == "" {
			continue
		}
		if err := dumpTensor(filepath.Join(dumpDir, name+".txt"), results[slot]); err != nil {
			return nil, err
		}
	}
	return tensors, nil
}

func dumpTensor(path string, t *ir.Tensor) error {
	var sb strings.Builder
	for _, v := range t.Float32s() {
		fmt.Fprintf(&sb, "%10.5f\n", v)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// TensorsByPrefix returns the boundary tensors whose name contains prefix,
// in slot-name order. Used to collect one subgraph's inputs
// ("<subgraph>_i") or outputs ("<subgraph>_o").
func TensorsByPrefix(tensors map[string]*ir.Tensor, prefix string) []*ir.Tensor {
	var names []string
	for name := range tensors {
		if strings.Contains(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	out := make([]*ir.Tensor, len(names))
	for i, name := range names {
		out[i] = tensors[name]
	}
	return out
}
