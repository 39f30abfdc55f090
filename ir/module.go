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

import (
	"sort"

	"github.com/pkg/errors"
)

// MainFunc is the name of a module's entry function.
const MainFunc = "main"

// Module is a set of named global functions with a distinguished entry
// function.
type Module struct {
	Funcs map[string]*Function
}

// NewModule returns a module with the given entry function.
func NewModule(main *Function) *Module {
	return &Module{Funcs: map[string]*Function{MainFunc: main}}
}

// Main returns the entry function.
func (m *Module) Main() *Function {
	return m.Funcs[MainFunc]
}

// Func returns the named global function.
func (m *Module) Func(name string) (*Function, error) {
	fn, ok := m.Funcs[name]
	if !ok {
		return nil, errors.Errorf("no global function %q in module", name)
	}
	return fn, nil
}

// GlobalNames returns the names of all global functions, sorted.
func (m *Module) GlobalNames() []string {
	names := make([]string, 0, len(m.Funcs))
	for name := range m.Funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaggedSubgraphs returns the names of global functions carrying the given
// compiler tag, sorted. Functions without attributes or under another
// compiler's tag are not ours and are skipped.
func (m *Module) TaggedSubgraphs(compiler string) []string {
	var names []string
	for name, fn := range m.Funcs {
		if name == MainFunc || fn.Attr("Compiler") != compiler {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
